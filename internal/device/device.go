package device

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Technology identifies the radio technology a device was discovered on.
// The numeric values are stable and used as part of dedup keys.
type Technology int

const (
	Classic Technology = 1
	LE      Technology = 2
)

func (t Technology) String() string {
	switch t {
	case Classic:
		return "classic"
	case LE:
		return "le"
	default:
		return fmt.Sprintf("technology(%d)", int(t))
	}
}

// ScanRecord is the last-seen LE advertisement payload of a device.
type ScanRecord struct {
	LocalName        string
	ServiceUUIDs     []string
	ServiceData      map[string][]byte
	ManufacturerData map[uint16][]byte
	TxPower          *int
	Connectable      bool
}

// HasService reports whether the record advertises the given service UUID.
func (r *ScanRecord) HasService(uuid string) bool {
	if r == nil {
		return false
	}
	want := NormalizeUUID(uuid)
	if want == "" {
		return false
	}
	for _, u := range r.ServiceUUIDs {
		if NormalizeUUID(u) == want {
			return true
		}
	}
	// Service data implies the service is present even when the UUID list was truncated.
	_, ok := r.ServiceData[want]
	return ok
}

// ServiceDataFor returns the payload advertised for the given service UUID, or nil.
func (r *ScanRecord) ServiceDataFor(uuid string) []byte {
	if r == nil || r.ServiceData == nil {
		return nil
	}
	return r.ServiceData[NormalizeUUID(uuid)]
}

// ManufacturerIDs returns the advertised company identifiers in ascending order.
func (r *ScanRecord) ManufacturerIDs() []uint16 {
	if r == nil {
		return nil
	}
	ids := make([]uint16, 0, len(r.ManufacturerData))
	for id := range r.ManufacturerData {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DeviceRecord is a device seen during a discovery session.
type DeviceRecord struct {
	Address    string
	Technology Technology
	Name       string
	Class      DeviceClass // Classic only
	ScanRecord *ScanRecord // LE only
	RSSI       int
	LastSeen   time.Time
}

// NewDeviceRecord creates a record with a canonical (upper-case) address.
func NewDeviceRecord(address string, tech Technology) *DeviceRecord {
	return &DeviceRecord{
		Address:    NormalizeAddress(address),
		Technology: tech,
		LastSeen:   time.Now(),
	}
}

// Key returns the per-technology identity used for deduplication.
func (d *DeviceRecord) Key() string {
	return d.Technology.String() + "/" + NormalizeAddress(d.Address)
}

// DisplayName returns the best-known human-readable name of the device,
// falling back to the address.
func (d *DeviceRecord) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	if d.ScanRecord != nil && d.ScanRecord.LocalName != "" {
		return d.ScanRecord.LocalName
	}
	return d.Address
}

// BestName returns the advertised or resolved name, empty when unknown.
func (d *DeviceRecord) BestName() string {
	if d.Name != "" {
		return d.Name
	}
	if d.ScanRecord != nil {
		return d.ScanRecord.LocalName
	}
	return ""
}

func (d *DeviceRecord) String() string {
	return fmt.Sprintf("%s[%s %q rssi=%d]", d.Technology, d.Address, d.BestName(), d.RSSI)
}

// NormalizeAddress returns the canonical form of a Bluetooth address:
// upper case, colon separated. Dash separated MACs are accepted.
func NormalizeAddress(address string) string {
	a := strings.ToUpper(strings.TrimSpace(address))
	if len(a) == 17 && strings.Count(a, "-") == 5 {
		a = strings.ReplaceAll(a, "-", ":")
	}
	return a
}

// ValidateAddress checks that the address is a 48-bit colon separated MAC
// or a platform identifier (macOS reports UUIDs instead of MACs).
func ValidateAddress(address string) (string, error) {
	a := NormalizeAddress(address)
	if a == "" {
		return "", fmt.Errorf("device address cannot be empty")
	}
	if !strings.Contains(a, ":") {
		// CoreBluetooth peripheral identifier
		return a, nil
	}
	parts := strings.Split(a, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("invalid device address %q", address)
	}
	for _, p := range parts {
		if len(p) != 2 || !isHex(p) {
			return "", fmt.Errorf("invalid device address %q", address)
		}
	}
	return a, nil
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
