package device

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DescriptorClientConfig is the Client Characteristic Configuration descriptor (0x2902).
const DescriptorClientConfig = "2902"

// CCCD sentinel values, little endian: bit 0 = notifications, bit 1 = indications.
var (
	EnableNotificationValue  = []byte{0x01, 0x00}
	EnableIndicationValue    = []byte{0x02, 0x00}
	DisableNotificationValue = []byte{0x00, 0x00}
)

// ClientConfig represents the Client Characteristic Configuration descriptor (0x2902)
type ClientConfig struct {
	Notifications bool
	Indications   bool
}

// Enabled reports whether the peer asked for notifications or indications.
func (c ClientConfig) Enabled() bool {
	return c.Notifications || c.Indications
}

// Bytes encodes the configuration as a descriptor value.
func (c ClientConfig) Bytes() []byte {
	var v uint16
	if c.Notifications {
		v |= 0x0001
	}
	if c.Indications {
		v |= 0x0002
	}
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, v)
	return out
}

// ParseClientConfig parses the Client Characteristic Configuration descriptor value.
func ParseClientConfig(data []byte) (*ClientConfig, error) {
	if len(data) != 2 {
		return nil, fmt.Errorf("invalid length for client config: expected 2, got %d", len(data))
	}
	value := binary.LittleEndian.Uint16(data)
	return &ClientConfig{
		Notifications: (value & 0x0001) != 0,
		Indications:   (value & 0x0002) != 0,
	}, nil
}

// IsEnableSentinel reports whether value exactly matches the enable-notification
// or enable-indication sentinel.
func IsEnableSentinel(value []byte) bool {
	return bytes.Equal(value, EnableNotificationValue) || bytes.Equal(value, EnableIndicationValue)
}

// IsDisableSentinel reports whether value exactly matches the disable sentinel.
func IsDisableSentinel(value []byte) bool {
	return bytes.Equal(value, DisableNotificationValue)
}
