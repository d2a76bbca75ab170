package testutils

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/scanner"
)

// ScanRecordBuilder builds LE sightings for tests, either as core
// scanner.ScanResult values or as mocked go-ble advertisements.
type ScanRecordBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	serviceData map[string][]byte
	manufData   map[uint16][]byte
	txPower     *int
	connectable bool
	malformed   bool
}

// NewScanRecordBuilder starts a connectable sighting at -50 dBm.
func NewScanRecordBuilder() *ScanRecordBuilder {
	return &ScanRecordBuilder{
		rssi:        -50,
		serviceData: make(map[string][]byte),
		manufData:   make(map[uint16][]byte),
		connectable: true,
	}
}

// Sighting is shorthand for NewScanRecordBuilder().WithName(name).WithAddress(address).
func Sighting(name, address string) *ScanRecordBuilder {
	return NewScanRecordBuilder().WithName(name).WithAddress(address)
}

func (b *ScanRecordBuilder) WithName(name string) *ScanRecordBuilder {
	b.name = name
	return b
}

func (b *ScanRecordBuilder) WithAddress(addr string) *ScanRecordBuilder {
	b.address = addr
	return b
}

func (b *ScanRecordBuilder) WithRSSI(rssi int) *ScanRecordBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds service UUIDs in short ("180D") or full form.
func (b *ScanRecordBuilder) WithServices(uuids ...string) *ScanRecordBuilder {
	b.services = append(b.services, uuids...)
	return b
}

func (b *ScanRecordBuilder) WithServiceData(uuid string, data []byte) *ScanRecordBuilder {
	b.serviceData[uuid] = data
	return b
}

func (b *ScanRecordBuilder) WithManufacturerData(companyID uint16, data []byte) *ScanRecordBuilder {
	b.manufData[companyID] = data
	return b
}

func (b *ScanRecordBuilder) WithTxPower(power int) *ScanRecordBuilder {
	b.txPower = &power
	return b
}

func (b *ScanRecordBuilder) WithConnectable(c bool) *ScanRecordBuilder {
	b.connectable = c
	return b
}

// Malformed makes BuildResult carry no parsed scan record.
func (b *ScanRecordBuilder) Malformed() *ScanRecordBuilder {
	b.malformed = true
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *ScanRecordBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ScanRecordBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var data struct {
		Name             *string           `json:"name"`
		Address          *string           `json:"address"`
		RSSI             *int              `json:"rssi"`
		Services         []string          `json:"services"`
		ServiceData      map[string][]byte `json:"serviceData"`
		ManufacturerData map[uint16][]byte `json:"manufacturerData"`
		TxPower          *int              `json:"txPower"`
		Connectable      *bool             `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}

	if data.Name != nil {
		b.name = *data.Name
	}
	if data.Address != nil {
		b.address = *data.Address
	}
	if data.RSSI != nil {
		b.rssi = *data.RSSI
	}
	b.services = append(b.services, data.Services...)
	for k, v := range data.ServiceData {
		b.serviceData[k] = v
	}
	for k, v := range data.ManufacturerData {
		b.manufData[k] = v
	}
	if data.TxPower != nil {
		b.txPower = data.TxPower
	}
	if data.Connectable != nil {
		b.connectable = *data.Connectable
	}
	return b
}

// BuildRecord returns the parsed advertisement payload.
func (b *ScanRecordBuilder) BuildRecord() *device.ScanRecord {
	rec := &device.ScanRecord{
		LocalName:    b.name,
		ServiceUUIDs: device.NormalizeUUIDs(b.services),
		Connectable:  b.connectable,
		TxPower:      b.txPower,
	}
	if len(b.serviceData) > 0 {
		rec.ServiceData = make(map[string][]byte, len(b.serviceData))
		for k, v := range b.serviceData {
			rec.ServiceData[device.NormalizeUUID(k)] = v
		}
	}
	if len(b.manufData) > 0 {
		rec.ManufacturerData = make(map[uint16][]byte, len(b.manufData))
		for k, v := range b.manufData {
			rec.ManufacturerData[k] = v
		}
	}
	return rec
}

// BuildResult returns the sighting as delivered by an LE radio.
func (b *ScanRecordBuilder) BuildResult() scanner.ScanResult {
	res := scanner.ScanResult{Address: b.address, RSSI: b.rssi}
	if !b.malformed {
		res.Record = b.BuildRecord()
	}
	return res
}

// BuildAdvertisement returns a mocked go-ble advertisement carrying the same payload.
// Manufacturer data is encoded as a little-endian company ID followed by the payload;
// only the lowest company ID is kept because go-ble exposes a single blob.
func (b *ScanRecordBuilder) BuildAdvertisement() *MockAdvertisement {
	adv := &MockAdvertisement{}

	var services []ble.UUID
	for _, s := range b.services {
		services = append(services, ble.MustParse(device.NormalizeUUID(s)))
	}
	var serviceData []ble.ServiceData
	for uuid, data := range b.serviceData {
		serviceData = append(serviceData, ble.ServiceData{UUID: ble.MustParse(device.NormalizeUUID(uuid)), Data: data})
	}
	var manuf []byte
	if ids := b.BuildRecord().ManufacturerIDs(); len(ids) > 0 {
		manuf = binary.LittleEndian.AppendUint16(nil, ids[0])
		manuf = append(manuf, b.manufData[ids[0]]...)
	}
	tx := 127 // unavailable
	if b.txPower != nil {
		tx = *b.txPower
	}

	addr := &MockAddr{}
	addr.On("String").Return(b.address).Maybe()

	adv.On("Addr").Return(addr).Maybe()
	adv.On("LocalName").Return(b.name).Maybe()
	adv.On("RSSI").Return(b.rssi).Maybe()
	adv.On("Services").Return(services).Maybe()
	adv.On("ServiceData").Return(serviceData).Maybe()
	adv.On("ManufacturerData").Return(manuf).Maybe()
	adv.On("TxPowerLevel").Return(tx).Maybe()
	adv.On("Connectable").Return(b.connectable).Maybe()
	adv.On("OverflowService").Return([]ble.UUID(nil)).Maybe()
	adv.On("SolicitedService").Return([]ble.UUID(nil)).Maybe()
	return adv
}
