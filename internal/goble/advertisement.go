package goble

import (
	"encoding/binary"

	"github.com/go-ble/ble"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/scanner"
)

// txPowerUnavailable is what go-ble reports when no TX power AD is present.
const txPowerUnavailable = 127

// ScanResultFromAdvertisement converts a go-ble advertisement. Manufacturer
// data is split into its little-endian company ID and payload; a blob shorter
// than the ID leaves the record without manufacturer data.
func ScanResultFromAdvertisement(adv ble.Advertisement) scanner.ScanResult {
	res := scanner.ScanResult{RSSI: adv.RSSI()}
	if addr := adv.Addr(); addr != nil {
		res.Address = device.NormalizeAddress(addr.String())
	}

	rec := &device.ScanRecord{
		LocalName:   adv.LocalName(),
		Connectable: adv.Connectable(),
	}
	for _, u := range adv.Services() {
		if n := device.NormalizeUUID(u.String()); n != "" {
			rec.ServiceUUIDs = append(rec.ServiceUUIDs, n)
		}
	}
	if sd := adv.ServiceData(); len(sd) > 0 {
		rec.ServiceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			if n := device.NormalizeUUID(d.UUID.String()); n != "" {
				rec.ServiceData[n] = d.Data
			}
		}
	}
	if md := adv.ManufacturerData(); len(md) >= 2 {
		rec.ManufacturerData = map[uint16][]byte{
			binary.LittleEndian.Uint16(md[:2]): md[2:],
		}
	}
	if tx := adv.TxPowerLevel(); tx != txPowerUnavailable {
		rec.TxPower = &tx
	}

	res.Record = rec
	return res
}
