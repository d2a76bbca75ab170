package device

import "fmt"

// DeviceClass is the 24-bit Class of Device field reported by Classic inquiry.
type DeviceClass uint32

// Major device classes (Bluetooth Assigned Numbers, Baseband).
const (
	MajorMiscellaneous DeviceClass = 0x0000
	MajorComputer      DeviceClass = 0x0100
	MajorPhone         DeviceClass = 0x0200
	MajorNetworking    DeviceClass = 0x0300
	MajorAudioVideo    DeviceClass = 0x0400
	MajorPeripheral    DeviceClass = 0x0500
	MajorImaging       DeviceClass = 0x0600
	MajorWearable      DeviceClass = 0x0700
	MajorToy           DeviceClass = 0x0800
	MajorHealth        DeviceClass = 0x0900
	MajorUncategorized DeviceClass = 0x1F00
)

var majorClassNames = map[DeviceClass]string{
	MajorMiscellaneous: "misc",
	MajorComputer:      "computer",
	MajorPhone:         "phone",
	MajorNetworking:    "networking",
	MajorAudioVideo:    "audio/video",
	MajorPeripheral:    "peripheral",
	MajorImaging:       "imaging",
	MajorWearable:      "wearable",
	MajorToy:           "toy",
	MajorHealth:        "health",
	MajorUncategorized: "uncategorized",
}

// Major returns the major device class bits.
func (c DeviceClass) Major() DeviceClass {
	return c & 0x1F00
}

// Minor returns the minor device class field.
func (c DeviceClass) Minor() uint8 {
	return uint8((c & 0xFC) >> 2)
}

// HasService reports whether the given major service class bit (13..23) is set.
func (c DeviceClass) HasService(bit uint) bool {
	if bit < 13 || bit > 23 {
		return false
	}
	return c&(1<<bit) != 0
}

func (c DeviceClass) String() string {
	if c == 0 {
		return ""
	}
	if name, ok := majorClassNames[c.Major()]; ok {
		return fmt.Sprintf("%s (0x%06x)", name, uint32(c))
	}
	return fmt.Sprintf("0x%06x", uint32(c))
}
