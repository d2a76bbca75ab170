// Package gatt manages GATT client sessions and a GATT server on top of a
// host stack reached through the Transport and ServerTransport interfaces.
//
// Operations return immediately; their outcome is reported through the
// callback interfaces. Every callback is invoked with no session lock held.
package gatt

import (
	"fmt"
	"sort"

	"github.com/srg/gattkit/internal/device"
)

// ConnectionState is the state of a GattSession.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Operation identifies a client operation in OnOperationFailed.
type Operation int

const (
	OpDiscoverServices Operation = iota + 1
	OpReadCharacteristic
	OpWriteCharacteristic
	OpReadDescriptor
	OpWriteDescriptor
	OpSetNotification
	OpReliableWrite
)

var operationNames = map[Operation]string{
	OpDiscoverServices:    "discover services",
	OpReadCharacteristic:  "read characteristic",
	OpWriteCharacteristic: "write characteristic",
	OpReadDescriptor:      "read descriptor",
	OpWriteDescriptor:     "write descriptor",
	OpSetNotification:     "set notification",
	OpReliableWrite:       "reliable write",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// Attribute identifies the target of an operation. Descriptor is empty for
// characteristic operations; Characteristic and Descriptor are empty for
// service-level ones.
type Attribute struct {
	Service        string
	Characteristic string
	Descriptor     string
}

// CharacteristicAttr builds a normalized characteristic Attribute.
func CharacteristicAttr(service, characteristic string) Attribute {
	return Attribute{
		Service:        device.NormalizeUUID(service),
		Characteristic: device.NormalizeUUID(characteristic),
	}
}

// DescriptorAttr builds a normalized descriptor Attribute.
func DescriptorAttr(service, characteristic, descriptor string) Attribute {
	return Attribute{
		Service:        device.NormalizeUUID(service),
		Characteristic: device.NormalizeUUID(characteristic),
		Descriptor:     device.NormalizeUUID(descriptor),
	}
}

// IsDescriptor reports whether the attribute names a descriptor.
func (a Attribute) IsDescriptor() bool {
	return a.Descriptor != ""
}

// ClientConfig returns the CCCD attribute of a characteristic.
func (a Attribute) ClientConfig() Attribute {
	return Attribute{Service: a.Service, Characteristic: a.Characteristic, Descriptor: device.DescriptorClientConfig}
}

func (a Attribute) String() string {
	switch {
	case a.Descriptor != "":
		return a.Service + "/" + a.Characteristic + "/" + a.Descriptor
	case a.Characteristic != "":
		return a.Service + "/" + a.Characteristic
	default:
		return a.Service
	}
}

func (a Attribute) validate() error {
	if a.Service == "" || a.Characteristic == "" {
		return fmt.Errorf("invalid attribute %q: service and characteristic UUIDs are required", a.String())
	}
	return nil
}

// Property is a characteristic property bit.
type Property uint8

const (
	PropBroadcast            Property = 0x01
	PropRead                 Property = 0x02
	PropWriteWithoutResponse Property = 0x04
	PropWrite                Property = 0x08
	PropNotify               Property = 0x10
	PropIndicate             Property = 0x20
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
}

// Names returns the property names in bit order.
func (p Property) Names() []string {
	var out []string
	for _, pn := range propertyNames {
		if p&pn.p != 0 {
			out = append(out, pn.name)
		}
	}
	return out
}

// ParseProperties converts property names back into a bit set.
func ParseProperties(names ...string) (Property, error) {
	var p Property
outer:
	for _, n := range names {
		for _, pn := range propertyNames {
			if pn.name == n {
				p |= pn.p
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown characteristic property %q", n)
	}
	return p, nil
}

// Service is a discovered (or hosted) GATT service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

type Characteristic struct {
	UUID        string
	Properties  Property
	Descriptors []string
}

// SortServices orders services, characteristics and descriptors by UUID.
func SortServices(services []Service) {
	sort.Slice(services, func(i, j int) bool { return services[i].UUID < services[j].UUID })
	for i := range services {
		chars := services[i].Characteristics
		sort.Slice(chars, func(a, b int) bool { return chars[a].UUID < chars[b].UUID })
		for j := range chars {
			sort.Strings(chars[j].Descriptors)
		}
	}
}
