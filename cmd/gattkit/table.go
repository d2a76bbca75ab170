package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/srg/gattkit/gatt"
	"github.com/srg/gattkit/internal/device"
	"gopkg.in/yaml.v3"
)

// attributeTable is the YAML description of the services hosted by serve.
//
//	services:
//	  - uuid: "180f"
//	    characteristics:
//	      - uuid: "2a19"
//	        properties: [read, notify]
//	        value: "64"
//	        descriptors:
//	          - uuid: "2901"
//	            text: "Battery"
type attributeTable struct {
	AcceptUnknown bool           `yaml:"accept_unknown"`
	Services      []serviceEntry `yaml:"services"`
}

type serviceEntry struct {
	UUID            string                `yaml:"uuid"`
	Characteristics []characteristicEntry `yaml:"characteristics"`
}

type characteristicEntry struct {
	UUID        string            `yaml:"uuid"`
	Properties  []string          `yaml:"properties"`
	Value       string            `yaml:"value"`
	Text        string            `yaml:"text"`
	ReadOnly    bool              `yaml:"read_only"`
	Descriptors []descriptorEntry `yaml:"descriptors"`
}

type descriptorEntry struct {
	UUID  string `yaml:"uuid"`
	Value string `yaml:"value"`
	Text  string `yaml:"text"`
}

// hostedTable is a parsed attribute table ready for gatt.NewServer.
type hostedTable struct {
	services []gatt.Service
	store    *gatt.MemoryStore
	// owner maps a characteristic UUID to its service UUID.
	owner    map[string]string
	readOnly map[string]bool
}

func loadAttributeTable(path string) (*hostedTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open attribute table: %w", err)
	}
	defer f.Close()

	table, err := parseAttributeTable(f)
	if err != nil {
		return nil, fmt.Errorf("attribute table %s: %w", path, err)
	}
	return table, nil
}

func parseAttributeTable(r io.Reader) (*hostedTable, error) {
	var raw attributeTable
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("no services defined")
		}
		return nil, err
	}
	if len(raw.Services) == 0 {
		return nil, fmt.Errorf("no services defined")
	}

	out := &hostedTable{
		store:    gatt.NewMemoryStore(raw.AcceptUnknown),
		owner:    make(map[string]string),
		readOnly: make(map[string]bool),
	}
	seen := make(map[string]bool)
	for _, se := range raw.Services {
		uuids, err := device.ValidateUUID(se.UUID)
		if err != nil {
			return nil, fmt.Errorf("service: %w", err)
		}
		if seen[uuids[0]] {
			return nil, fmt.Errorf("service %s defined twice", uuids[0])
		}
		seen[uuids[0]] = true
		svc := gatt.Service{UUID: uuids[0]}

		for _, ce := range se.Characteristics {
			c, err := out.addCharacteristic(svc.UUID, ce)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", svc.UUID, err)
			}
			svc.Characteristics = append(svc.Characteristics, c)
		}
		out.services = append(out.services, svc)
	}
	return out, nil
}

func (t *hostedTable) addCharacteristic(service string, ce characteristicEntry) (gatt.Characteristic, error) {
	uuids, err := device.ValidateUUID(ce.UUID)
	if err != nil {
		return gatt.Characteristic{}, fmt.Errorf("characteristic: %w", err)
	}
	uuid := uuids[0]
	if owner, dup := t.owner[uuid]; dup {
		return gatt.Characteristic{}, fmt.Errorf("characteristic %s already defined in service %s", uuid, owner)
	}
	props, err := gatt.ParseProperties(ce.Properties...)
	if err != nil {
		return gatt.Characteristic{}, fmt.Errorf("characteristic %s: %w", uuid, err)
	}
	if props == 0 {
		return gatt.Characteristic{}, fmt.Errorf("characteristic %s: no properties", uuid)
	}
	value, err := entryValue(ce.Value, ce.Text)
	if err != nil {
		return gatt.Characteristic{}, fmt.Errorf("characteristic %s: %w", uuid, err)
	}
	t.owner[uuid] = service
	t.readOnly[uuid] = ce.ReadOnly
	t.store.Put(uuid, value, ce.ReadOnly)

	c := gatt.Characteristic{UUID: uuid, Properties: props}
	for _, de := range ce.Descriptors {
		d, err := device.ValidateUUID(de.UUID)
		if err != nil {
			return gatt.Characteristic{}, fmt.Errorf("characteristic %s descriptor: %w", uuid, err)
		}
		if d[0] == device.DescriptorClientConfig {
			return gatt.Characteristic{}, fmt.Errorf("characteristic %s: client configuration descriptor is managed by the server", uuid)
		}
		dv, err := entryValue(de.Value, de.Text)
		if err != nil {
			return gatt.Characteristic{}, fmt.Errorf("descriptor %s: %w", d[0], err)
		}
		t.store.PutDescriptor(d[0], dv)
		c.Descriptors = append(c.Descriptors, d[0])
	}
	return c, nil
}

// entryValue decodes a hex value or takes text verbatim; not both.
func entryValue(hexValue, text string) ([]byte, error) {
	switch {
	case hexValue != "" && text != "":
		return nil, fmt.Errorf("value and text are mutually exclusive")
	case text != "":
		return []byte(text), nil
	case hexValue != "":
		return parseHexArgs([]string{hexValue})
	default:
		return nil, nil
	}
}

// serviceOf returns the service hosting a characteristic.
func (t *hostedTable) serviceOf(characteristic string) (string, bool) {
	svc, ok := t.owner[device.NormalizeUUID(characteristic)]
	return svc, ok
}

// update replaces a hosted value from the local side; read-only applies to
// remote writes only.
func (t *hostedTable) update(attr gatt.Attribute, value []byte) {
	t.store.Put(attr.Characteristic, value, t.readOnly[attr.Characteristic])
}

// parseNotifyLine parses "CHAR HEX..." from the serve input.
func (t *hostedTable) parseNotifyLine(line []byte) (gatt.Attribute, []byte, error) {
	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return gatt.Attribute{}, nil, fmt.Errorf("expected CHAR HEX...")
	}
	char := string(fields[0])
	svc, ok := t.serviceOf(char)
	if !ok {
		return gatt.Attribute{}, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.NormalizeUUID(char)}}
	}
	args := make([]string, 0, len(fields)-1)
	for _, f := range fields[1:] {
		args = append(args, string(f))
	}
	value, err := parseHexArgs(args)
	if err != nil {
		return gatt.Attribute{}, nil, err
	}
	return gatt.CharacteristicAttr(svc, char), value, nil
}
