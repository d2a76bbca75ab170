package gatt

import (
	"fmt"
	"sync"

	"github.com/srg/gattkit/internal/device"
)

// AttributeStore holds the values served by the GATT server. UUIDs are
// passed normalized.
type AttributeStore interface {
	// IsNotification reports whether uuid is a notification configuration
	// descriptor. Such descriptors are answered from the subscriber registry.
	IsNotification(uuid string) bool
	GetCharacteristic(uuid string) ([]byte, bool)
	SetCharacteristic(uuid string, value []byte) error
	GetDescriptor(uuid string) ([]byte, bool)
	SetDescriptor(uuid string, value []byte) error
}

// attributeRemover is implemented by stores that can forget a value; the
// server uses it to roll back a prepared write that created an attribute.
type attributeRemover interface {
	RemoveCharacteristic(uuid string)
	RemoveDescriptor(uuid string)
}

// MemoryStore is an in-memory AttributeStore. Writes to characteristics it
// does not know are rejected unless the store is writable-by-default.
type MemoryStore struct {
	mu              sync.RWMutex
	characteristics map[string][]byte
	descriptors     map[string][]byte
	readOnly        map[string]bool
	acceptUnknown   bool
}

var _ AttributeStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. With acceptUnknown, writes create
// missing attributes.
func NewMemoryStore(acceptUnknown bool) *MemoryStore {
	return &MemoryStore{
		characteristics: make(map[string][]byte),
		descriptors:     make(map[string][]byte),
		readOnly:        make(map[string]bool),
		acceptUnknown:   acceptUnknown,
	}
}

// IsNotification treats the Client Characteristic Configuration descriptor
// as the notification descriptor.
func (m *MemoryStore) IsNotification(uuid string) bool {
	return device.NormalizeUUID(uuid) == device.DescriptorClientConfig
}

func (m *MemoryStore) GetCharacteristic(uuid string) ([]byte, bool) {
	return m.get(m.characteristics, uuid)
}

func (m *MemoryStore) SetCharacteristic(uuid string, value []byte) error {
	return m.set(m.characteristics, "characteristic", uuid, value)
}

func (m *MemoryStore) GetDescriptor(uuid string) ([]byte, bool) {
	return m.get(m.descriptors, uuid)
}

func (m *MemoryStore) SetDescriptor(uuid string, value []byte) error {
	return m.set(m.descriptors, "descriptor", uuid, value)
}

func (m *MemoryStore) RemoveCharacteristic(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.characteristics, device.NormalizeUUID(uuid))
}

func (m *MemoryStore) RemoveDescriptor(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.descriptors, device.NormalizeUUID(uuid))
}

// Put seeds a characteristic value. Read-only characteristics reject remote
// writes.
func (m *MemoryStore) Put(uuid string, value []byte, readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := device.NormalizeUUID(uuid)
	m.characteristics[key] = append([]byte(nil), value...)
	m.readOnly[key] = readOnly
}

// PutDescriptor seeds a descriptor value.
func (m *MemoryStore) PutDescriptor(uuid string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptors[device.NormalizeUUID(uuid)] = append([]byte(nil), value...)
}

func (m *MemoryStore) get(table map[string][]byte, uuid string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := table[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (m *MemoryStore) set(table map[string][]byte, kind, uuid string, value []byte) error {
	key := device.NormalizeUUID(uuid)
	if key == "" {
		return fmt.Errorf("invalid %s UUID %q", kind, uuid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := table[key]; !ok && !m.acceptUnknown {
		return &device.NotFoundError{Resource: kind, UUIDs: []string{key}}
	}
	if m.readOnly[key] {
		return fmt.Errorf("%s %q is read-only", kind, key)
	}
	table[key] = append([]byte(nil), value...)
	return nil
}
