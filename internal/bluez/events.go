package bluez

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/srg/gattkit/adapter"
)

// EventSource implements adapter.EventSource from Adapter1 and Device1
// property changes.
type EventSource struct {
	client *Client

	mu        sync.Mutex
	listeners map[int]adapter.Events
	nextID    int
}

var _ adapter.EventSource = (*EventSource)(nil)

func newEventSource(c *Client) *EventSource {
	return &EventSource{client: c, listeners: make(map[int]adapter.Events)}
}

func (s *EventSource) Subscribe(e adapter.Events) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = e
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Powered reads the adapter's current power state.
func (s *EventSource) Powered() (bool, error) {
	v, err := s.client.bus.GetProperty(s.client.adapterPath, AdapterInterface, "Powered")
	if err != nil {
		return false, normalizeError(err)
	}
	powered, _ := variantBool(v)
	return powered, nil
}

// powerStates maps the Adapter1 PowerState property.
var powerStates = map[string]adapter.PowerState{
	"on":           adapter.On,
	"off":          adapter.Off,
	"off-enabling": adapter.TurningOn,
	"on-disabling": adapter.TurningOff,
	"off-blocked":  adapter.Off,
}

func (s *EventSource) adapterChanged(changed map[string]dbus.Variant) {
	if v, ok := changed["PowerState"]; ok {
		if name, ok := variantString(v); ok {
			if state, ok := powerStates[name]; ok {
				s.post(func(e adapter.Events) { e.OnPowerStateChanged(state) })
				return
			}
		}
	}
	if v, ok := changed["Powered"]; ok {
		if powered, ok := variantBool(v); ok {
			state := adapter.Off
			if powered {
				state = adapter.On
			}
			s.client.logger.WithField("powered", powered).Info("Adapter power changed")
			s.post(func(e adapter.Events) { e.OnPowerStateChanged(state) })
		}
	}
}

func (s *EventSource) deviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	v, ok := changed["Connected"]
	if !ok {
		return
	}
	connected, ok := variantBool(v)
	addr := AddrFromPath(path)
	if !ok || addr == "" {
		return
	}
	s.post(func(e adapter.Events) { e.OnConnectionStateChanged(addr, connected) })
}

func (s *EventSource) post(fn func(e adapter.Events)) {
	s.mu.Lock()
	ls := make([]adapter.Events, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	for _, l := range ls {
		l := l
		s.client.handler.Post(func() { fn(l) })
	}
}
