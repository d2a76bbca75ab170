// Package adapter fans host adapter events (power state, ACL connections)
// out to the managers that depend on them.
package adapter

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
)

// PowerState is the adapter power state reported by the host.
type PowerState int

const (
	Off PowerState = iota
	TurningOn
	On
	TurningOff
)

func (s PowerState) String() string {
	switch s {
	case TurningOn:
		return "turning_on"
	case On:
		return "on"
	case TurningOff:
		return "turning_off"
	default:
		return "off"
	}
}

// Events is implemented by the monitor and fed by an EventSource.
type Events interface {
	OnPowerStateChanged(state PowerState)
	OnConnectionStateChanged(address string, connected bool)
}

// EventSource is the host-side registration point for adapter events.
type EventSource interface {
	Subscribe(e Events) (unsubscribe func())
	Powered() (bool, error)
}

// StateListener receives adapter state changes.
type StateListener interface {
	OnBluetoothEnabled(enabled bool)
	OnDeviceConnected(address string)
	OnDeviceDisconnected(address string)
}

// StateListenerFuncs is a StateListener whose nil members are no-ops.
type StateListenerFuncs struct {
	BluetoothEnabled   func(enabled bool)
	DeviceConnected    func(address string)
	DeviceDisconnected func(address string)
}

func (f StateListenerFuncs) OnBluetoothEnabled(enabled bool) {
	if f.BluetoothEnabled != nil {
		f.BluetoothEnabled(enabled)
	}
}

func (f StateListenerFuncs) OnDeviceConnected(address string) {
	if f.DeviceConnected != nil {
		f.DeviceConnected(address)
	}
}

func (f StateListenerFuncs) OnDeviceDisconnected(address string) {
	if f.DeviceDisconnected != nil {
		f.DeviceDisconnected(address)
	}
}

// Monitor tracks the adapter power state and notifies listeners of changes.
type Monitor struct {
	source EventSource
	logger *logrus.Logger

	mu          sync.Mutex
	listeners   map[int]StateListener
	nextID      int
	enabled     bool
	unsubscribe func()
}

func NewMonitor(source EventSource, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		source:    source,
		logger:    logger,
		listeners: make(map[int]StateListener),
	}
}

// Start queries the current power state and subscribes to changes.
func (m *Monitor) Start() error {
	powered, err := m.source.Powered()
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrAdapterUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		return nil
	}
	m.enabled = powered
	m.unsubscribe = m.source.Subscribe(m)
	m.logger.WithField("powered", powered).Debug("Adapter monitor started")
	return nil
}

// Stop unsubscribes from the event source.
func (m *Monitor) Stop() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Enabled reports the last known power state.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// AddListener registers l and returns a func that removes it.
func (m *Monitor) AddListener(l StateListener) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// OnPowerStateChanged implements Events. Listeners hear about transitions
// only; TurningOn is not reported.
func (m *Monitor) OnPowerStateChanged(state PowerState) {
	var enabled bool
	switch state {
	case On:
		enabled = true
	case Off, TurningOff:
		enabled = false
	default:
		return
	}

	m.mu.Lock()
	changed := m.enabled != enabled
	m.enabled = enabled
	m.mu.Unlock()

	m.logger.WithField("state", state).Debug("Adapter power state changed")
	if !changed {
		return
	}
	for _, l := range m.snapshot() {
		l.OnBluetoothEnabled(enabled)
	}
}

// OnConnectionStateChanged implements Events.
func (m *Monitor) OnConnectionStateChanged(address string, connected bool) {
	address = device.NormalizeAddress(address)
	m.logger.WithFields(logrus.Fields{
		"address":   address,
		"connected": connected,
	}).Debug("ACL connection state changed")

	for _, l := range m.snapshot() {
		if connected {
			l.OnDeviceConnected(address)
		} else {
			l.OnDeviceDisconnected(address)
		}
	}
}

func (m *Monitor) snapshot() []StateListener {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StateListener, 0, len(m.listeners))
	for i := 0; i < m.nextID; i++ {
		if l, ok := m.listeners[i]; ok {
			out = append(out, l)
		}
	}
	return out
}
