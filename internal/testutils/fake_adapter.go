package testutils

import (
	"sync"

	"github.com/srg/gattkit/adapter"
)

// FakeAdapter is an in-memory adapter.EventSource. Events are delivered
// synchronously to the subscribed monitor.
type FakeAdapter struct {
	mu      sync.Mutex
	powered bool
	events  adapter.Events

	PoweredErr error
}

func NewFakeAdapter(powered bool) *FakeAdapter {
	return &FakeAdapter{powered: powered}
}

func (a *FakeAdapter) Subscribe(e adapter.Events) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = e
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.events = nil
	}
}

func (a *FakeAdapter) Powered() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.powered, a.PoweredErr
}

// Subscribed reports whether a monitor is listening.
func (a *FakeAdapter) Subscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events != nil
}

// SetState emits a power state change.
func (a *FakeAdapter) SetState(state adapter.PowerState) {
	a.mu.Lock()
	switch state {
	case adapter.On:
		a.powered = true
	case adapter.Off:
		a.powered = false
	}
	e := a.events
	a.mu.Unlock()

	if e != nil {
		e.OnPowerStateChanged(state)
	}
}

// SetConnected emits an ACL connection change for address.
func (a *FakeAdapter) SetConnected(address string, connected bool) {
	a.mu.Lock()
	e := a.events
	a.mu.Unlock()

	if e != nil {
		e.OnConnectionStateChanged(address, connected)
	}
}
