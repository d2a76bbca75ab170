package bluez

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/scanner"
)

// ClassicRadio implements scanner.ClassicRadio with BlueZ discovery limited
// to the BR/EDR transport.
type ClassicRadio struct {
	client *Client

	mu          sync.Mutex
	listeners   map[int]scanner.ClassicListener
	nextID      int
	discovering bool
	// seen merges device properties across signals, keyed by object path.
	seen map[dbus.ObjectPath]*scanner.ClassicDevice
}

var _ scanner.ClassicRadio = (*ClassicRadio)(nil)

func newClassicRadio(c *Client) *ClassicRadio {
	return &ClassicRadio{
		client:    c,
		listeners: make(map[int]scanner.ClassicListener),
		seen:      make(map[dbus.ObjectPath]*scanner.ClassicDevice),
	}
}

func (r *ClassicRadio) Subscribe(l scanner.ClassicListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// StartDiscovery sets a BR/EDR discovery filter and starts inquiry.
func (r *ClassicRadio) StartDiscovery() error {
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("bredr"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if err := r.client.call(AdapterInterface+".SetDiscoveryFilter", filter); err != nil {
		r.client.logger.WithError(err).Warn("Failed to set Classic discovery filter")
		return err
	}
	if err := r.client.call(AdapterInterface + ".StartDiscovery"); err != nil {
		r.client.logger.WithError(err).Error("Failed to start Classic discovery")
		return err
	}

	r.mu.Lock()
	r.discovering = true
	r.seen = make(map[dbus.ObjectPath]*scanner.ClassicDevice)
	r.mu.Unlock()

	r.client.logger.Debug("Classic discovery started")
	r.each(func(l scanner.ClassicListener) { l.OnDiscoveryStarted() })
	return nil
}

// CancelDiscovery stops inquiry; OnDiscoveryFinished follows if it was running.
func (r *ClassicRadio) CancelDiscovery() error {
	err := r.client.call(AdapterInterface + ".StopDiscovery")
	if err != nil {
		r.client.logger.WithError(err).Warn("Failed to stop Classic discovery")
	}
	r.finished()
	return err
}

func (r *ClassicRadio) finished() {
	r.mu.Lock()
	was := r.discovering
	r.discovering = false
	r.mu.Unlock()

	if was {
		r.client.logger.Debug("Classic discovery finished")
		r.each(func(l scanner.ClassicListener) { l.OnDiscoveryFinished() })
	}
}

// adapterChanged ends discovery when BlueZ stops it on its own.
func (r *ClassicRadio) adapterChanged(changed map[string]dbus.Variant) {
	if v, ok := changed["Discovering"]; ok {
		if discovering, ok := variantBool(v); ok && !discovering {
			r.finished()
		}
	}
	if v, ok := changed["Powered"]; ok {
		if powered, ok := variantBool(v); ok && !powered {
			r.finished()
		}
	}
}

// deviceUpdated merges props into the cached device and reports it. Devices
// without a Class are LE-only and are ignored; RSSI arrives with each
// inquiry result, so a change without RSSI is not a new sighting.
func (r *ClassicRadio) deviceUpdated(path dbus.ObjectPath, props map[string]dbus.Variant) {
	r.mu.Lock()
	if !r.discovering {
		r.mu.Unlock()
		return
	}
	dev, ok := r.seen[path]
	if !ok {
		addr := AddrFromPath(path)
		if v, ok := props["Address"]; ok {
			if s, ok := variantString(v); ok {
				addr = device.NormalizeAddress(s)
			}
		}
		if addr == "" {
			r.mu.Unlock()
			return
		}
		dev = &scanner.ClassicDevice{Address: addr}
		r.seen[path] = dev
	}

	sighted := !ok
	if v, ok := props["Name"]; ok {
		if s, ok := variantString(v); ok {
			dev.Name = s
		}
	} else if v, ok := props["Alias"]; ok && dev.Name == "" {
		if s, ok := variantString(v); ok && s != AddrFromPath(path) {
			dev.Name = s
		}
	}
	if v, ok := props["Class"]; ok {
		if class, ok := v.Value().(uint32); ok {
			dev.Class = device.DeviceClass(class)
		}
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			dev.RSSI = int(rssi)
			sighted = true
		}
	}
	if dev.Class == 0 || !sighted {
		r.mu.Unlock()
		return
	}
	found := *dev
	r.mu.Unlock()

	r.client.logger.WithFields(logrus.Fields{
		"address": found.Address,
		"name":    found.Name,
		"class":   found.Class,
		"rssi":    found.RSSI,
	}).Debug("Classic device found")
	r.each(func(l scanner.ClassicListener) { l.OnClassicDeviceFound(found) })
}

// each posts fn for every listener registered at call time.
func (r *ClassicRadio) each(fn func(l scanner.ClassicListener)) {
	r.mu.Lock()
	ls := make([]scanner.ClassicListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.Unlock()

	for _, l := range ls {
		l := l
		r.client.handler.Post(func() { fn(l) })
	}
}
