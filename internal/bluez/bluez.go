// Package bluez reaches the BlueZ daemon over D-Bus for what go-ble does not
// cover: Classic (BR/EDR) inquiry, adapter power and link state.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
)

const (
	Service          = "org.bluez"
	AdapterInterface = "org.bluez.Adapter1"
	DeviceInterface  = "org.bluez.Device1"

	ObjectManager     = "org.freedesktop.DBus.ObjectManager"
	Properties        = "org.freedesktop.DBus.Properties"
	InterfacesAdded   = ObjectManager + ".InterfacesAdded"
	PropertiesChanged = Properties + ".PropertiesChanged"

	adapterPrefix = "/org/bluez/"

	// DefaultAdapter is used when no adapter name is configured.
	DefaultAdapter = "hci0"
)

// Bus is the part of the system bus this package needs. It is satisfied by
// the wrapper returned from SystemBus and by fakes in tests.
type Bus interface {
	// Call invokes method on the BlueZ object at path.
	Call(path dbus.ObjectPath, method string, args ...interface{}) error
	GetProperty(path dbus.ObjectPath, iface, name string) (dbus.Variant, error)
	// Signals subscribes to bus signals until the returned func is called.
	Signals() (<-chan *dbus.Signal, func())
}

type systemBus struct {
	conn *dbus.Conn
}

// SystemBus connects to the shared system bus and registers the BlueZ
// signal matches.
func SystemBus() (Bus, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: system bus: %v", device.ErrAdapterUnavailable, err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(ObjectManager),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("match InterfacesAdded: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(Properties),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(dbus.ObjectPath("/org/bluez")),
	); err != nil {
		return nil, fmt.Errorf("match PropertiesChanged: %w", err)
	}
	return &systemBus{conn: conn}, nil
}

func (b *systemBus) Call(path dbus.ObjectPath, method string, args ...interface{}) error {
	return b.conn.Object(Service, path).Call(method, 0, args...).Err
}

func (b *systemBus) GetProperty(path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	return b.conn.Object(Service, path).GetProperty(iface + "." + name)
}

func (b *systemBus) Signals() (<-chan *dbus.Signal, func()) {
	ch := make(chan *dbus.Signal, 64)
	b.conn.Signal(ch)
	return ch, func() { b.conn.RemoveSignal(ch) }
}

// ----------------------------
// Object paths
// ----------------------------

// AdapterPath returns the object path of the named adapter.
func AdapterPath(adapter string) dbus.ObjectPath {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return dbus.ObjectPath(adapterPrefix + adapter)
}

// AddrFromPath extracts the MAC from .../dev_AA_BB_CC_DD_EE_FF. It returns
// "" for paths that do not name a device.
func AddrFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/")
	if i < 0 {
		return ""
	}
	s = s[i+1:]
	if !strings.HasPrefix(s, "dev_") {
		return ""
	}
	return device.NormalizeAddress(strings.ReplaceAll(s[4:], "_", ":"))
}

// PathFromAddr is the inverse of AddrFromPath.
func PathFromAddr(adapterPath dbus.ObjectPath, addr string) dbus.ObjectPath {
	s := strings.ReplaceAll(device.NormalizeAddress(addr), ":", "_")
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + s)
}

// underAdapter reports whether path is a device of the adapter.
func underAdapter(adapterPath, path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(adapterPath)+"/dev_")
}

// ----------------------------
// Client
// ----------------------------

// Client routes BlueZ signals for one adapter to its ClassicRadio and
// EventSource. Events are posted on the handler.
type Client struct {
	bus         Bus
	adapterPath dbus.ObjectPath
	handler     dispatch.Handler
	logger      *logrus.Logger

	cancel  context.CancelFunc
	once    sync.Once
	classic *ClassicRadio
	events  *EventSource
}

// Open connects to the system bus and starts routing signals for adapter.
func Open(adapter string, handler dispatch.Handler, logger *logrus.Logger) (*Client, error) {
	bus, err := SystemBus()
	if err != nil {
		return nil, err
	}
	return New(bus, adapter, handler, logger), nil
}

// New starts routing signals from bus.
func New(bus Bus, adapter string, handler dispatch.Handler, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Client{
		bus:         bus,
		adapterPath: AdapterPath(adapter),
		handler:     handler,
		logger:      logger,
	}
	c.classic = newClassicRadio(c)
	c.events = newEventSource(c)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	signals, remove := bus.Signals()
	dispatch.Go(ctx, "bluez-signals", func(ctx context.Context) {
		defer remove()
		c.route(ctx, signals)
	})
	return c
}

// ClassicRadio returns the Classic discovery command sink.
func (c *Client) ClassicRadio() *ClassicRadio {
	return c.classic
}

// EventSource returns the adapter power and link event source.
func (c *Client) EventSource() *EventSource {
	return c.events
}

// Close stops routing signals.
func (c *Client) Close() error {
	c.once.Do(c.cancel)
	return nil
}

func (c *Client) call(method string, args ...interface{}) error {
	if err := c.bus.Call(c.adapterPath, method, args...); err != nil {
		return normalizeError(err)
	}
	return nil
}

func (c *Client) route(ctx context.Context, signals <-chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			c.dispatchSignal(sig)
		}
	}
}

func (c *Client) dispatchSignal(sig *dbus.Signal) {
	switch sig.Name {
	case InterfacesAdded:
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok || !underAdapter(c.adapterPath, path) {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := ifaces[DeviceInterface]; ok {
			c.classic.deviceUpdated(path, props)
		}

	case PropertiesChanged:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		switch {
		case iface == AdapterInterface && sig.Path == c.adapterPath:
			c.classic.adapterChanged(changed)
			c.events.adapterChanged(changed)
		case iface == DeviceInterface && underAdapter(c.adapterPath, sig.Path):
			c.classic.deviceUpdated(sig.Path, changed)
			c.events.deviceChanged(sig.Path, changed)
		}
	}
}

// normalizeError maps BlueZ error names to the device error taxonomy.
func normalizeError(err error) error {
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		return err
	}
	switch dbusErr.Name {
	case "org.bluez.Error.NotReady", "org.freedesktop.DBus.Error.ServiceUnknown",
		"org.freedesktop.DBus.Error.UnknownObject":
		return fmt.Errorf("%w: %v", device.ErrAdapterUnavailable, err)
	case "org.bluez.Error.NotSupported":
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	case "org.bluez.Error.InProgress":
		return device.NewStackError("discovery", device.Classic, device.ScanFailedAlreadyStarted, err)
	}
	return err
}

func variantBool(v dbus.Variant) (bool, bool) {
	b, ok := v.Value().(bool)
	return b, ok
}

func variantString(v dbus.Variant) (string, bool) {
	s, ok := v.Value().(string)
	return s, ok
}
