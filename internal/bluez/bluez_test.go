package bluez_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/srg/gattkit/adapter"
	"github.com/srg/gattkit/internal/bluez"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/testutils"
	"github.com/srg/gattkit/scanner"
	"github.com/stretchr/testify/assert"
	suitelib "github.com/stretchr/testify/suite"
)

const adapterPath = dbus.ObjectPath("/org/bluez/hci0")

type fakeBus struct {
	mu      sync.Mutex
	calls   []string
	callErr map[string]error
	props   map[string]dbus.Variant
	signals chan *dbus.Signal
	removed bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		callErr: make(map[string]error),
		props:   make(map[string]dbus.Variant),
		signals: make(chan *dbus.Signal, 16),
	}
}

func (b *fakeBus) Call(path dbus.ObjectPath, method string, args ...interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, fmt.Sprintf("%s %s", path, method))
	return b.callErr[method]
}

func (b *fakeBus) GetProperty(path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.props[iface+"."+name]
	if !ok {
		return dbus.Variant{}, dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"}
	}
	return v, nil
}

func (b *fakeBus) Signals() (<-chan *dbus.Signal, func()) {
	return b.signals, func() {
		b.mu.Lock()
		b.removed = true
		b.mu.Unlock()
	}
}

func (b *fakeBus) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func propertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: bluez.PropertiesChanged,
		Body: []interface{}{iface, changed, []string{}},
	}
}

func interfacesAdded(path dbus.ObjectPath, props map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: "/",
		Name: bluez.InterfacesAdded,
		Body: []interface{}{path, map[string]map[string]dbus.Variant{bluez.DeviceInterface: props}},
	}
}

type classicLog struct {
	log []string
}

func (l *classicLog) OnDiscoveryStarted()  { l.log = append(l.log, "started") }
func (l *classicLog) OnDiscoveryFinished() { l.log = append(l.log, "finished") }

func (l *classicLog) OnClassicDeviceFound(dev scanner.ClassicDevice) {
	l.log = append(l.log, fmt.Sprintf("found %s %q %s %d", dev.Address, dev.Name, dev.Class.Major(), dev.RSSI))
}

type adapterLog struct {
	log []string
}

func (l *adapterLog) OnPowerStateChanged(state adapter.PowerState) {
	l.log = append(l.log, "power "+state.String())
}

func (l *adapterLog) OnConnectionStateChanged(address string, connected bool) {
	l.log = append(l.log, fmt.Sprintf("link %s %t", address, connected))
}

type BluezTestSuite struct {
	suitelib.Suite

	handler *dispatch.Manual
	bus     *fakeBus
	client  *bluez.Client
	classic *classicLog
	events  *adapterLog
}

func (suite *BluezTestSuite) SetupTest() {
	suite.handler = dispatch.NewManual()
	suite.bus = newFakeBus()
	suite.client = bluez.New(suite.bus, "", suite.handler, testutils.NewTestHelper(suite.T()).Logger)
	suite.classic = &classicLog{}
	suite.events = &adapterLog{}
	suite.client.ClassicRadio().Subscribe(suite.classic)
	suite.client.EventSource().Subscribe(suite.events)
}

func (suite *BluezTestSuite) TearDownTest() {
	_ = suite.client.Close()
}

// emit sends signals and waits until n callbacks were delivered.
func (suite *BluezTestSuite) emit(n int, log *[]string, signals ...*dbus.Signal) {
	for _, s := range signals {
		suite.bus.signals <- s
	}
	suite.Require().Eventually(func() bool {
		suite.handler.Drain()
		return len(*log) >= n
	}, time.Second, 5*time.Millisecond, "got %v", *log)
}

func (suite *BluezTestSuite) TestDiscoveryLifecycle() {
	// GOAL: Verify BR/EDR discovery is requested and its lifecycle reported through the handler
	//
	// TEST SCENARIO: start → filter + StartDiscovery → started; BlueZ stops → finished once

	radio := suite.client.ClassicRadio()
	suite.Require().NoError(radio.StartDiscovery())
	suite.Equal([]string{
		"/org/bluez/hci0 org.bluez.Adapter1.SetDiscoveryFilter",
		"/org/bluez/hci0 org.bluez.Adapter1.StartDiscovery",
	}, suite.bus.Calls())

	suite.Empty(suite.classic.log, "callbacks MUST NOT run inside the command call")
	suite.handler.Drain()
	suite.Equal([]string{"started"}, suite.classic.log)

	stopped := map[string]dbus.Variant{"Discovering": dbus.MakeVariant(false)}
	suite.emit(2, &suite.classic.log,
		propertiesChanged(adapterPath, bluez.AdapterInterface, stopped),
		propertiesChanged(adapterPath, bluez.AdapterInterface, stopped))

	suite.Require().NoError(radio.CancelDiscovery())
	suite.handler.Drain()
	suite.Equal([]string{"started", "finished"}, suite.classic.log, "finished MUST be reported once")
}

func (suite *BluezTestSuite) TestStartRejected() {
	suite.bus.callErr[bluez.AdapterInterface+".StartDiscovery"] = dbus.Error{Name: "org.bluez.Error.NotReady"}

	err := suite.client.ClassicRadio().StartDiscovery()
	suite.ErrorIs(err, device.ErrAdapterUnavailable)
	suite.Equal(device.ScanFailedAdapterNotReady, device.ScanFailureCode(err))
	suite.handler.Drain()
	suite.Empty(suite.classic.log)
}

func (suite *BluezTestSuite) TestDeviceFound() {
	// GOAL: Verify Device1 objects become Classic sightings with merged properties
	//
	// TEST SCENARIO: added with class + RSSI → found; name later via PropertiesChanged + RSSI → found again;
	// LE-only device (no class) and foreign adapter ignored

	suite.Require().NoError(suite.client.ClassicRadio().StartDiscovery())
	suite.handler.Drain()
	suite.classic.log = nil

	phone := bluez.PathFromAddr(adapterPath, "aa:bb:cc:dd:ee:01")
	suite.emit(1, &suite.classic.log,
		interfacesAdded(bluez.PathFromAddr(adapterPath, "aa:bb:cc:dd:ee:09"), map[string]dbus.Variant{
			"RSSI": dbus.MakeVariant(int16(-70)),
		}),
		interfacesAdded("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_08", map[string]dbus.Variant{
			"Class": dbus.MakeVariant(uint32(0x5a020c)),
			"RSSI":  dbus.MakeVariant(int16(-50)),
		}),
		interfacesAdded(phone, map[string]dbus.Variant{
			"Address": dbus.MakeVariant("aa:bb:cc:dd:ee:01"),
			"Class":   dbus.MakeVariant(uint32(0x5a020c)),
			"RSSI":    dbus.MakeVariant(int16(-60)),
		}),
	)
	suite.emit(2, &suite.classic.log,
		propertiesChanged(phone, bluez.DeviceInterface, map[string]dbus.Variant{"Name": dbus.MakeVariant("Pixel")}),
		propertiesChanged(phone, bluez.DeviceInterface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-55))}),
	)

	major := device.DeviceClass(0x5a020c).Major()
	suite.Equal([]string{
		fmt.Sprintf("found AA:BB:CC:DD:EE:01 \"\" %s -60", major),
		fmt.Sprintf("found AA:BB:CC:DD:EE:01 \"Pixel\" %s -55", major),
	}, suite.classic.log)
}

func (suite *BluezTestSuite) TestNoSightingsWhileIdle() {
	phone := bluez.PathFromAddr(adapterPath, "aa:bb:cc:dd:ee:01")
	suite.bus.signals <- interfacesAdded(phone, map[string]dbus.Variant{
		"Class": dbus.MakeVariant(uint32(0x5a020c)),
		"RSSI":  dbus.MakeVariant(int16(-60)),
	})
	suite.emit(1, &suite.events.log,
		propertiesChanged(adapterPath, bluez.AdapterInterface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}))
	suite.Empty(suite.classic.log, "devices MUST NOT be reported outside discovery")
}

func (suite *BluezTestSuite) TestAdapterEvents() {
	// GOAL: Verify adapter power and device link changes reach adapter.Events
	//
	// TEST SCENARIO: PowerState off-enabling → turning_on; Powered true → on; Device1 Connected → link

	phone := bluez.PathFromAddr(adapterPath, "aa:bb:cc:dd:ee:01")
	suite.emit(3, &suite.events.log,
		propertiesChanged(adapterPath, bluez.AdapterInterface, map[string]dbus.Variant{"PowerState": dbus.MakeVariant("off-enabling")}),
		propertiesChanged(adapterPath, bluez.AdapterInterface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}),
		propertiesChanged(phone, bluez.DeviceInterface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}),
	)
	suite.Equal([]string{"power turning_on", "power on", "link AA:BB:CC:DD:EE:01 true"}, suite.events.log)
}

func (suite *BluezTestSuite) TestPowered() {
	_, err := suite.client.EventSource().Powered()
	suite.ErrorIs(err, device.ErrAdapterUnavailable, "a missing adapter MUST read as unavailable")

	suite.bus.props[bluez.AdapterInterface+".Powered"] = dbus.MakeVariant(true)
	powered, err := suite.client.EventSource().Powered()
	suite.NoError(err)
	suite.True(powered)
}

func (suite *BluezTestSuite) TestMonitorIntegration() {
	suite.bus.props[bluez.AdapterInterface+".Powered"] = dbus.MakeVariant(true)
	monitor := adapter.NewMonitor(suite.client.EventSource(), nil)
	suite.Require().NoError(monitor.Start())
	suite.True(monitor.Enabled())

	var log []string
	monitor.AddListener(adapter.StateListenerFuncs{
		BluetoothEnabled: func(enabled bool) { log = append(log, fmt.Sprintf("enabled %t", enabled)) },
	})
	suite.emit(1, &log,
		propertiesChanged(adapterPath, bluez.AdapterInterface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}))
	suite.Equal([]string{"enabled false"}, log)
	suite.False(monitor.Enabled())
}

func TestBluezTestSuite(t *testing.T) {
	suitelib.Run(t, new(BluezTestSuite))
}

func TestPaths(t *testing.T) {
	p := bluez.PathFromAddr(bluez.AdapterPath("hci1"), "aa:bb:cc:dd:ee:ff")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF"), p)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", bluez.AddrFromPath(p))
	assert.Equal(t, "", bluez.AddrFromPath("/org/bluez/hci1"))
	assert.Equal(t, adapterPath, bluez.AdapterPath(""))
}
