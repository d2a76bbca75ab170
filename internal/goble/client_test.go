package goble_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/gattkit/gatt"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/goble"
	"github.com/srg/gattkit/internal/testutils"
	suitelib "github.com/stretchr/testify/suite"
)

// fakeClient is a scripted go-ble client.
type fakeClient struct {
	mu           sync.Mutex
	profile      *ble.Profile
	values       map[string][]byte
	writeErr     map[string]error
	calls        []string
	handlers     map[string]ble.NotificationHandler
	disconnected chan struct{}
}

func newFakeClient(profile *ble.Profile) *fakeClient {
	return &fakeClient{
		profile:      profile,
		values:       make(map[string][]byte),
		writeErr:     make(map[string]error),
		handlers:     make(map[string]ble.NotificationHandler),
		disconnected: make(chan struct{}),
	}
}

func (c *fakeClient) record(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
}

func (c *fakeClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeClient) Value(uuid string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[uuid]
}

func (c *fakeClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	c.record("discover")
	return c.profile, nil
}

func (c *fakeClient) ReadCharacteristic(ch *ble.Characteristic) ([]byte, error) {
	c.record("read %s", ch.UUID)
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[ch.UUID.String()]
	if !ok {
		return nil, ble.ErrReadNotPerm
	}
	return v, nil
}

func (c *fakeClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, noRsp bool) error {
	c.record("write %s %s noRsp=%t", ch.UUID, value, noRsp)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeErr[ch.UUID.String()]; err != nil {
		return err
	}
	c.values[ch.UUID.String()] = value
	return nil
}

func (c *fakeClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) {
	c.record("read descriptor %s", d.UUID)
	return []byte{0x01}, nil
}

func (c *fakeClient) WriteDescriptor(d *ble.Descriptor, v []byte) error {
	c.record("write descriptor %s", d.UUID)
	return nil
}

func (c *fakeClient) Subscribe(ch *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.record("subscribe %s ind=%t", ch.UUID, ind)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[ch.UUID.String()] = h
	return nil
}

func (c *fakeClient) Unsubscribe(ch *ble.Characteristic, ind bool) error {
	c.record("unsubscribe %s ind=%t", ch.UUID, ind)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, ch.UUID.String())
	return nil
}

func (c *fakeClient) CancelConnection() error {
	c.record("cancel")
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Notify delivers a value change through the registered handler.
func (c *fakeClient) Notify(uuid string, value []byte) bool {
	c.mu.Lock()
	h := c.handlers[uuid]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(value)
	return true
}

// clientEvents records transport events in delivery order.
type clientEvents struct {
	log []string
}

func (e *clientEvents) add(format string, args ...interface{}) {
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *clientEvents) HandleConnectionStateChange(peer string, status device.Status, state gatt.ConnectionState) {
	e.add("state %s %d", state, status)
}

func (e *clientEvents) HandleServicesDiscovered(peer string, status device.Status) {
	e.add("discovered %d", status)
}

func (e *clientEvents) HandleCharacteristicRead(peer string, attr gatt.Attribute, value []byte, status device.Status) {
	e.add("read %s %q %d", attr, value, status)
}

func (e *clientEvents) HandleCharacteristicWrite(peer string, attr gatt.Attribute, status device.Status) {
	e.add("write %s %d", attr, status)
}

func (e *clientEvents) HandleDescriptorRead(peer string, attr gatt.Attribute, value []byte, status device.Status) {
	e.add("read descriptor %s %d", attr, status)
}

func (e *clientEvents) HandleDescriptorWrite(peer string, attr gatt.Attribute, status device.Status) {
	e.add("write descriptor %s %d", attr, status)
}

func (e *clientEvents) HandleCharacteristicChanged(peer string, attr gatt.Attribute, value []byte) {
	e.add("changed %s %q", attr, value)
}

func (e *clientEvents) HandleReliableWriteCompleted(peer string, status device.Status) {
	e.add("reliable %d", status)
}

func heartRateProfile() *ble.Profile {
	cccd := &ble.Descriptor{UUID: ble.MustParse("2902")}
	measurement := &ble.Characteristic{
		UUID:        ble.MustParse("2a37"),
		Property:    ble.CharNotify,
		Descriptors: []*ble.Descriptor{cccd},
	}
	control := &ble.Characteristic{
		UUID:     ble.MustParse("2a39"),
		Property: ble.CharRead | ble.CharWrite,
	}
	command := &ble.Characteristic{
		UUID:     ble.MustParse("2a38"),
		Property: ble.CharWriteNR,
	}
	return &ble.Profile{Services: []*ble.Service{{
		UUID:            ble.MustParse("180d"),
		Characteristics: []*ble.Characteristic{measurement, control, command},
	}}}
}

type ClientTestSuite struct {
	suitelib.Suite

	handler *dispatch.Manual
	client  *fakeClient
	events  *clientEvents
	t       gatt.Transport
}

func (suite *ClientTestSuite) SetupTest() {
	suite.handler = dispatch.NewManual()
	suite.client = newFakeClient(heartRateProfile())
	suite.events = &clientEvents{}

	dial := func(ctx context.Context, address string) (goble.GattClient, error) {
		return suite.client, nil
	}
	d := goble.NewDialer(dial, suite.handler, testutils.NewTestHelper(suite.T()).Logger)

	t, err := d.Dial("aa:bb:cc:dd:ee:ff", suite.events)
	suite.Require().NoError(err)
	suite.t = t
}

func (suite *ClientTestSuite) TearDownTest() {
	_ = suite.t.Close()
}

// await drains the handler until n events were recorded.
func (suite *ClientTestSuite) await(n int) {
	suite.Require().Eventually(func() bool {
		suite.handler.Drain()
		return len(suite.events.log) >= n
	}, time.Second, 5*time.Millisecond, "expected %d events, got %v", n, suite.events.log)
}

func (suite *ClientTestSuite) connectAndDiscover() {
	suite.await(2)
	suite.Require().NoError(suite.t.DiscoverServices())
	suite.await(3)
	suite.events.log = nil
}

func (suite *ClientTestSuite) TestConnectAndDiscover() {
	// GOAL: Verify dial progress and discovery are posted as transport events
	//
	// TEST SCENARIO: dial → connecting, connected → discover → services sorted by UUID

	suite.await(2)
	suite.Require().NoError(suite.t.DiscoverServices())
	suite.await(3)

	suite.Equal([]string{"state connecting 0", "state connected 0", "discovered 0"}, suite.events.log)
	suite.Equal("AA:BB:CC:DD:EE:FF", suite.t.Address())

	services := suite.t.Services()
	suite.Require().Len(services, 1)
	suite.Equal("180d", services[0].UUID)

	var uuids []string
	for _, c := range services[0].Characteristics {
		uuids = append(uuids, c.UUID)
	}
	suite.Equal([]string{"2a37", "2a38", "2a39"}, uuids, "characteristics MUST be sorted by UUID")
	suite.Equal([]string{"2902"}, services[0].Characteristics[0].Descriptors)
	suite.Equal(gatt.PropNotify, services[0].Characteristics[0].Properties)
}

func (suite *ClientTestSuite) TestDialFailure() {
	suite.await(2)
	suite.events.log = nil

	d := goble.NewDialer(func(ctx context.Context, address string) (goble.GattClient, error) {
		return nil, errors.New("bluetooth is turned off")
	}, suite.handler, nil)
	t, err := d.Dial("11:22:33:44:55:66", suite.events)
	suite.Require().NoError(err)
	defer t.Close()

	suite.await(2)
	suite.Equal([]string{"state connecting 0", fmt.Sprintf("state disconnected %d", device.StatusFailure)}, suite.events.log,
		"a failed dial MUST be reported as a disconnection")
}

func (suite *ClientTestSuite) TestReadWrite() {
	suite.connectAndDiscover()
	control := gatt.CharacteristicAttr("180d", "2a39")
	command := gatt.CharacteristicAttr("180d", "2a38")

	suite.Require().NoError(suite.t.WriteCharacteristic(control, []byte("on")))
	suite.Require().NoError(suite.t.ReadCharacteristic(control))
	suite.Require().NoError(suite.t.WriteCharacteristic(command, []byte("go")))
	suite.await(3)

	suite.Equal([]string{
		"write 180d/2a39 0",
		`read 180d/2a39 "on" 0`,
		"write 180d/2a38 0",
	}, suite.events.log)
	suite.Contains(suite.client.Calls(), "write 2a38 go noRsp=true", "write-without-response only characteristics MUST skip the response")
	suite.Contains(suite.client.Calls(), "write 2a39 on noRsp=false")
}

func (suite *ClientTestSuite) TestAttError() {
	suite.connectAndDiscover()
	control := gatt.CharacteristicAttr("180d", "2a39")

	suite.Require().NoError(suite.t.ReadCharacteristic(control))
	suite.await(1)
	suite.Equal([]string{fmt.Sprintf(`read 180d/2a39 "" %d`, device.StatusReadNotPermitted)}, suite.events.log,
		"ATT errors MUST keep their code")
}

func (suite *ClientTestSuite) TestUnknownAttribute() {
	suite.connectAndDiscover()

	err := suite.t.ReadCharacteristic(gatt.CharacteristicAttr("180d", "ffff"))
	var nf *device.NotFoundError
	suite.ErrorAs(err, &nf)
}

func (suite *ClientTestSuite) TestNotConnected() {
	err := suite.t.ReadCharacteristic(gatt.CharacteristicAttr("180d", "2a39"))
	suite.ErrorIs(err, device.ErrNotConnected, "commands before the link is up MUST be rejected")
}

func (suite *ClientTestSuite) TestSubscriptionThroughClientConfig() {
	// GOAL: Verify a CCCD write on a registered characteristic becomes a go-ble subscription
	//
	// TEST SCENARIO: register → write enable → notification → write disable → unsubscribed

	suite.connectAndDiscover()
	measurement := gatt.CharacteristicAttr("180d", "2a37")

	suite.Require().NoError(suite.t.SetCharacteristicNotification(measurement, true))
	suite.Require().NoError(suite.t.WriteDescriptor(measurement.ClientConfig(), device.EnableNotificationValue))
	suite.await(1)

	suite.True(suite.client.Notify("2a37", []byte{0x06, 0x48}))
	suite.await(2)

	suite.Require().NoError(suite.t.WriteDescriptor(measurement.ClientConfig(), device.DisableNotificationValue))
	suite.await(3)

	suite.Equal([]string{
		"write descriptor 180d/2a37/2902 0",
		`changed 180d/2a37 "\x06H"`,
		"write descriptor 180d/2a37/2902 0",
	}, suite.events.log)
	suite.Contains(suite.client.Calls(), "subscribe 2a37 ind=false")
	suite.Contains(suite.client.Calls(), "unsubscribe 2a37 ind=false")
	suite.False(suite.client.Notify("2a37", []byte{1}))
}

func (suite *ClientTestSuite) TestNotificationRequiresProperty() {
	suite.connectAndDiscover()
	err := suite.t.SetCharacteristicNotification(gatt.CharacteristicAttr("180d", "2a39"), true)
	suite.ErrorIs(err, device.ErrUnsupported)
}

func (suite *ClientTestSuite) TestReliableWrite() {
	// GOAL: Verify each queued write goes out on its own, in call order
	//
	// TEST SCENARIO: begin → control "a", command "b", control "c" → execute → three writes in order, success

	suite.connectAndDiscover()
	control := gatt.CharacteristicAttr("180d", "2a39")
	command := gatt.CharacteristicAttr("180d", "2a38")
	suite.client.values["2a39"] = []byte("orig")

	suite.Require().NoError(suite.t.BeginReliableWrite())
	suite.ErrorIs(suite.t.BeginReliableWrite(), device.ErrTransactionActive)
	suite.Require().NoError(suite.t.WriteCharacteristic(control, []byte("a")))
	suite.Require().NoError(suite.t.WriteCharacteristic(command, []byte("b")))
	suite.Require().NoError(suite.t.WriteCharacteristic(control, []byte("c")))
	suite.Equal([]string{"discover"}, suite.client.Calls(), "writes MUST be buffered until execute")

	suite.Require().NoError(suite.t.ExecuteReliableWrite())
	suite.await(1)

	suite.Equal([]string{fmt.Sprintf("reliable %d", device.StatusSuccess)}, suite.events.log)
	suite.Equal([]string{
		"discover",
		"read 2a39",
		"write 2a39 a noRsp=false",
		"write 2a38 b noRsp=false",
		"write 2a39 c noRsp=false",
	}, suite.client.Calls(), "writes to one characteristic MUST NOT be merged or reordered")
	suite.Equal([]byte("c"), suite.client.Value("2a39"))
}

func (suite *ClientTestSuite) TestReliableWriteRollsBack() {
	// GOAL: Verify a failed write restores the values already written
	//
	// TEST SCENARIO: control "a" ok, command "b" rejected → control restored to its previous value, failure reported once

	suite.connectAndDiscover()
	control := gatt.CharacteristicAttr("180d", "2a39")
	command := gatt.CharacteristicAttr("180d", "2a38")
	suite.client.values["2a39"] = []byte("orig")
	suite.client.writeErr["2a38"] = ble.ErrWriteNotPerm

	suite.Require().NoError(suite.t.BeginReliableWrite())
	suite.Require().NoError(suite.t.WriteCharacteristic(control, []byte("a")))
	suite.Require().NoError(suite.t.WriteCharacteristic(command, []byte("b")))
	suite.Require().NoError(suite.t.WriteCharacteristic(control, []byte("c")))
	suite.Require().NoError(suite.t.ExecuteReliableWrite())
	suite.await(1)

	suite.Equal([]string{fmt.Sprintf("reliable %d", device.StatusWriteNotPermitted)}, suite.events.log)
	suite.Equal([]string{
		"discover",
		"read 2a39",
		"write 2a39 a noRsp=false",
		"write 2a38 b noRsp=false",
		"write 2a39 orig noRsp=false",
	}, suite.client.Calls(), "execution MUST stop at the failed write and restore what was written")
	suite.Equal([]byte("orig"), suite.client.Value("2a39"), "the peer MUST be left unchanged")
}

func (suite *ClientTestSuite) TestReliableWriteUnreadableTarget() {
	suite.connectAndDiscover()
	control := gatt.CharacteristicAttr("180d", "2a39")

	suite.Require().NoError(suite.t.BeginReliableWrite())
	suite.Require().NoError(suite.t.WriteCharacteristic(control, []byte("a")))
	suite.Require().NoError(suite.t.ExecuteReliableWrite())
	suite.await(1)

	suite.Equal([]string{fmt.Sprintf("reliable %d", device.StatusReadNotPermitted)}, suite.events.log)
	suite.NotContains(suite.client.Calls(), "write 2a39 a noRsp=false",
		"nothing MUST be written when a readable target cannot be saved")
}

func (suite *ClientTestSuite) TestAbortReliableWrite() {
	suite.connectAndDiscover()
	control := gatt.CharacteristicAttr("180d", "2a39")

	suite.Require().NoError(suite.t.BeginReliableWrite())
	suite.Require().NoError(suite.t.WriteCharacteristic(control, []byte("x")))
	suite.t.AbortReliableWrite()
	suite.Error(suite.t.ExecuteReliableWrite(), "execute after abort MUST fail")
	suite.NotContains(suite.client.Calls(), "write 2a39 x noRsp=false")
}

func (suite *ClientTestSuite) TestRemoteDisconnect() {
	suite.connectAndDiscover()

	close(suite.client.disconnected)
	suite.await(1)
	suite.Equal([]string{"state disconnected 0"}, suite.events.log)

	err := suite.t.ReadCharacteristic(gatt.CharacteristicAttr("180d", "2a39"))
	suite.ErrorIs(err, device.ErrNotConnected)
}

func (suite *ClientTestSuite) TestCloseSilencesEvents() {
	suite.connectAndDiscover()

	suite.Require().NoError(suite.t.Close())
	suite.Require().NoError(suite.t.Close(), "Close MUST be idempotent")
	close(suite.client.disconnected)

	time.Sleep(20 * time.Millisecond)
	suite.handler.Drain()
	suite.Empty(suite.events.log, "a closed transport MUST NOT report events")
	suite.Contains(suite.client.Calls(), "cancel")
	suite.ErrorIs(suite.t.DiscoverServices(), device.ErrNotConnected)
}

func TestClientTestSuite(t *testing.T) {
	suitelib.Run(t, new(ClientTestSuite))
}
