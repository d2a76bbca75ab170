package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/advertise"
	"github.com/srg/gattkit/gatt"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	suitelib "github.com/stretchr/testify/suite"
)

// fakePeripheral records database changes and runs advertise calls until
// cancelled or failed.
type fakePeripheral struct {
	mu      sync.Mutex
	calls   []string
	advErr  error
	advFail chan error
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{advFail: make(chan error, 1)}
}

func (p *fakePeripheral) record(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *fakePeripheral) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePeripheral) AddService(svc *ble.Service) error {
	p.record("add %s/%d", svc.UUID, len(svc.Characteristics))
	return nil
}

func (p *fakePeripheral) RemoveAllServices() error {
	p.record("remove all")
	return nil
}

func (p *fakePeripheral) advertise(ctx context.Context) error {
	p.mu.Lock()
	err := p.advErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.advFail:
		return err
	}
}

func (p *fakePeripheral) AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error {
	p.record("advertise name %q %v", name, uuids)
	return p.advertise(ctx)
}

func (p *fakePeripheral) AdvertiseMfgData(ctx context.Context, id uint16, b []byte) error {
	p.record("advertise mfg %04x %x", id, b)
	return p.advertise(ctx)
}

func (p *fakePeripheral) AdvertiseServiceData16(ctx context.Context, id uint16, b []byte) error {
	p.record("advertise service data %04x %x", id, b)
	return p.advertise(ctx)
}

// fakeNotifier captures values sent to a subscribed peer.
type fakeNotifier struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	values [][]byte
}

func newFakeNotifier() *fakeNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeNotifier{ctx: ctx, cancel: cancel}
}

func (n *fakeNotifier) Context() context.Context { return n.ctx }

func (n *fakeNotifier) Close() error {
	n.cancel()
	return nil
}

func (n *fakeNotifier) Cap() int { return 20 }

func (n *fakeNotifier) Write(b []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.values = append(n.values, append([]byte(nil), b...))
	return len(b), nil
}

func (n *fakeNotifier) Values() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]byte(nil), n.values...)
}

// serverLog records server events; it is only touched from the test goroutine.
type serverLog struct {
	log    []string
	reads  []gatt.ReadRequest
	writes []gatt.WriteRequest
	mtu    map[string]int
}

func (l *serverLog) add(format string, args ...interface{}) {
	l.log = append(l.log, fmt.Sprintf(format, args...))
}

func (l *serverLog) HandleConnectionStateChange(peer string, status device.Status, state gatt.ConnectionState) {
	l.add("%s %s", peer, state)
}

func (l *serverLog) HandleServiceAdded(status device.Status, service string) {
	l.add("service %s %d", service, status)
}

func (l *serverLog) HandleReadRequest(req gatt.ReadRequest) {
	l.reads = append(l.reads, req)
	l.add("read %s", req.Attr)
}

func (l *serverLog) HandleWriteRequest(req gatt.WriteRequest) {
	l.writes = append(l.writes, req)
	l.add("write %s %x", req.Attr, req.Value)
}

func (l *serverLog) HandleExecuteWrite(peer string, requestID int, execute bool) {
	l.add("execute %t", execute)
}

func (l *serverLog) HandleNotificationSent(peer string, status device.Status) {
	l.add("notified %s %d", peer, status)
}

func (l *serverLog) HandleMtuChanged(peer string, mtu int) {
	if l.mtu == nil {
		l.mtu = make(map[string]int)
	}
	l.mtu[peer] = mtu
}

func heartRateService() gatt.Service {
	return gatt.Service{UUID: "180d", Characteristics: []gatt.Characteristic{
		{UUID: "2a37", Properties: gatt.PropNotify, Descriptors: []string{"2902"}},
		{UUID: "2a39", Properties: gatt.PropRead | gatt.PropWrite, Descriptors: []string{"2901"}},
	}}
}

const testPeer = "AA:BB:CC:DD:EE:10"

type ServerBridgeTestSuite struct {
	suitelib.Suite

	handler *dispatch.Manual
	dev     *fakePeripheral
	events  *serverLog
	server  *ServerTransport
}

func (suite *ServerBridgeTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	suite.handler = dispatch.NewManual()
	suite.dev = newFakePeripheral()
	suite.events = &serverLog{}

	opener := NewServerOpener(suite.dev, suite.handler, logger)
	opener.ResponseTimeout = time.Second
	t, err := opener.OpenServer(suite.events)
	suite.Require().NoError(err)
	suite.server = t.(*ServerTransport)
}

func (suite *ServerBridgeTestSuite) TearDownTest() {
	_ = suite.server.Close()
}

func (suite *ServerBridgeTestSuite) await(cond func() bool) {
	suite.Require().Eventually(func() bool {
		suite.handler.Drain()
		return cond()
	}, time.Second, 5*time.Millisecond)
}

func (suite *ServerBridgeTestSuite) TestAddAndRemoveService() {
	// GOAL: Verify services reach go-ble and a single removal rebuilds the database
	//
	// TEST SCENARIO: add 180d, 180f → remove 180d → database holds only 180f

	suite.Require().NoError(suite.server.AddService(heartRateService()))
	suite.Require().NoError(suite.server.AddService(gatt.Service{UUID: "180f"}))
	suite.handler.Drain()
	suite.Equal([]string{"service 180d 0", "service 180f 0"}, suite.events.log)

	suite.Require().NoError(suite.server.RemoveService("0x180D"))
	suite.Equal([]string{"remove all", "add 180d/2", "add 180f/0", "remove all", "add 180f/0"}, suite.dev.Calls())

	var nf *device.NotFoundError
	suite.ErrorAs(suite.server.RemoveService("180d"), &nf, "removing an unknown service MUST fail")
}

func (suite *ServerBridgeTestSuite) TestInvalidServiceRejected() {
	suite.Error(suite.server.AddService(gatt.Service{UUID: "bogus"}))
	suite.Equal([]string{"remove all"}, suite.dev.Calls())
}

func (suite *ServerBridgeTestSuite) TestReadAnsweredBySendResponse() {
	// GOAL: Verify a go-ble read blocks until the matching response arrives
	//
	// TEST SCENARIO: read → request posted → SendResponse(id) → handler returns the value

	attr := gatt.CharacteristicAttr("180d", "2a39")
	type result struct {
		value  []byte
		status device.Status
	}
	done := make(chan result, 1)
	go func() {
		v, s := suite.server.read(testPeer, attr, 2)
		done <- result{v, s}
	}()

	suite.await(func() bool { return len(suite.events.reads) == 1 })
	req := suite.events.reads[0]
	suite.Equal(2, req.Offset)
	suite.Equal(testPeer, req.Peer)

	suite.Require().NoError(suite.server.SendResponse(testPeer, req.RequestID, device.StatusSuccess, 2, []byte("llo")))
	r := <-done
	suite.Equal([]byte("llo"), r.value)
	suite.Equal(device.StatusSuccess, r.status)

	suite.NoError(suite.server.SendResponse(testPeer, req.RequestID, device.StatusSuccess, 0, nil),
		"a late response MUST be dropped quietly")
}

func (suite *ServerBridgeTestSuite) TestWriteErrorStatus() {
	attr := gatt.CharacteristicAttr("180d", "2a39")
	done := make(chan device.Status, 1)
	go func() { done <- suite.server.write(testPeer, attr, []byte{0x01}, 0) }()

	suite.await(func() bool { return len(suite.events.writes) == 1 })
	req := suite.events.writes[0]
	suite.True(req.ResponseNeeded)
	suite.Equal([]byte{0x01}, req.Value)

	suite.Require().NoError(suite.server.SendResponse(testPeer, req.RequestID, device.StatusWriteNotPermitted, 0, nil))
	suite.Equal(device.StatusWriteNotPermitted, <-done)
	suite.Equal(ble.ATTError(0x03), attError(device.StatusWriteNotPermitted))
	suite.Equal(ble.ATTError(device.StatusUnlikely), attError(device.StatusFailure), "non-ATT statuses MUST map to unlikely error")
}

func (suite *ServerBridgeTestSuite) TestUnansweredRequestTimesOut() {
	suite.server.opener.ResponseTimeout = 20 * time.Millisecond
	_, status := suite.server.read(testPeer, gatt.CharacteristicAttr("180d", "2a39"), 0)
	suite.Equal(device.StatusUnlikely, status)
}

func (suite *ServerBridgeTestSuite) TestCloseFailsWaitingRequests() {
	done := make(chan device.Status, 1)
	go func() {
		_, s := suite.server.read(testPeer, gatt.CharacteristicAttr("180d", "2a39"), 0)
		done <- s
	}()
	suite.await(func() bool { return len(suite.events.reads) == 1 })

	suite.Require().NoError(suite.server.Close())
	suite.Equal(device.StatusUnlikely, <-done)
	suite.ErrorIs(suite.server.AddService(heartRateService()), device.ErrNotReady)
}

func (suite *ServerBridgeTestSuite) TestPeerTracking() {
	suite.True(suite.server.seen(testPeer))
	suite.False(suite.server.seen(testPeer), "a known peer MUST NOT be reported twice")
	suite.server.forget(testPeer)
	suite.server.forget(testPeer)
	suite.handler.Drain()

	suite.Equal([]string{testPeer + " connected", testPeer + " disconnected"}, suite.events.log)
}

func (suite *ServerBridgeTestSuite) TestSubscriptionLifecycle() {
	// GOAL: Verify go-ble notifier lifetimes become client configuration writes
	//
	// TEST SCENARIO: subscribe (indicate) → notify → unsubscribe → notify fails

	attr := gatt.CharacteristicAttr("180d", "2a37")
	n := newFakeNotifier()

	suite.server.subscribe(testPeer, attr, true, n)
	suite.handler.Drain()
	suite.Require().Len(suite.events.writes, 1)
	cccd := suite.events.writes[0]
	suite.Equal(attr.ClientConfig(), cccd.Attr)
	suite.Equal(device.EnableIndicationValue, cccd.Value)
	suite.False(cccd.ResponseNeeded)

	suite.Require().NoError(suite.server.NotifyCharacteristicChanged(testPeer, "180d", "2a37", []byte{0x42}, true))
	suite.await(func() bool { return len(n.Values()) == 1 && len(suite.events.log) == 2 })
	suite.Equal("notified "+testPeer+" 0", suite.events.log[1])

	suite.server.unsubscribe(testPeer, attr, n)
	suite.handler.Drain()
	suite.Equal(device.DisableNotificationValue, suite.events.writes[1].Value)

	var nf *device.NotFoundError
	suite.ErrorAs(suite.server.NotifyCharacteristicChanged(testPeer, "180d", "2a37", []byte{0x43}, false), &nf)
}

func (suite *ServerBridgeTestSuite) TestStaleNotifierIgnored() {
	attr := gatt.CharacteristicAttr("180d", "2a37")
	first, second := newFakeNotifier(), newFakeNotifier()

	suite.server.subscribe(testPeer, attr, false, first)
	suite.server.subscribe(testPeer, attr, false, second)
	suite.server.unsubscribe(testPeer, attr, first)
	suite.handler.Drain()

	suite.Len(suite.events.writes, 2, "ending a replaced notifier MUST NOT unsubscribe the peer")
	suite.NoError(suite.server.NotifyCharacteristicChanged(testPeer, "180d", "2a37", []byte{1}, false))
}

func TestServerBridgeTestSuite(t *testing.T) {
	suitelib.Run(t, new(ServerBridgeTestSuite))
}

// ----------------------------
// Advertising
// ----------------------------

type radioLog struct {
	mu  sync.Mutex
	log []string
}

func (l *radioLog) OnStartSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, "success")
}

func (l *radioLog) OnStartFailure(code int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, fmt.Sprintf("failure %d", code))
}

func (l *radioLog) Log() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.log...)
}

type AdvertiseRadioTestSuite struct {
	suitelib.Suite

	handler *dispatch.Manual
	dev     *fakePeripheral
	radio   *AdvertiseRadio
	events  *radioLog
}

func (suite *AdvertiseRadioTestSuite) SetupTest() {
	suite.handler = dispatch.NewManual()
	suite.dev = newFakePeripheral()
	suite.radio = NewAdvertiseRadio(suite.dev, suite.handler, nil)
	suite.events = &radioLog{}
}

func (suite *AdvertiseRadioTestSuite) TearDownTest() {
	_ = suite.radio.StopAdvertising()
}

func (suite *AdvertiseRadioTestSuite) await(n int) []string {
	suite.Require().Eventually(func() bool {
		suite.handler.Drain()
		return len(suite.events.Log()) >= n
	}, time.Second, 5*time.Millisecond)
	return suite.events.Log()
}

func (suite *AdvertiseRadioTestSuite) TestNameAndServices() {
	data := advertise.Data{LocalName: "gattkit", IncludeDeviceName: true, ServiceUUIDs: []string{"180d"}}
	suite.Require().NoError(suite.radio.StartAdvertising(advertise.Settings{}, data, suite.events))

	suite.Equal([]string{"success"}, suite.await(1), "a running advertise call MUST be confirmed after the grace period")
	suite.Require().Len(suite.dev.Calls(), 1)
	suite.Contains(suite.dev.Calls()[0], `advertise name "gattkit"`)
}

func (suite *AdvertiseRadioTestSuite) TestPayloadSelection() {
	// GOAL: Verify the go-ble call is chosen by payload kind
	//
	// TEST SCENARIO: manufacturer data beats service data; 16-bit service data goes to AdvertiseServiceData16

	data := advertise.Data{
		ServiceData:      map[string][]byte{"fff0": {0xAB}},
		ManufacturerData: map[uint16][]byte{0x0059: {0x01}, 0x004c: {0x02}},
	}
	suite.Require().NoError(suite.radio.StartAdvertising(advertise.Settings{}, data, suite.events))
	suite.await(1)
	suite.Require().NoError(suite.radio.StopAdvertising())

	data.ManufacturerData = nil
	suite.Require().NoError(suite.radio.StartAdvertising(advertise.Settings{}, data, suite.events))
	suite.await(2)

	suite.Equal([]string{"advertise mfg 004c 02", "advertise service data fff0 ab"}, suite.dev.Calls())
}

func (suite *AdvertiseRadioTestSuite) TestLongServiceDataUnsupported() {
	data := advertise.Data{ServiceData: map[string][]byte{"6e400001-b5a3-f393-e0a9-e50e24dcca9e": {1}}}
	err := suite.radio.StartAdvertising(advertise.Settings{}, data, suite.events)
	suite.ErrorIs(err, device.ErrUnsupported)
	suite.Empty(suite.dev.Calls())
}

func (suite *AdvertiseRadioTestSuite) TestEarlyFailure() {
	suite.dev.advErr = errors.New("bluetooth is turned off")
	suite.Require().NoError(suite.radio.StartAdvertising(advertise.Settings{}, advertise.Data{}, suite.events))

	suite.Equal([]string{"failure 100"}, suite.await(1))
	suite.Require().NoError(suite.radio.StartAdvertising(advertise.Settings{}, advertise.Data{}, suite.events),
		"radio MUST be free after a failed start")
}

func (suite *AdvertiseRadioTestSuite) TestLateFailureAndDoubleStart() {
	suite.Require().NoError(suite.radio.StartAdvertising(advertise.Settings{}, advertise.Data{}, suite.events))
	err := suite.radio.StartAdvertising(advertise.Settings{}, advertise.Data{}, suite.events)
	suite.Equal(device.AdvertiseFailedAlreadyStarted, device.AdvertiseFailureCode(err))
	suite.await(1)

	suite.dev.advFail <- errors.New("controller reset")
	suite.Equal([]string{"success", "failure 4"}, suite.await(2))
}

func (suite *AdvertiseRadioTestSuite) TestStopIsSilent() {
	suite.Require().NoError(suite.radio.StartAdvertising(advertise.Settings{}, advertise.Data{}, suite.events))
	suite.await(1)
	suite.Require().NoError(suite.radio.StopAdvertising())

	time.Sleep(20 * time.Millisecond)
	suite.handler.Drain()
	suite.Equal([]string{"success"}, suite.events.Log(), "a stop MUST NOT be reported as a failure")
}

func TestAdvertiseRadioTestSuite(t *testing.T) {
	suitelib.Run(t, new(AdvertiseRadioTestSuite))
}
