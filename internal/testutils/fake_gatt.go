package testutils

import (
	"errors"
	"fmt"
	"sync"

	"github.com/srg/gattkit/gatt"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
)

// ErrRejected is what fakes return when told to reject a command.
var ErrRejected = errors.New("rejected by fake stack")

// FakeDialer hands out FakeTransports that emulate a peer holding Values.
type FakeDialer struct {
	Handler dispatch.Handler
	// Services and Values seed every dialed peer.
	Services []gatt.Service
	Values   map[gatt.Attribute][]byte
	// AutoConnect emits the connected event right after Dial.
	AutoConnect bool

	DialErr error

	mu         sync.Mutex
	transports []*FakeTransport
}

func NewFakeDialer(h dispatch.Handler) *FakeDialer {
	return &FakeDialer{Handler: h, AutoConnect: true, Values: make(map[gatt.Attribute][]byte)}
}

func (d *FakeDialer) Dial(address string, events gatt.ClientEvents) (gatt.Transport, error) {
	if d.DialErr != nil {
		return nil, d.DialErr
	}

	values := make(map[gatt.Attribute][]byte, len(d.Values))
	for k, v := range d.Values {
		values[k] = append([]byte(nil), v...)
	}
	t := &FakeTransport{
		Handler:   d.Handler,
		events:    events,
		address:   address,
		values:    values,
		services:  d.Services,
		notifying: make(map[gatt.Attribute]bool),
	}

	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()

	if d.AutoConnect {
		t.EmitConnectionState(device.StatusSuccess, gatt.Connected)
	}
	return t, nil
}

// Transports returns every transport dialed so far, oldest first.
func (d *FakeDialer) Transports() []*FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeTransport(nil), d.transports...)
}

// Last returns the most recently dialed transport.
func (d *FakeDialer) Last() *FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// FakeTransport is an in-memory gatt.Transport. Completions are posted on
// Handler.
type FakeTransport struct {
	Handler dispatch.Handler

	mu         sync.Mutex
	events     gatt.ClientEvents
	address    string
	values     map[gatt.Attribute][]byte
	services   []gatt.Service
	closeCalls int
	calls      []string
	notifying  map[gatt.Attribute]bool

	reliable      []gatt.PendingWrite
	inReliable    bool
	reliableCount int

	ConnectErr      error
	DiscoverErr     error
	NotificationErr error
	// RejectWrites lists characteristic/descriptor UUIDs whose writes the
	// stack refuses synchronously.
	RejectWrites map[string]bool
	// RejectReliableWriteAt rejects the n-th (1-based) write queued in a
	// reliable write transaction.
	RejectReliableWriteAt int
	// FailStatus, when set, completes every read and write with this status.
	FailStatus device.Status
}

var _ gatt.Transport = (*FakeTransport)(nil)

func (t *FakeTransport) record(call string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
}

// Calls returns the command log.
func (t *FakeTransport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *FakeTransport) Address() string {
	return t.address
}

func (t *FakeTransport) Connect() error {
	t.record("connect")
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.EmitConnectionState(device.StatusSuccess, gatt.Connected)
	return nil
}

func (t *FakeTransport) Disconnect() error {
	t.record("disconnect")
	t.EmitConnectionState(device.StatusSuccess, gatt.Disconnected)
	return nil
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	return nil
}

// Closed reports whether Close was called at least once.
func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls > 0
}

func (t *FakeTransport) DiscoverServices() error {
	t.record("discover")
	if t.DiscoverErr != nil {
		return t.DiscoverErr
	}
	t.post(func(e gatt.ClientEvents) { e.HandleServicesDiscovered(t.address, device.StatusSuccess) })
	return nil
}

func (t *FakeTransport) Services() []gatt.Service {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.services
}

func (t *FakeTransport) ReadCharacteristic(attr gatt.Attribute) error {
	t.record("read " + attr.String())
	value, status := t.read(attr)
	t.post(func(e gatt.ClientEvents) { e.HandleCharacteristicRead(t.address, attr, value, status) })
	return nil
}

func (t *FakeTransport) ReadDescriptor(attr gatt.Attribute) error {
	t.record("read " + attr.String())
	value, status := t.read(attr)
	t.post(func(e gatt.ClientEvents) { e.HandleDescriptorRead(t.address, attr, value, status) })
	return nil
}

func (t *FakeTransport) read(attr gatt.Attribute) ([]byte, device.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailStatus != 0 {
		return nil, t.FailStatus
	}
	v, ok := t.values[attr]
	if !ok {
		return nil, device.StatusReadNotPermitted
	}
	return append([]byte(nil), v...), device.StatusSuccess
}

func (t *FakeTransport) WriteCharacteristic(attr gatt.Attribute, data []byte) error {
	t.record("write " + attr.String())

	t.mu.Lock()
	if t.RejectWrites[attr.Characteristic] {
		t.mu.Unlock()
		return ErrRejected
	}
	if t.inReliable {
		t.reliableCount++
		if t.reliableCount == t.RejectReliableWriteAt {
			t.mu.Unlock()
			return fmt.Errorf("queued write %d: %w", t.reliableCount, ErrRejected)
		}
		t.reliable = append(t.reliable, gatt.PendingWrite{Attr: attr, Value: append([]byte(nil), data...)})
		t.mu.Unlock()
		return nil
	}
	status := t.writeLocked(attr, data)
	t.mu.Unlock()

	t.post(func(e gatt.ClientEvents) { e.HandleCharacteristicWrite(t.address, attr, status) })
	return nil
}

func (t *FakeTransport) WriteDescriptor(attr gatt.Attribute, data []byte) error {
	t.record("write " + attr.String())

	t.mu.Lock()
	if t.RejectWrites[attr.Descriptor] {
		t.mu.Unlock()
		return ErrRejected
	}
	status := t.writeLocked(attr, data)
	t.mu.Unlock()

	t.post(func(e gatt.ClientEvents) { e.HandleDescriptorWrite(t.address, attr, status) })
	return nil
}

func (t *FakeTransport) writeLocked(attr gatt.Attribute, data []byte) device.Status {
	if t.FailStatus != 0 {
		return t.FailStatus
	}
	t.values[attr] = append([]byte(nil), data...)
	return device.StatusSuccess
}

func (t *FakeTransport) SetCharacteristicNotification(attr gatt.Attribute, enabled bool) error {
	t.record(fmt.Sprintf("notify %s %t", attr, enabled))
	if t.NotificationErr != nil {
		return t.NotificationErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifying[attr] = enabled
	return nil
}

// Notifying reports whether local delivery is enabled for attr.
func (t *FakeTransport) Notifying(attr gatt.Attribute) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notifying[attr]
}

func (t *FakeTransport) BeginReliableWrite() error {
	t.record("begin")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inReliable = true
	t.reliableCount = 0
	t.reliable = nil
	return nil
}

func (t *FakeTransport) ExecuteReliableWrite() error {
	t.record("execute")
	t.mu.Lock()
	pending := t.reliable
	t.reliable = nil
	for _, pw := range pending {
		t.values[pw.Attr] = pw.Value
	}
	t.inReliable = false
	t.mu.Unlock()

	t.post(func(e gatt.ClientEvents) { e.HandleReliableWriteCompleted(t.address, device.StatusSuccess) })
	return nil
}

func (t *FakeTransport) AbortReliableWrite() {
	t.record("abort")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reliable = nil
	t.inReliable = false
}

// Value returns the peer-side value of attr.
func (t *FakeTransport) Value(attr gatt.Attribute) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[attr]
	return v, ok
}

// EmitConnectionState posts a connection state change from the peer.
func (t *FakeTransport) EmitConnectionState(status device.Status, state gatt.ConnectionState) {
	t.post(func(e gatt.ClientEvents) { e.HandleConnectionStateChange(t.address, status, state) })
}

// EmitNotification posts a value change pushed by the peer.
func (t *FakeTransport) EmitNotification(attr gatt.Attribute, value []byte) {
	t.post(func(e gatt.ClientEvents) { e.HandleCharacteristicChanged(t.address, attr, value) })
}

// EmitServicesDiscovered posts a discovery completion with status.
func (t *FakeTransport) EmitServicesDiscovered(status device.Status) {
	t.post(func(e gatt.ClientEvents) { e.HandleServicesDiscovered(t.address, status) })
}

func (t *FakeTransport) post(fn func(gatt.ClientEvents)) {
	t.mu.Lock()
	e := t.events
	t.mu.Unlock()
	t.Handler.Post(func() { fn(e) })
}

// ----------------------------
// Server side
// ----------------------------

// Response is a recorded ServerTransport.SendResponse call.
type Response struct {
	Peer      string
	RequestID int
	Status    device.Status
	Offset    int
	Value     []byte
}

// Notification is a recorded NotifyCharacteristicChanged call.
type Notification struct {
	Peer           string
	Service        string
	Characteristic string
	Value          []byte
	Confirm        bool
}

// FakeServer is both the gatt.ServerOpener and the gatt.ServerTransport.
// Tests drive inbound requests through Events.
type FakeServer struct {
	OpenErr   error
	NotifyErr map[string]error

	mu            sync.Mutex
	events        gatt.ServerEvents
	services      []string
	responses     []Response
	notifications []Notification
	closed        bool
	opens         int
}

var (
	_ gatt.ServerOpener    = (*FakeServer)(nil)
	_ gatt.ServerTransport = (*FakeServer)(nil)
)

func NewFakeServer() *FakeServer {
	return &FakeServer{NotifyErr: make(map[string]error)}
}

func (f *FakeServer) OpenServer(events gatt.ServerEvents) (gatt.ServerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	f.events = events
	f.closed = false
	f.opens++
	return f, nil
}

// Events returns the event sink of the last opened session.
func (f *FakeServer) Events() gatt.ServerEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *FakeServer) AddService(svc gatt.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services = append(f.services, svc.UUID)
	return nil
}

func (f *FakeServer) RemoveService(uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.services {
		if s == uuid {
			f.services = append(f.services[:i], f.services[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("service %s not registered", uuid)
}

func (f *FakeServer) ClearServices() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services = nil
	return nil
}

func (f *FakeServer) SendResponse(peer string, requestID int, status device.Status, offset int, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, Response{
		Peer:      peer,
		RequestID: requestID,
		Status:    status,
		Offset:    offset,
		Value:     append([]byte(nil), value...),
	})
	return nil
}

func (f *FakeServer) NotifyCharacteristicChanged(peer string, service, characteristic string, value []byte, confirm bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.NotifyErr[peer]; err != nil {
		return err
	}
	f.notifications = append(f.notifications, Notification{
		Peer:           peer,
		Service:        service,
		Characteristic: characteristic,
		Value:          append([]byte(nil), value...),
		Confirm:        confirm,
	})
	return nil
}

func (f *FakeServer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeServer) Registered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.services...)
}

func (f *FakeServer) Responses() []Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Response(nil), f.responses...)
}

// LastResponse returns the most recent response; it fails the caller's
// expectations with a zero Response when there is none.
func (f *FakeServer) LastResponse() Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return Response{}
	}
	return f.responses[len(f.responses)-1]
}

func (f *FakeServer) Notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.notifications...)
}

func (f *FakeServer) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
