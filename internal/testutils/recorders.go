package testutils

import (
	"fmt"
	"sync"
	"time"

	"github.com/srg/gattkit/gatt"
	"github.com/srg/gattkit/internal/device"
)

// ScanFailure is a recorded OnScanFailed call.
type ScanFailure struct {
	Technology device.Technology
	Code       int
}

// ResultRecorder is a scanner.ResultCallback that records every call.
// Clock, when set, timestamps completions (e.g. dispatch.Manual.Now).
type ResultRecorder struct {
	Clock func() time.Duration

	mu          sync.Mutex
	found       []*device.DeviceRecord
	completed   []device.Technology
	completedAt []time.Duration
	failed      []ScanFailure
}

func NewResultRecorder(clock func() time.Duration) *ResultRecorder {
	return &ResultRecorder{Clock: clock}
}

func (r *ResultRecorder) OnDeviceFound(rec *device.DeviceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.found = append(r.found, rec)
}

func (r *ResultRecorder) OnScanComplete(tech device.Technology) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, tech)
	if r.Clock != nil {
		r.completedAt = append(r.completedAt, r.Clock())
	}
}

func (r *ResultRecorder) OnScanFailed(tech device.Technology, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, ScanFailure{Technology: tech, Code: code})
}

// Found returns the reported devices in order.
func (r *ResultRecorder) Found() []*device.DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*device.DeviceRecord(nil), r.found...)
}

// FoundAddresses returns the reported addresses in order.
func (r *ResultRecorder) FoundAddresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.found))
	for _, rec := range r.found {
		out = append(out, rec.Address)
	}
	return out
}

func (r *ResultRecorder) Completed() []device.Technology {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Technology(nil), r.completed...)
}

func (r *ResultRecorder) CompletedAt() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.completedAt...)
}

func (r *ResultRecorder) Failed() []ScanFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ScanFailure(nil), r.failed...)
}

// Reset clears every recorded call.
func (r *ResultRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.found, r.completed, r.completedAt, r.failed = nil, nil, nil, nil
}

// DataEvent is a recorded OnDataAvailable call.
type DataEvent struct {
	Peer string
	Attr gatt.Attribute
	Data []byte
}

// OperationFailure is a recorded OnOperationFailed call.
type OperationFailure struct {
	Peer   string
	Op     gatt.Operation
	Attr   gatt.Attribute
	Status device.Status
}

// ClientRecorder is a gatt.ClientCallback that records every call. Log holds
// one line per callback in arrival order.
type ClientRecorder struct {
	mu       sync.Mutex
	log      []string
	data     []DataEvent
	writes   []gatt.Attribute
	failures []OperationFailure
	reliable []device.Status
	services [][]gatt.Service
}

var _ gatt.ClientCallback = (*ClientRecorder)(nil)

func NewClientRecorder() *ClientRecorder {
	return &ClientRecorder{}
}

func (r *ClientRecorder) append(line string) {
	r.log = append(r.log, line)
}

func (r *ClientRecorder) OnGattConnected(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.append("connected " + peer)
}

func (r *ClientRecorder) OnGattDisconnected(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.append("disconnected " + peer)
}

func (r *ClientRecorder) OnServiceDiscovered(peer string, services []gatt.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.append("services " + peer)
	r.services = append(r.services, services)
}

func (r *ClientRecorder) OnDataAvailable(peer string, attr gatt.Attribute, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.append("data " + attr.String())
	r.data = append(r.data, DataEvent{Peer: peer, Attr: attr, Data: data})
}

func (r *ClientRecorder) OnWriteCompleted(peer string, attr gatt.Attribute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.append("written " + attr.String())
	r.writes = append(r.writes, attr)
}

func (r *ClientRecorder) OnOperationFailed(peer string, op gatt.Operation, attr gatt.Attribute, status device.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.append("failed " + op.String())
	r.failures = append(r.failures, OperationFailure{Peer: peer, Op: op, Attr: attr, Status: status})
}

func (r *ClientRecorder) OnReliableWriteCompleted(peer string, status device.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.append("reliable " + status.String())
	r.reliable = append(r.reliable, status)
}

func (r *ClientRecorder) Log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *ClientRecorder) Data() []DataEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DataEvent(nil), r.data...)
}

func (r *ClientRecorder) Writes() []gatt.Attribute {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gatt.Attribute(nil), r.writes...)
}

func (r *ClientRecorder) Failures() []OperationFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OperationFailure(nil), r.failures...)
}

func (r *ClientRecorder) ReliableCompletions() []device.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Status(nil), r.reliable...)
}

func (r *ClientRecorder) Services() [][]gatt.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]gatt.Service(nil), r.services...)
}

// ServerRecorder is a gatt.ServerCallback that records every call as a log
// line, in arrival order.
type ServerRecorder struct {
	mu  sync.Mutex
	log []string
}

var _ gatt.ServerCallback = (*ServerRecorder)(nil)

func NewServerRecorder() *ServerRecorder {
	return &ServerRecorder{}
}

func (r *ServerRecorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, fmt.Sprintf(format, args...))
}

func (r *ServerRecorder) OnDeviceConnected(peer string) {
	r.add("connected %s", peer)
}

func (r *ServerRecorder) OnDeviceDisconnected(peer string) {
	r.add("disconnected %s", peer)
}

func (r *ServerRecorder) OnServiceAdded(service string, status device.Status) {
	r.add("service %s %s", service, status)
}

func (r *ServerRecorder) OnCharacteristicWritten(peer string, attr gatt.Attribute, value []byte) {
	r.add("written %s %s=%q", peer, attr.Characteristic, value)
}

func (r *ServerRecorder) OnSubscriptionChanged(peer string, attr gatt.Attribute, subscribed bool) {
	r.add("subscribed %s %s %t", peer, attr.Characteristic, subscribed)
}

func (r *ServerRecorder) OnNotificationSent(peer string, status device.Status) {
	r.add("sent %s %s", peer, status)
}

func (r *ServerRecorder) Log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}
