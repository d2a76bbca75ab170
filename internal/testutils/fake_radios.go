package testutils

import (
	"sync"

	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/scanner"
)

// FakeClassicRadio is an in-memory scanner.ClassicRadio. Events are posted
// through Handler so tests control when they are delivered.
type FakeClassicRadio struct {
	Handler dispatch.Handler

	mu          sync.Mutex
	listeners   map[int]scanner.ClassicListener
	nextID      int
	discovering bool

	StartErr    error
	CancelErr   error
	StartCalls  int
	CancelCalls int
}

func NewFakeClassicRadio(h dispatch.Handler) *FakeClassicRadio {
	return &FakeClassicRadio{Handler: h, listeners: make(map[int]scanner.ClassicListener)}
}

func (r *FakeClassicRadio) Subscribe(l scanner.ClassicListener) func() {
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

func (r *FakeClassicRadio) StartDiscovery() error {
	r.mu.Lock()
	r.StartCalls++
	if r.StartErr != nil {
		r.mu.Unlock()
		return r.StartErr
	}
	r.discovering = true
	r.mu.Unlock()

	r.each(func(l scanner.ClassicListener) { l.OnDiscoveryStarted() })
	return nil
}

func (r *FakeClassicRadio) CancelDiscovery() error {
	r.mu.Lock()
	r.CancelCalls++
	r.discovering = false
	r.mu.Unlock()

	r.each(func(l scanner.ClassicListener) { l.OnDiscoveryFinished() })
	return r.CancelErr
}

// Discovering reports whether inquiry is active on the fake radio.
func (r *FakeClassicRadio) Discovering() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovering
}

// ListenerCount returns the number of subscribed listeners.
func (r *FakeClassicRadio) ListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// EmitDevice posts a device-found event to every listener.
func (r *FakeClassicRadio) EmitDevice(dev scanner.ClassicDevice) {
	r.each(func(l scanner.ClassicListener) { l.OnClassicDeviceFound(dev) })
}

// EmitFinished posts the radio ending inquiry on its own.
func (r *FakeClassicRadio) EmitFinished() {
	r.mu.Lock()
	r.discovering = false
	r.mu.Unlock()
	r.each(func(l scanner.ClassicListener) { l.OnDiscoveryFinished() })
}

func (r *FakeClassicRadio) each(fn func(scanner.ClassicListener)) {
	r.mu.Lock()
	ls := make([]scanner.ClassicListener, 0, len(r.listeners))
	for i := 0; i < r.nextID; i++ {
		if l, ok := r.listeners[i]; ok {
			ls = append(ls, l)
		}
	}
	r.mu.Unlock()

	for _, l := range ls {
		l := l
		r.Handler.Post(func() { fn(l) })
	}
}

// FakeLeRadio is an in-memory scanner.LeRadio with a batching buffer.
type FakeLeRadio struct {
	Handler dispatch.Handler

	mu       sync.Mutex
	listener scanner.LeListener
	settings scanner.ScanSettings
	scanning bool
	pending  []scanner.ScanResult

	StartErr error
	StopErr  error
	// Calls records the command order: "start", "flush", "stop".
	Calls []string
}

func NewFakeLeRadio(h dispatch.Handler) *FakeLeRadio {
	return &FakeLeRadio{Handler: h}
}

func (r *FakeLeRadio) StartScan(settings scanner.ScanSettings, l scanner.LeListener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, "start")
	if r.StartErr != nil {
		return r.StartErr
	}
	r.listener = l
	r.settings = settings
	r.scanning = true
	return nil
}

func (r *FakeLeRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, "stop")
	r.scanning = false
	r.listener = nil
	return r.StopErr
}

func (r *FakeLeRadio) FlushPendingScanResults() {
	r.mu.Lock()
	r.Calls = append(r.Calls, "flush")
	batch := r.pending
	r.pending = nil
	l := r.listener
	r.mu.Unlock()

	if l != nil && len(batch) > 0 {
		l.OnBatchScanResults(batch)
	}
}

// Scanning reports whether a scan is active on the fake radio.
func (r *FakeLeRadio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// Settings returns the settings of the last accepted StartScan.
func (r *FakeLeRadio) Settings() scanner.ScanSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// CallLog returns a copy of the command log.
func (r *FakeLeRadio) CallLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Calls...)
}

// Emit posts a single scan result to the active listener.
func (r *FakeLeRadio) Emit(results ...scanner.ScanResult) {
	r.post(func(l scanner.LeListener) {
		for _, res := range results {
			l.OnScanResult(res)
		}
	})
}

// EmitBatch posts results as one batch, as a batching stack does on its
// report timer.
func (r *FakeLeRadio) EmitBatch(results ...scanner.ScanResult) {
	r.post(func(l scanner.LeListener) { l.OnBatchScanResults(results) })
}

// Buffer queues results as the stack would when batching.
func (r *FakeLeRadio) Buffer(results ...scanner.ScanResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, results...)
}

// Fail posts an asynchronous scan failure.
func (r *FakeLeRadio) Fail(code int) {
	r.mu.Lock()
	r.scanning = false
	r.mu.Unlock()
	r.post(func(l scanner.LeListener) { l.OnScanFailed(code) })
}

func (r *FakeLeRadio) post(fn func(scanner.LeListener)) {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()
	if l == nil {
		return
	}
	r.Handler.Post(func() { fn(l) })
}
