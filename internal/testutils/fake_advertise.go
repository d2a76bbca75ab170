package testutils

import (
	"fmt"
	"sync"

	"github.com/srg/gattkit/advertise"
	"github.com/srg/gattkit/internal/dispatch"
)

// FakeAdvertiseRadio is an in-memory advertise.Radio. The start outcome is
// posted through Handler; set FailNext to make the next start fail
// asynchronously, or Hold to keep the outcome until Confirm is called.
type FakeAdvertiseRadio struct {
	Handler dispatch.Handler

	StartErr error
	StopErr  error
	FailNext int
	Hold     bool

	mu          sync.Mutex
	calls       []string
	advertising bool
	settings    advertise.Settings
	data        advertise.Data
	listener    advertise.Listener
}

func NewFakeAdvertiseRadio(h dispatch.Handler) *FakeAdvertiseRadio {
	return &FakeAdvertiseRadio{Handler: h}
}

func (r *FakeAdvertiseRadio) StartAdvertising(settings advertise.Settings, data advertise.Data, l advertise.Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "start")
	if r.StartErr != nil {
		return r.StartErr
	}
	r.settings = settings
	r.data = data
	r.listener = l

	if code := r.FailNext; code != 0 {
		r.FailNext = 0
		r.Handler.Post(func() { l.OnStartFailure(code) })
		return nil
	}
	r.advertising = true
	if !r.Hold {
		r.Handler.Post(l.OnStartSuccess)
	}
	return nil
}

func (r *FakeAdvertiseRadio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "stop")
	r.advertising = false
	return r.StopErr
}

// Confirm posts a start success to the listener of the last start, which
// may since have been replaced.
func (r *FakeAdvertiseRadio) Confirm(l advertise.Listener) {
	r.Handler.Post(l.OnStartSuccess)
}

// Listener returns the listener of the last accepted start.
func (r *FakeAdvertiseRadio) Listener() advertise.Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listener
}

func (r *FakeAdvertiseRadio) Advertising() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertising
}

func (r *FakeAdvertiseRadio) Settings() advertise.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

func (r *FakeAdvertiseRadio) Data() advertise.Data {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// CallLog returns the command order: "start", "stop".
func (r *FakeAdvertiseRadio) CallLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// AdvertiseRecorder records advertise.Callback and advertise.MessengerCallback
// events as log lines.
type AdvertiseRecorder struct {
	mu  sync.Mutex
	log []string
}

func NewAdvertiseRecorder() *AdvertiseRecorder {
	return &AdvertiseRecorder{}
}

func (r *AdvertiseRecorder) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, line)
}

func (r *AdvertiseRecorder) OnAdvertisingStarted() { r.add("started") }
func (r *AdvertiseRecorder) OnAdvertisingStopped() { r.add("stopped") }

func (r *AdvertiseRecorder) OnAdvertisingFailed(code int) {
	r.add(fmt.Sprintf("failed %d", code))
}

func (r *AdvertiseRecorder) OnMessageSent(msg string) { r.add("sent " + msg) }

func (r *AdvertiseRecorder) OnMessageSendFailed(code int) {
	r.add(fmt.Sprintf("send failed %d", code))
}

func (r *AdvertiseRecorder) OnMessageReceived(from, msg string) {
	r.add(fmt.Sprintf("received %s %s", from, msg))
}

func (r *AdvertiseRecorder) OnListenFailed(code int) {
	r.add(fmt.Sprintf("listen failed %d", code))
}

func (r *AdvertiseRecorder) Log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}
