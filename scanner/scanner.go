package scanner

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
)

const (
	DefaultClassicTimeout = 12 * time.Second
	DefaultLeTimeout      = 20 * time.Second
)

// Scanner owns discovery sessions against one radio technology.
type Scanner interface {
	StartScan()
	StopScan()
	IsScanning() bool
	Type() device.Technology
}

// Options configures a scanner.
type Options struct {
	// Timeout auto-stops a session; zero selects the technology default.
	Timeout time.Duration
	// Filter decides which devices are reported; nil accepts all.
	Filter Filter
	// Monitor (LE only) disables the timeout and per-session dedup so every
	// matching advertisement is delivered.
	Monitor bool
	// Mode and ReportDelay are passed to the LE radio.
	Mode        ScanMode
	ReportDelay time.Duration
}

// base holds the session bookkeeping shared by both scanner variants.
type base struct {
	tech     device.Technology
	handler  dispatch.Handler
	callback ResultCallback
	filter   Filter
	timeout  time.Duration
	monitor  bool
	logger   *logrus.Logger

	mu            sync.Mutex
	session       *DiscoverySession
	cancelTimeout dispatch.Cancel
}

func newBase(tech device.Technology, handler dispatch.Handler, cb ResultCallback, opts Options, logger *logrus.Logger) base {
	if logger == nil {
		logger = logrus.New()
	}
	if cb == nil {
		cb = ResultCallbackFuncs{}
	}
	filter := opts.Filter
	if filter == nil {
		filter = AcceptAll()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultLeTimeout
		if tech == device.Classic {
			timeout = DefaultClassicTimeout
		}
	}
	return base{
		tech:     tech,
		handler:  handler,
		callback: cb,
		filter:   filter,
		timeout:  timeout,
		monitor:  opts.Monitor && tech == device.LE,
		logger:   logger,
	}
}

// Type returns the technology this scanner discovers on.
func (b *base) Type() device.Technology {
	return b.tech
}

// IsScanning reports whether a session is running or being torn down.
func (b *base) IsScanning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeLocked()
}

// Session returns the current or last session, nil before the first start.
func (b *base) Session() *DiscoverySession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// State returns the state of the current session.
func (b *base) State() SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return Idle
	}
	return b.session.state
}

func (b *base) activeLocked() bool {
	return b.session != nil && b.session.state != Idle
}

// beginLocked replaces the session with a fresh running one.
func (b *base) beginLocked() *DiscoverySession {
	b.session = newSession(b.tech, b.timeout)
	b.cancelTimeout = nil
	b.logger.WithFields(logrus.Fields{
		"technology": b.tech,
		"timeout":    b.timeout,
		"monitor":    b.monitor,
	}).Debug("Discovery session started")
	return b.session
}

func (b *base) armTimeoutLocked(sess *DiscoverySession, onTimeout func(*DiscoverySession)) {
	if b.monitor {
		return
	}
	b.cancelTimeout = b.handler.PostDelayed(b.timeout, func() { onTimeout(sess) })
}

func (b *base) disarmTimeoutLocked() {
	if b.cancelTimeout != nil {
		b.cancelTimeout()
		b.cancelTimeout = nil
	}
}

// current reports whether sess is the live session.
func (b *base) current(sess *DiscoverySession, states ...SessionState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != sess {
		return false
	}
	for _, s := range states {
		if sess.state == s {
			return true
		}
	}
	return false
}

// deliver applies the filter and the session dedup set, then reports rec.
func (b *base) deliver(sess *DiscoverySession, rec *device.DeviceRecord) {
	if !safeMatch(b.filter, rec, b.logger) {
		return
	}
	if !b.monitor && !sess.markSeen(rec) {
		return
	}

	b.logger.WithFields(logrus.Fields{
		"technology": b.tech,
		"device":     rec.BestName(),
		"address":    rec.Address,
		"rssi":       rec.RSSI,
	}).Debug("Discovered new device")

	b.callback.OnDeviceFound(rec)
}

// postFailure reports a rejected start asynchronously.
func (b *base) postFailure(err error) {
	code := device.ScanFailureCode(err)
	b.logger.WithFields(logrus.Fields{
		"technology": b.tech,
		"code":       code,
		"error":      err,
	}).Error("Scan start rejected")

	b.handler.Post(func() { b.callback.OnScanFailed(b.tech, code) })
}

func (b *base) completed() {
	b.logger.WithField("technology", b.tech).Debug("Discovery session completed")
	b.callback.OnScanComplete(b.tech)
}
