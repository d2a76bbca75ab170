package scanner

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
)

// LeScanner runs LE scan sessions. Batched results still buffered in the
// radio are flushed before a session stops.
type LeScanner struct {
	base
	radio    LeRadio
	settings ScanSettings
}

var _ Scanner = (*LeScanner)(nil)

// NewLeScanner creates an LE scanner reporting to cb on handler.
func NewLeScanner(radio LeRadio, handler dispatch.Handler, cb ResultCallback, opts Options, logger *logrus.Logger) *LeScanner {
	return &LeScanner{
		base:  newBase(device.LE, handler, cb, opts, logger),
		radio: radio,
		settings: ScanSettings{
			Mode:            opts.Mode,
			ReportDelay:     opts.ReportDelay,
			AllowDuplicates: opts.Monitor,
		},
	}
}

// StartScan starts a session unless one is already running.
func (s *LeScanner) StartScan() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeLocked() {
		s.logger.Debug("LE scan already running")
		return
	}

	sess := s.beginLocked()
	if err := s.radio.StartScan(s.settings, &leEvents{scanner: s, session: sess}); err != nil {
		sess.state = Idle
		s.postFailure(err)
		return
	}
	s.armTimeoutLocked(sess, s.onTimeout)
}

// StopScan flushes pending results and stops the running session without
// reporting completion.
func (s *LeScanner) StopScan() {
	s.stop(nil)
}

func (s *LeScanner) onTimeout(sess *DiscoverySession) {
	if s.stop(sess) {
		s.completed()
	}
}

// stop ends the session (the given one, or whichever is running when nil)
// and reports whether it did.
func (s *LeScanner) stop(only *DiscoverySession) bool {
	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.state != Running || (only != nil && only != sess) {
		s.mu.Unlock()
		return false
	}
	sess.state = Stopping
	s.disarmTimeoutLocked()
	s.mu.Unlock()

	// Results delivered by the flush are still accepted while Stopping.
	s.radio.FlushPendingScanResults()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.radio.StopScan(); err != nil {
		s.logger.WithError(err).Warn("Failed to stop LE scan")
	}
	sess.state = Idle
	sess.stopped = true
	return true
}

// failed handles an asynchronous scan failure from the radio.
func (s *LeScanner) failed(sess *DiscoverySession, code int) {
	s.mu.Lock()
	if s.session != sess || sess.state == Idle {
		s.mu.Unlock()
		return
	}
	s.disarmTimeoutLocked()
	sess.state = Idle
	s.mu.Unlock()

	s.logger.WithField("code", code).Error("LE scan failed")
	s.callback.OnScanFailed(device.LE, code)
}

func (s *LeScanner) handleResult(sess *DiscoverySession, res ScanResult) {
	rec := device.NewDeviceRecord(res.Address, device.LE)
	rec.RSSI = res.RSSI
	rec.ScanRecord = res.Record
	s.deliver(sess, rec)
}

// acceptsBatch reports whether a batch for sess may still be delivered. A
// batch the radio drained before the stop can be posted after it, so a
// stopped session keeps its batches until the next session begins.
func (s *LeScanner) acceptsBatch(sess *DiscoverySession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != sess {
		return false
	}
	return sess.state != Idle || sess.stopped
}

type leEvents struct {
	scanner *LeScanner
	session *DiscoverySession
}

func (e *leEvents) OnScanResult(res ScanResult) {
	if !e.scanner.current(e.session, Running, Stopping) {
		return
	}
	e.scanner.handleResult(e.session, res)
}

func (e *leEvents) OnBatchScanResults(results []ScanResult) {
	if !e.scanner.acceptsBatch(e.session) {
		return
	}
	for _, res := range results {
		e.scanner.handleResult(e.session, res)
	}
}

func (e *leEvents) OnScanFailed(code int) {
	e.scanner.failed(e.session, code)
}
