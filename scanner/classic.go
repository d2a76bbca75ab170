package scanner

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
)

// ClassicScanner runs Classic (BR/EDR) inquiry sessions.
type ClassicScanner struct {
	base
	radio       ClassicRadio
	unsubscribe func()
}

var _ Scanner = (*ClassicScanner)(nil)

// NewClassicScanner creates a Classic scanner reporting to cb on handler.
func NewClassicScanner(radio ClassicRadio, handler dispatch.Handler, cb ResultCallback, opts Options, logger *logrus.Logger) *ClassicScanner {
	return &ClassicScanner{
		base:  newBase(device.Classic, handler, cb, opts, logger),
		radio: radio,
	}
}

// StartScan starts a session unless one is already running.
func (s *ClassicScanner) StartScan() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeLocked() {
		s.logger.Debug("Classic discovery already running")
		return
	}

	sess := s.beginLocked()
	s.unsubscribe = s.radio.Subscribe(&classicEvents{scanner: s, session: sess})

	if err := s.radio.StartDiscovery(); err != nil {
		s.releaseLocked()
		sess.state = Idle
		s.postFailure(err)
		return
	}
	s.armTimeoutLocked(sess, s.onTimeout)
}

// StopScan cancels the running session without reporting completion.
func (s *ClassicScanner) StopScan() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || s.session.state != Running {
		return
	}
	s.stopLocked()
}

func (s *ClassicScanner) stopLocked() {
	s.session.state = Stopping
	s.disarmTimeoutLocked()
	if err := s.radio.CancelDiscovery(); err != nil {
		s.logger.WithError(err).Warn("Failed to cancel classic discovery")
	}
	s.releaseLocked()
	s.session.state = Idle
}

func (s *ClassicScanner) releaseLocked() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

func (s *ClassicScanner) onTimeout(sess *DiscoverySession) {
	s.mu.Lock()
	if s.session != sess || sess.state != Running {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.mu.Unlock()

	s.completed()
}

// finished handles the radio ending inquiry on its own.
func (s *ClassicScanner) finished(sess *DiscoverySession) {
	s.mu.Lock()
	if s.session != sess || sess.state != Running {
		s.mu.Unlock()
		return
	}
	sess.state = Stopping
	s.disarmTimeoutLocked()
	s.releaseLocked()
	sess.state = Idle
	s.mu.Unlock()

	s.completed()
}

// classicEvents binds radio events to the session that subscribed; events
// arriving for an older session are dropped.
type classicEvents struct {
	scanner *ClassicScanner
	session *DiscoverySession
}

func (e *classicEvents) OnDiscoveryStarted() {
	e.scanner.logger.Debug("Classic discovery started by radio")
}

func (e *classicEvents) OnDiscoveryFinished() {
	e.scanner.finished(e.session)
}

func (e *classicEvents) OnClassicDeviceFound(dev ClassicDevice) {
	if !e.scanner.current(e.session, Running) {
		return
	}
	rec := device.NewDeviceRecord(dev.Address, device.Classic)
	rec.Name = dev.Name
	rec.Class = dev.Class
	rec.RSSI = dev.RSSI
	e.scanner.deliver(e.session, rec)
}
