package gatt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
)

// ----------------------------
// GATT client session
// ----------------------------

// Session manages one GATT client connection at a time. It owns at most one
// transport handle; every operation checks for it first and returns
// device.ErrNotReady when it is absent.
type Session struct {
	dialer   Dialer
	callback ClientCallback
	logger   *logrus.Logger

	mu        sync.Mutex
	address   string
	state     ConnectionState
	transport Transport
	// generation is bumped whenever the handle is released so events still
	// queued for the old handle are recognised as stale.
	generation uint64
	inReliable bool
	subscribed map[Attribute]bool
}

// NewSession creates a disconnected session.
func NewSession(dialer Dialer, cb ClientCallback, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if cb == nil {
		cb = ClientCallbackFuncs{}
	}
	return &Session{
		dialer:     dialer,
		callback:   cb,
		logger:     logger,
		subscribed: make(map[Attribute]bool),
	}
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Address returns the address of the current (or last) peer.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Connect connects to address. Reconnecting to the current peer reuses the
// existing handle; a different address releases it and dials a new one.
// The outcome is reported through OnGattConnected / OnGattDisconnected.
func (s *Session) Connect(address string) error {
	if strings.TrimSpace(address) == "" {
		s.logger.Error("Connection attempt with empty address")
		return fmt.Errorf("device address is empty")
	}
	addr, err := device.ValidateAddress(address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != nil && s.address == addr {
		if s.state == Connected {
			s.logger.WithField("address", addr).Debug("Already connected")
			return nil
		}

		s.logger.WithField("address", addr).Info("Resuming connection...")
		if err := s.transport.Connect(); err != nil {
			s.releaseLocked()
			s.state = Disconnected
			s.logger.WithFields(logrus.Fields{
				"address": addr,
				"error":   err,
			}).Error("Stack rejected connection resume")
			return &device.ConnectionError{State: device.ResumeRejected, Msg: fmt.Sprintf("%s: %v", addr, err)}
		}
		s.state = Connecting
		return nil
	}

	if s.transport != nil {
		s.logger.WithFields(logrus.Fields{
			"old": s.address,
			"new": addr,
		}).Info("Switching peer, closing previous connection")
		s.releaseLocked()
	}

	s.address = addr
	s.state = Connecting
	s.logger.WithField("address", addr).Info("Connecting to device...")

	t, err := s.dialer.Dial(addr, &clientEvents{session: s, generation: s.generation})
	if err != nil {
		s.state = Disconnected
		s.logger.WithFields(logrus.Fields{
			"address": addr,
			"error":   err,
		}).Error("Failed to dial device")
		return fmt.Errorf("failed to connect to device with address %q: %w", addr, err)
	}
	s.transport = t
	return nil
}

// Disconnect requests a graceful disconnect. The result arrives through the
// connection state path.
func (s *Session) Disconnect() error {
	t, _, err := s.handle("disconnect")
	if err != nil {
		return err
	}
	return t.Disconnect()
}

// Close releases the transport handle. It is idempotent and reports nothing.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
	s.state = Disconnected
}

// releaseLocked closes the handle and invalidates its pending events.
func (s *Session) releaseLocked() {
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close transport")
		}
	}
	s.transport = nil
	s.generation++
	s.inReliable = false
	s.subscribed = make(map[Attribute]bool)
}

// handle returns the transport and peer, or ErrNotReady without a handle.
func (s *Session) handle(op string) (Transport, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		s.logger.WithField("operation", op).Warn("No GATT connection handle")
		return nil, "", device.ErrNotReady
	}
	return s.transport, s.address, nil
}

// Services returns the service table discovered on the current connection.
func (s *Session) Services() ([]Service, error) {
	t, _, err := s.handle("services")
	if err != nil {
		return nil, err
	}
	return t.Services(), nil
}

// ReadCharacteristic queues a read; the value arrives via OnDataAvailable.
func (s *Session) ReadCharacteristic(attr Attribute) error {
	return s.command(OpReadCharacteristic, attr, func(t Transport) error { return t.ReadCharacteristic(attr) })
}

// WriteCharacteristic queues a write; completion arrives via OnWriteCompleted.
func (s *Session) WriteCharacteristic(attr Attribute, data []byte) error {
	return s.command(OpWriteCharacteristic, attr, func(t Transport) error { return t.WriteCharacteristic(attr, data) })
}

func (s *Session) ReadDescriptor(attr Attribute) error {
	return s.command(OpReadDescriptor, attr, func(t Transport) error { return t.ReadDescriptor(attr) })
}

func (s *Session) WriteDescriptor(attr Attribute, data []byte) error {
	return s.command(OpWriteDescriptor, attr, func(t Transport) error { return t.WriteDescriptor(attr, data) })
}

func (s *Session) command(op Operation, attr Attribute, fn func(Transport) error) error {
	if err := attr.validate(); err != nil {
		return err
	}
	if (op == OpReadDescriptor || op == OpWriteDescriptor) && !attr.IsDescriptor() {
		return fmt.Errorf("invalid attribute %q: descriptor UUID is required", attr.String())
	}

	t, peer, err := s.handle(op.String())
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		s.logger.WithFields(logrus.Fields{
			"peer":      peer,
			"operation": op,
			"uuid":      attr.String(),
			"error":     err,
		}).Warn("Stack rejected GATT operation")
		return fmt.Errorf("%s %s rejected: %w", op, attr, err)
	}
	return nil
}

// SetNotification toggles local delivery of value changes for attr and
// writes the matching sentinel to its Client Characteristic Configuration
// descriptor. Both steps must be accepted; neither is retried.
func (s *Session) SetNotification(attr Attribute, enabled bool) error {
	if err := attr.validate(); err != nil {
		return err
	}
	t, peer, err := s.handle(OpSetNotification.String())
	if err != nil {
		return err
	}

	if err := t.SetCharacteristicNotification(attr, enabled); err != nil {
		return fmt.Errorf("%s %s rejected: %w", OpSetNotification, attr, err)
	}

	value := device.DisableNotificationValue
	if enabled {
		value = clientConfigValue(t.Services(), attr)
	}
	if err := t.WriteDescriptor(attr.ClientConfig(), value); err != nil {
		return fmt.Errorf("%s %s: descriptor write rejected: %w", OpSetNotification, attr, err)
	}

	s.mu.Lock()
	if enabled {
		s.subscribed[attr] = true
	} else {
		delete(s.subscribed, attr)
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"peer":    peer,
		"uuid":    attr.String(),
		"enabled": enabled,
	}).Debug("Notification state changed")
	return nil
}

// Subscribed reports whether notifications were enabled for attr on the
// current connection.
func (s *Session) Subscribed(attr Attribute) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[attr]
}

// clientConfigValue picks the indication sentinel for characteristics that
// only indicate, and the notification sentinel otherwise.
func clientConfigValue(services []Service, attr Attribute) []byte {
	for _, svc := range services {
		if svc.UUID != attr.Service {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID == attr.Characteristic && c.Properties&PropIndicate != 0 && c.Properties&PropNotify == 0 {
				return device.EnableIndicationValue
			}
		}
	}
	return device.EnableNotificationValue
}

// ----------------------------
// Reliable write
// ----------------------------

// ReliableWriter queues writes inside a reliable write transaction.
type ReliableWriter interface {
	Write(attr Attribute, data []byte) error
}

type reliableWriter struct {
	t     Transport
	err   error
	count int
}

func (w *reliableWriter) Write(attr Attribute, data []byte) error {
	if w.err != nil {
		return w.err
	}
	if err := attr.validate(); err != nil {
		w.err = err
		return err
	}
	if err := w.t.WriteCharacteristic(attr, data); err != nil {
		w.err = fmt.Errorf("queued write %d to %s rejected: %w", w.count+1, attr, err)
		return w.err
	}
	w.count++
	return nil
}

// ReliableWrite runs fn inside a queued-write transaction. The transaction
// is executed only when every write fn queued was accepted; otherwise it is
// aborted and the returned error wraps device.ErrTransactionAborted.
// The stack reports the commit through OnReliableWriteCompleted.
func (s *Session) ReliableWrite(fn func(w ReliableWriter) error) error {
	s.mu.Lock()
	if s.transport == nil {
		s.mu.Unlock()
		s.logger.Warn("No GATT connection handle for reliable write")
		return device.ErrNotReady
	}
	if s.inReliable {
		s.mu.Unlock()
		return device.ErrTransactionActive
	}
	s.inReliable = true
	t, peer := s.transport, s.address
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inReliable = false
		s.mu.Unlock()
	}()

	if err := t.BeginReliableWrite(); err != nil {
		return fmt.Errorf("%w: begin rejected: %w", device.ErrTransactionAborted, err)
	}

	w := &reliableWriter{t: t}
	err := fn(w)
	if err == nil {
		err = w.err
	}
	if err == nil {
		if execErr := t.ExecuteReliableWrite(); execErr != nil {
			err = fmt.Errorf("execute rejected: %w", execErr)
		}
	}
	if err != nil {
		t.AbortReliableWrite()
		s.logger.WithFields(logrus.Fields{
			"peer":   peer,
			"queued": w.count,
			"error":  err,
		}).Warn("Reliable write aborted")
		return fmt.Errorf("%w: %w", device.ErrTransactionAborted, err)
	}

	s.logger.WithFields(logrus.Fields{
		"peer":   peer,
		"writes": w.count,
	}).Debug("Reliable write executed")
	return nil
}

// ----------------------------
// Stack events
// ----------------------------

type clientEvents struct {
	session    *Session
	generation uint64
}

var _ ClientEvents = (*clientEvents)(nil)

// live returns the transport when the event belongs to the current handle
// and peer; stale events are dropped.
func (e *clientEvents) live(peer string) (Transport, bool) {
	s := e.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil || s.generation != e.generation || device.NormalizeAddress(peer) != s.address {
		s.logger.WithField("peer", peer).Debug("Dropping stale GATT event")
		return nil, false
	}
	return s.transport, true
}

func (e *clientEvents) HandleConnectionStateChange(peer string, status device.Status, state ConnectionState) {
	if _, ok := e.live(peer); !ok {
		return
	}
	s := e.session
	peer = device.NormalizeAddress(peer)

	if state == Connected && status.OK() {
		s.mu.Lock()
		s.state = Connected
		t := s.transport
		s.mu.Unlock()

		s.logger.WithField("peer", peer).Info("Connected to GATT server")
		s.callback.OnGattConnected(peer)

		if err := t.DiscoverServices(); err != nil {
			s.logger.WithFields(logrus.Fields{"peer": peer, "error": err}).Error("Service discovery rejected")
			s.callback.OnOperationFailed(peer, OpDiscoverServices, Attribute{}, device.StatusFailure)
		}
		return
	}

	if state == Connecting && status.OK() {
		s.mu.Lock()
		s.state = Connecting
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.releaseLocked()
	s.state = Disconnected
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"peer":   peer,
		"status": status,
	}).Info("Disconnected from GATT server")
	s.callback.OnGattDisconnected(peer)
}

func (e *clientEvents) HandleServicesDiscovered(peer string, status device.Status) {
	t, ok := e.live(peer)
	if !ok {
		return
	}
	s := e.session
	peer = device.NormalizeAddress(peer)

	if !status.OK() {
		s.logger.WithFields(logrus.Fields{"peer": peer, "status": status}).Error("Service discovery failed")
		s.callback.OnOperationFailed(peer, OpDiscoverServices, Attribute{}, status)
		return
	}

	services := t.Services()
	s.logger.WithFields(logrus.Fields{"peer": peer, "services": len(services)}).Debug("Services discovered")
	s.callback.OnServiceDiscovered(peer, services)
}

func (e *clientEvents) HandleCharacteristicRead(peer string, attr Attribute, value []byte, status device.Status) {
	e.completeRead(peer, OpReadCharacteristic, attr, value, status)
}

func (e *clientEvents) HandleDescriptorRead(peer string, attr Attribute, value []byte, status device.Status) {
	e.completeRead(peer, OpReadDescriptor, attr, value, status)
}

func (e *clientEvents) HandleCharacteristicWrite(peer string, attr Attribute, status device.Status) {
	e.completeWrite(peer, OpWriteCharacteristic, attr, status)
}

func (e *clientEvents) HandleDescriptorWrite(peer string, attr Attribute, status device.Status) {
	e.completeWrite(peer, OpWriteDescriptor, attr, status)
}

func (e *clientEvents) completeRead(peer string, op Operation, attr Attribute, value []byte, status device.Status) {
	if _, ok := e.live(peer); !ok {
		return
	}
	peer = device.NormalizeAddress(peer)
	if !status.OK() {
		e.failed(peer, op, attr, status)
		return
	}
	e.session.callback.OnDataAvailable(peer, attr, value)
}

func (e *clientEvents) completeWrite(peer string, op Operation, attr Attribute, status device.Status) {
	if _, ok := e.live(peer); !ok {
		return
	}
	peer = device.NormalizeAddress(peer)
	if !status.OK() {
		e.failed(peer, op, attr, status)
		return
	}
	e.session.callback.OnWriteCompleted(peer, attr)
}

func (e *clientEvents) failed(peer string, op Operation, attr Attribute, status device.Status) {
	e.session.logger.WithFields(logrus.Fields{
		"peer":      peer,
		"operation": op,
		"uuid":      attr.String(),
		"status":    status,
	}).Error("GATT operation failed")
	e.session.callback.OnOperationFailed(peer, op, attr, status)
}

func (e *clientEvents) HandleCharacteristicChanged(peer string, attr Attribute, value []byte) {
	if _, ok := e.live(peer); !ok {
		return
	}
	e.session.callback.OnDataAvailable(device.NormalizeAddress(peer), attr, value)
}

func (e *clientEvents) HandleReliableWriteCompleted(peer string, status device.Status) {
	if _, ok := e.live(peer); !ok {
		return
	}
	e.session.callback.OnReliableWriteCompleted(device.NormalizeAddress(peer), status)
}
