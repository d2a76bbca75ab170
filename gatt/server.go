package gatt

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultMaxPreparedWriteBytes caps one peer's prepared write queue.
const DefaultMaxPreparedWriteBytes = 512

type ServerOptions struct {
	// MaxPreparedWriteBytes caps the bytes queued per peer; zero selects
	// DefaultMaxPreparedWriteBytes, negative means unlimited.
	MaxPreparedWriteBytes int
}

// Server is the local peripheral-role attribute table. Requests are answered
// from an AttributeStore; prepared writes are committed atomically and
// notification configuration descriptors are answered from the subscriber
// registry.
type Server struct {
	opener   ServerOpener
	store    AttributeStore
	callback ServerCallback
	logger   *logrus.Logger

	buffers     *WriteBuffer
	subscribers *SubscriberRegistry

	mu         sync.Mutex
	transport  ServerTransport
	generation uint64
	services   *orderedmap.OrderedMap[string, Service]
	mtu        map[string]int
}

func NewServer(opener ServerOpener, store AttributeStore, cb ServerCallback, opts ServerOptions, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if cb == nil {
		cb = ServerCallbackFuncs{}
	}
	maxBytes := opts.MaxPreparedWriteBytes
	switch {
	case maxBytes == 0:
		maxBytes = DefaultMaxPreparedWriteBytes
	case maxBytes < 0:
		maxBytes = 0
	}
	return &Server{
		opener:      opener,
		store:       store,
		callback:    cb,
		logger:      logger,
		buffers:     NewWriteBuffer(maxBytes),
		subscribers: NewSubscriberRegistry(),
		services:    orderedmap.New[string, Service](),
		mtu:         make(map[string]int),
	}
}

// Subscribers exposes the subscriber registry.
func (s *Server) Subscribers() *SubscriberRegistry {
	return s.subscribers
}

// PendingWrites exposes the prepared write buffer.
func (s *Server) PendingWrites() *WriteBuffer {
	return s.buffers
}

// Start opens the server session and registers the services added so far.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != nil {
		return nil
	}
	t, err := s.opener.OpenServer(&serverEvents{server: s, generation: s.generation})
	if err != nil {
		s.logger.WithError(err).Error("Failed to open GATT server")
		return fmt.Errorf("failed to open GATT server: %w", err)
	}
	s.transport = t

	for pair := s.services.Oldest(); pair != nil; pair = pair.Next() {
		if err := t.AddService(pair.Value); err != nil {
			s.logger.WithFields(logrus.Fields{"uuid": pair.Key, "error": err}).Error("Failed to register service")
			return fmt.Errorf("failed to add service %s: %w", pair.Key, err)
		}
	}
	s.logger.WithField("services", s.services.Len()).Info("GATT server started")
	return nil
}

// AddService adds svc to the table, registering it right away when the
// server is running.
func (s *Server) AddService(svc Service) error {
	svc, err := normalizeService(svc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.services.Set(svc.UUID, svc)
	if s.transport == nil {
		return nil
	}
	if err := s.transport.AddService(svc); err != nil {
		return fmt.Errorf("failed to add service %s: %w", svc.UUID, err)
	}
	return nil
}

// RemoveService removes a service from the table.
func (s *Server) RemoveService(uuid string) error {
	key := device.NormalizeUUID(uuid)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services.Delete(key); !ok {
		return &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	if s.transport == nil {
		return nil
	}
	return s.transport.RemoveService(key)
}

// Services returns the table in registration order.
func (s *Server) Services() []Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Service, 0, s.services.Len())
	for pair := s.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Shutdown clears the services, closes the session and forgets every
// peer's buffered writes and subscriptions.
func (s *Server) Shutdown() {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.generation++
	s.mtu = make(map[string]int)
	s.mu.Unlock()

	s.buffers.Clear()
	s.subscribers.Clear()

	if t == nil {
		return
	}
	if err := t.ClearServices(); err != nil {
		s.logger.WithError(err).Warn("Failed to clear services")
	}
	if err := t.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close GATT server")
	}
	s.logger.Info("GATT server stopped")
}

// MTU returns the negotiated MTU for peer, zero when unknown.
func (s *Server) MTU(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu[device.NormalizeAddress(peer)]
}

// NotifyDevices pushes value to every peer subscribed to the characteristic.
// With no subscribers it does nothing and returns nil.
func (s *Server) NotifyDevices(service, characteristic string, value []byte) error {
	attr := CharacteristicAttr(service, characteristic)
	subs := s.subscribers.Subscribers(attr)
	if len(subs) == 0 {
		s.logger.WithField("uuid", attr.String()).Debug("No subscribers, skipping notification")
		return nil
	}

	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return device.ErrNotReady
	}

	var errs []error
	for _, sub := range subs {
		if err := t.NotifyCharacteristicChanged(sub.Peer, attr.Service, attr.Characteristic, value, sub.Indicate); err != nil {
			s.logger.WithFields(logrus.Fields{
				"peer":  sub.Peer,
				"uuid":  attr.String(),
				"error": err,
			}).Warn("Failed to notify subscriber")
			errs = append(errs, fmt.Errorf("notify %s: %w", sub.Peer, err))
		}
	}
	return errors.Join(errs...)
}

func normalizeService(svc Service) (Service, error) {
	out := Service{UUID: device.NormalizeUUID(svc.UUID)}
	if out.UUID == "" {
		return Service{}, fmt.Errorf("invalid service UUID %q", svc.UUID)
	}
	for _, c := range svc.Characteristics {
		nc := Characteristic{UUID: device.NormalizeUUID(c.UUID), Properties: c.Properties}
		if nc.UUID == "" {
			return Service{}, fmt.Errorf("invalid characteristic UUID %q in service %s", c.UUID, out.UUID)
		}
		for _, d := range c.Descriptors {
			nd := device.NormalizeUUID(d)
			if nd == "" {
				return Service{}, fmt.Errorf("invalid descriptor UUID %q in characteristic %s", d, nc.UUID)
			}
			nc.Descriptors = append(nc.Descriptors, nd)
		}
		out.Characteristics = append(out.Characteristics, nc)
	}
	return out, nil
}

// ----------------------------
// Inbound requests
// ----------------------------

func (s *Server) respond(peer string, requestID int, status device.Status, offset int, value []byte) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.SendResponse(peer, requestID, status, offset, value); err != nil {
		s.logger.WithFields(logrus.Fields{
			"peer":      peer,
			"requestID": requestID,
			"error":     err,
		}).Warn("Failed to send response")
	}
}

func (s *Server) handleRead(req ReadRequest) {
	var (
		value []byte
		ok    bool
	)
	switch {
	case req.Attr.IsDescriptor() && s.store.IsNotification(req.Attr.Descriptor):
		value, ok = s.subscribers.Config(req.Peer, req.Attr).Bytes(), true
	case req.Attr.IsDescriptor():
		value, ok = s.store.GetDescriptor(req.Attr.Descriptor)
	default:
		value, ok = s.store.GetCharacteristic(req.Attr.Characteristic)
	}

	if !ok {
		s.logger.WithFields(logrus.Fields{"peer": req.Peer, "uuid": req.Attr.String()}).Warn("Read of unknown attribute")
		s.respond(req.Peer, req.RequestID, device.StatusReadNotPermitted, req.Offset, nil)
		return
	}
	if req.Offset < 0 || req.Offset > len(value) {
		s.respond(req.Peer, req.RequestID, device.StatusInvalidOffset, req.Offset, nil)
		return
	}
	s.respond(req.Peer, req.RequestID, device.StatusSuccess, req.Offset, value[req.Offset:])
}

func (s *Server) handleWrite(req WriteRequest) {
	if req.Prepared {
		status := device.StatusSuccess
		if err := s.buffers.Append(req.Peer, req.Attr, req.Value); err != nil {
			s.logger.WithFields(logrus.Fields{
				"peer":   req.Peer,
				"uuid":   req.Attr.String(),
				"queued": s.buffers.Size(req.Peer),
			}).Warn("Prepared write queue full")
			status = device.StatusPrepareQueueFull
		}
		if req.ResponseNeeded {
			s.respond(req.Peer, req.RequestID, status, req.Offset, req.Value)
		}
		return
	}

	status := s.apply(req.Peer, req.Attr, req.Value)
	if req.ResponseNeeded {
		s.respond(req.Peer, req.RequestID, status, req.Offset, req.Value)
	}
}

// apply performs one write against the registry or the store.
func (s *Server) apply(peer string, attr Attribute, value []byte) device.Status {
	if attr.IsDescriptor() && s.store.IsNotification(attr.Descriptor) {
		switch {
		case device.IsEnableSentinel(value):
			indicate := bytes.Equal(value, device.EnableIndicationValue)
			if s.subscribers.Subscribe(peer, attr, indicate) {
				s.logger.WithFields(logrus.Fields{"peer": peer, "uuid": attr.String()}).Info("Peer subscribed")
				s.callback.OnSubscriptionChanged(peer, characteristicKey(attr), true)
			}
			return device.StatusSuccess
		case device.IsDisableSentinel(value):
			if s.subscribers.Unsubscribe(peer, attr) {
				s.logger.WithFields(logrus.Fields{"peer": peer, "uuid": attr.String()}).Info("Peer unsubscribed")
				s.callback.OnSubscriptionChanged(peer, characteristicKey(attr), false)
			}
			return device.StatusSuccess
		}
	}

	if err := s.writeAttr(attr, value); err != nil {
		s.logger.WithFields(logrus.Fields{
			"peer":  peer,
			"uuid":  attr.String(),
			"error": err,
		}).Warn("Attribute store rejected write")
		return device.StatusWriteNotPermitted
	}
	if !attr.IsDescriptor() {
		s.callback.OnCharacteristicWritten(peer, attr, value)
	}
	return device.StatusSuccess
}

func (s *Server) writeAttr(attr Attribute, value []byte) error {
	if attr.IsDescriptor() {
		return s.store.SetDescriptor(attr.Descriptor, value)
	}
	return s.store.SetCharacteristic(attr.Characteristic, value)
}

type snapshot struct {
	attr    Attribute
	value   []byte
	present bool
}

func (s *Server) snapshot(attr Attribute) snapshot {
	var (
		v  []byte
		ok bool
	)
	if attr.IsDescriptor() {
		v, ok = s.store.GetDescriptor(attr.Descriptor)
	} else {
		v, ok = s.store.GetCharacteristic(attr.Characteristic)
	}
	return snapshot{attr: attr, value: v, present: ok}
}

func (s *Server) restore(snap snapshot) {
	if !snap.present {
		if remover, ok := s.store.(attributeRemover); ok {
			if snap.attr.IsDescriptor() {
				remover.RemoveDescriptor(snap.attr.Descriptor)
			} else {
				remover.RemoveCharacteristic(snap.attr.Characteristic)
			}
			return
		}
	}
	if err := s.writeAttr(snap.attr, snap.value); err != nil {
		s.logger.WithFields(logrus.Fields{"uuid": snap.attr.String(), "error": err}).Error("Failed to roll back attribute")
	}
}

// commit writes every pending attribute or none of them.
func (s *Server) commit(peer string, pending []PendingWrite) device.Status {
	var (
		applied []snapshot
		configs []PendingWrite
	)
	for _, pw := range pending {
		if pw.Attr.IsDescriptor() && s.store.IsNotification(pw.Attr.Descriptor) &&
			(device.IsEnableSentinel(pw.Value) || device.IsDisableSentinel(pw.Value)) {
			configs = append(configs, pw)
			continue
		}

		snap := s.snapshot(pw.Attr)
		if err := s.writeAttr(pw.Attr, pw.Value); err != nil {
			s.logger.WithFields(logrus.Fields{
				"peer":  peer,
				"uuid":  pw.Attr.String(),
				"error": err,
			}).Warn("Prepared write rejected, rolling back")
			for i := len(applied) - 1; i >= 0; i-- {
				s.restore(applied[i])
			}
			return device.StatusWriteNotPermitted
		}
		applied = append(applied, snap)
	}

	for _, pw := range configs {
		s.apply(peer, pw.Attr, pw.Value)
	}
	for _, pw := range pending {
		if !pw.Attr.IsDescriptor() {
			s.callback.OnCharacteristicWritten(peer, pw.Attr, pw.Value)
		}
	}
	return device.StatusSuccess
}

func (s *Server) handleExecuteWrite(peer string, requestID int, execute bool) {
	pending, err := s.buffers.Take(peer)

	if !execute {
		s.logger.WithFields(logrus.Fields{"peer": peer, "attributes": len(pending)}).Debug("Prepared writes discarded")
		s.respond(peer, requestID, device.StatusSuccess, 0, nil)
		return
	}
	if err != nil {
		s.logger.WithFields(logrus.Fields{"peer": peer, "error": err}).Warn("Execute write of a failed transaction, nothing committed")
		s.respond(peer, requestID, device.StatusPrepareQueueFull, 0, nil)
		return
	}
	if len(pending) == 0 {
		s.logger.WithField("peer", peer).Debug("Execute write with nothing queued")
		s.respond(peer, requestID, device.StatusSuccess, 0, nil)
		return
	}

	status := s.commit(peer, pending)
	s.logger.WithFields(logrus.Fields{
		"peer":       peer,
		"attributes": len(pending),
		"status":     status,
	}).Debug("Prepared writes executed")
	s.respond(peer, requestID, status, 0, nil)
}

func (s *Server) disconnected(peer string) {
	subs := s.subscribers.RemovePeer(peer)
	discarded := s.buffers.Discard(peer)

	s.mu.Lock()
	delete(s.mtu, peer)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"peer":          peer,
		"subscriptions": subs,
		"discarded":     discarded,
	}).Info("Peer disconnected")
	s.callback.OnDeviceDisconnected(peer)
}

// ----------------------------
// Stack events
// ----------------------------

type serverEvents struct {
	server     *Server
	generation uint64
}

var _ ServerEvents = (*serverEvents)(nil)

func (e *serverEvents) live() bool {
	s := e.server
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil && s.generation == e.generation
}

func (e *serverEvents) HandleConnectionStateChange(peer string, status device.Status, state ConnectionState) {
	if !e.live() {
		return
	}
	peer = device.NormalizeAddress(peer)
	switch {
	case state == Connected && status.OK():
		e.server.logger.WithField("peer", peer).Info("Peer connected")
		e.server.callback.OnDeviceConnected(peer)
	case state == Disconnected || !status.OK():
		e.server.disconnected(peer)
	}
}

func (e *serverEvents) HandleServiceAdded(status device.Status, service string) {
	if !e.live() {
		return
	}
	if !status.OK() {
		e.server.logger.WithFields(logrus.Fields{"uuid": service, "status": status}).Error("Stack failed to add service")
	}
	e.server.callback.OnServiceAdded(device.NormalizeUUID(service), status)
}

func (e *serverEvents) HandleReadRequest(req ReadRequest) {
	if !e.live() {
		return
	}
	req.Peer = device.NormalizeAddress(req.Peer)
	e.server.handleRead(req)
}

func (e *serverEvents) HandleWriteRequest(req WriteRequest) {
	if !e.live() {
		return
	}
	req.Peer = device.NormalizeAddress(req.Peer)
	e.server.handleWrite(req)
}

func (e *serverEvents) HandleExecuteWrite(peer string, requestID int, execute bool) {
	if !e.live() {
		return
	}
	e.server.handleExecuteWrite(device.NormalizeAddress(peer), requestID, execute)
}

func (e *serverEvents) HandleNotificationSent(peer string, status device.Status) {
	if !e.live() {
		return
	}
	e.server.callback.OnNotificationSent(device.NormalizeAddress(peer), status)
}

func (e *serverEvents) HandleMtuChanged(peer string, mtu int) {
	if !e.live() {
		return
	}
	s := e.server
	peer = device.NormalizeAddress(peer)
	s.mu.Lock()
	s.mtu[peer] = mtu
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{"peer": peer, "mtu": mtu}).Debug("MTU changed")
}
