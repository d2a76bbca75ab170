package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/gatt"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultResponseTimeout bounds how long a go-ble request handler waits for
// the server to answer.
const DefaultResponseTimeout = 5 * time.Second

// ServerOpener implements gatt.ServerOpener on a go-ble peripheral.
type ServerOpener struct {
	dev     Peripheral
	handler dispatch.Handler
	logger  *logrus.Logger

	ResponseTimeout time.Duration
}

var _ gatt.ServerOpener = (*ServerOpener)(nil)

func NewServerOpener(dev Peripheral, handler dispatch.Handler, logger *logrus.Logger) *ServerOpener {
	if logger == nil {
		logger = logrus.New()
	}
	return &ServerOpener{dev: dev, handler: handler, logger: logger, ResponseTimeout: DefaultResponseTimeout}
}

// OpenServer starts from an empty attribute database.
func (o *ServerOpener) OpenServer(events gatt.ServerEvents) (gatt.ServerTransport, error) {
	if o.dev == nil {
		return nil, fmt.Errorf("%w: no peripheral", device.ErrNotReady)
	}
	if err := o.dev.RemoveAllServices(); err != nil {
		return nil, NormalizeError(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ServerTransport{
		opener:    o,
		events:    events,
		logger:    o.logger,
		ctx:       ctx,
		cancel:    cancel,
		services:  orderedmap.New[string, gatt.Service](),
		pending:   make(map[int]chan response),
		peers:     make(map[string]bool),
		notifiers: make(map[notifierKey]ble.Notifier),
	}, nil
}

type response struct {
	status device.Status
	value  []byte
}

type notifierKey struct {
	peer string
	attr gatt.Attribute
}

// ServerTransport bridges go-ble's synchronous request handlers to the
// asynchronous gatt.ServerEvents: each request is posted with an ID and the
// handler goroutine waits for the matching SendResponse.
type ServerTransport struct {
	opener *ServerOpener
	events gatt.ServerEvents
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	services  *orderedmap.OrderedMap[string, gatt.Service]
	nextID    int
	pending   map[int]chan response
	peers     map[string]bool
	notifiers map[notifierKey]ble.Notifier
}

var _ gatt.ServerTransport = (*ServerTransport)(nil)

func (s *ServerTransport) post(fn func(e gatt.ServerEvents)) {
	s.opener.handler.Post(func() { fn(s.events) })
}

// ----------------------------
// Attribute database
// ----------------------------

// AddService registers svc with go-ble. The outcome is reported through
// HandleServiceAdded.
func (s *ServerTransport) AddService(svc gatt.Service) error {
	bs, err := s.build(svc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return device.ErrNotReady
	}
	s.services.Set(svc.UUID, svc)
	s.mu.Unlock()

	err = NormalizeError(s.opener.dev.AddService(bs))
	if err != nil {
		s.mu.Lock()
		s.services.Delete(svc.UUID)
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{"uuid": svc.UUID, "error": err}).Error("Failed to add service")
	}
	status := StatusFromError(err)
	s.post(func(e gatt.ServerEvents) { e.HandleServiceAdded(status, svc.UUID) })
	return nil
}

// RemoveService rebuilds the database without the service; go-ble cannot
// remove a single one.
func (s *ServerTransport) RemoveService(uuid string) error {
	uuid = device.NormalizeUUID(uuid)
	s.mu.Lock()
	if _, ok := s.services.Delete(uuid); !ok {
		s.mu.Unlock()
		return &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	var remaining []gatt.Service
	for pair := s.services.Oldest(); pair != nil; pair = pair.Next() {
		remaining = append(remaining, pair.Value)
	}
	s.mu.Unlock()

	if err := s.opener.dev.RemoveAllServices(); err != nil {
		return NormalizeError(err)
	}
	for _, svc := range remaining {
		bs, err := s.build(svc)
		if err != nil {
			return err
		}
		if err := s.opener.dev.AddService(bs); err != nil {
			return NormalizeError(err)
		}
	}
	return nil
}

func (s *ServerTransport) ClearServices() error {
	s.mu.Lock()
	s.services = orderedmap.New[string, gatt.Service]()
	s.mu.Unlock()
	return NormalizeError(s.opener.dev.RemoveAllServices())
}

// Close clears the database and fails every request still waiting.
func (s *ServerTransport) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.ClearServices()
}

// build translates a service definition into go-ble handlers.
func (s *ServerTransport) build(svc gatt.Service) (*ble.Service, error) {
	su, err := device.ToBLE(svc.UUID)
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", svc.UUID, err)
	}
	bs := ble.NewService(su)

	for _, c := range svc.Characteristics {
		cu, err := device.ToBLE(c.UUID)
		if err != nil {
			return nil, fmt.Errorf("characteristic %q: %w", c.UUID, err)
		}
		attr := gatt.CharacteristicAttr(svc.UUID, c.UUID)
		bc := bs.NewCharacteristic(cu)

		if c.Properties&gatt.PropRead != 0 {
			bc.HandleRead(s.readHandler(attr))
		}
		if c.Properties&(gatt.PropWrite|gatt.PropWriteWithoutResponse) != 0 {
			bc.HandleWrite(s.writeHandler(attr))
		}
		if c.Properties&gatt.PropNotify != 0 {
			bc.HandleNotify(s.notifyHandler(attr, false))
		}
		if c.Properties&gatt.PropIndicate != 0 {
			bc.HandleIndicate(s.notifyHandler(attr, true))
		}

		for _, d := range c.Descriptors {
			if d == device.DescriptorClientConfig {
				// go-ble manages the client configuration descriptor.
				continue
			}
			du, err := device.ToBLE(d)
			if err != nil {
				return nil, fmt.Errorf("descriptor %q: %w", d, err)
			}
			dattr := gatt.DescriptorAttr(svc.UUID, c.UUID, d)
			bd := bc.NewDescriptor(du)
			bd.HandleRead(s.readHandler(dattr))
			bd.HandleWrite(s.writeHandler(dattr))
		}
	}
	return bs, nil
}

// ----------------------------
// Requests
// ----------------------------

func (s *ServerTransport) readHandler(attr gatt.Attribute) ble.ReadHandler {
	return ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		peer := s.track(req.Conn())
		value, status := s.read(peer, attr, req.Offset())
		if !status.OK() {
			rsp.SetStatus(attError(status))
			return
		}
		if limit := rsp.Cap(); limit > 0 && len(value) > limit {
			value = value[:limit]
		}
		if _, err := rsp.Write(value); err != nil {
			s.logger.WithFields(logrus.Fields{"peer": peer, "uuid": attr.String(), "error": err}).Warn("Failed to write read response")
		}
	})
}

func (s *ServerTransport) writeHandler(attr gatt.Attribute) ble.WriteHandler {
	return ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		peer := s.track(req.Conn())
		if status := s.write(peer, attr, req.Data(), req.Offset()); !status.OK() {
			rsp.SetStatus(attError(status))
		}
	})
}

// notifyHandler runs while a peer is subscribed; go-ble cancels the
// notifier context when the peer unsubscribes or disconnects.
func (s *ServerTransport) notifyHandler(attr gatt.Attribute, indicate bool) ble.NotifyHandler {
	return ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
		peer := s.track(req.Conn())
		s.subscribe(peer, attr, indicate, n)
		<-n.Context().Done()
		s.unsubscribe(peer, attr, n)
	})
}

// read posts a read request and waits for its response.
func (s *ServerTransport) read(peer string, attr gatt.Attribute, offset int) ([]byte, device.Status) {
	id, ch := s.await()
	s.post(func(e gatt.ServerEvents) {
		e.HandleReadRequest(gatt.ReadRequest{Peer: peer, RequestID: id, Attr: attr, Offset: offset})
	})
	r := s.wait(id, ch)
	return r.value, r.status
}

// write posts a write request and waits for its response.
func (s *ServerTransport) write(peer string, attr gatt.Attribute, data []byte, offset int) device.Status {
	value := append([]byte(nil), data...)
	id, ch := s.await()
	s.post(func(e gatt.ServerEvents) {
		e.HandleWriteRequest(gatt.WriteRequest{
			Peer:           peer,
			RequestID:      id,
			Attr:           attr,
			ResponseNeeded: true,
			Offset:         offset,
			Value:          value,
		})
	})
	return s.wait(id, ch).status
}

func (s *ServerTransport) await() (int, chan response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ch := make(chan response, 1)
	s.pending[s.nextID] = ch
	return s.nextID, ch
}

func (s *ServerTransport) wait(id int, ch chan response) response {
	timer := time.NewTimer(s.opener.ResponseTimeout)
	defer timer.Stop()

	var r response
	select {
	case r = <-ch:
	case <-timer.C:
		s.logger.WithField("requestID", id).Warn("Request timed out waiting for response")
		r = response{status: device.StatusUnlikely}
	case <-s.ctx.Done():
		r = response{status: device.StatusUnlikely}
	}

	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	return r
}

// SendResponse completes the request with the given ID. Responses to
// requests that already timed out are dropped.
func (s *ServerTransport) SendResponse(peer string, requestID int, status device.Status, offset int, value []byte) error {
	s.mu.Lock()
	ch, ok := s.pending[requestID]
	s.mu.Unlock()
	if !ok {
		s.logger.WithFields(logrus.Fields{"peer": peer, "requestID": requestID}).Debug("No request waiting for response")
		return nil
	}
	ch <- response{status: status, value: append([]byte(nil), value...)}
	return nil
}

// ----------------------------
// Peers and subscriptions
// ----------------------------

// track reports a peer's first request as a connection and watches the
// link for its disconnection.
func (s *ServerTransport) track(conn ble.Conn) string {
	peer := device.NormalizeAddress(conn.RemoteAddr().String())
	if s.seen(peer) {
		mtu := conn.TxMTU()
		s.post(func(e gatt.ServerEvents) { e.HandleMtuChanged(peer, mtu) })
		dispatch.Go(s.ctx, "gatt-server-peer", func(ctx context.Context) {
			select {
			case <-conn.Disconnected():
				s.forget(peer)
			case <-ctx.Done():
			}
		})
	}
	return peer
}

// seen records peer and reports whether it is new.
func (s *ServerTransport) seen(peer string) bool {
	s.mu.Lock()
	if s.peers[peer] {
		s.mu.Unlock()
		return false
	}
	s.peers[peer] = true
	s.mu.Unlock()

	s.post(func(e gatt.ServerEvents) {
		e.HandleConnectionStateChange(peer, device.StatusSuccess, gatt.Connected)
	})
	return true
}

func (s *ServerTransport) forget(peer string) {
	s.mu.Lock()
	if !s.peers[peer] {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peer)
	for k := range s.notifiers {
		if k.peer == peer {
			delete(s.notifiers, k)
		}
	}
	s.mu.Unlock()

	s.post(func(e gatt.ServerEvents) {
		e.HandleConnectionStateChange(peer, device.StatusSuccess, gatt.Disconnected)
	})
}

// subscribe records the notifier and reports the subscription as a write of
// the client configuration descriptor.
func (s *ServerTransport) subscribe(peer string, attr gatt.Attribute, indicate bool, n ble.Notifier) {
	s.mu.Lock()
	s.notifiers[notifierKey{peer: peer, attr: attr}] = n
	s.mu.Unlock()

	value := device.EnableNotificationValue
	if indicate {
		value = device.EnableIndicationValue
	}
	s.postConfig(peer, attr, value)
}

func (s *ServerTransport) unsubscribe(peer string, attr gatt.Attribute, n ble.Notifier) {
	key := notifierKey{peer: peer, attr: attr}
	s.mu.Lock()
	if s.notifiers[key] != n {
		s.mu.Unlock()
		return
	}
	delete(s.notifiers, key)
	s.mu.Unlock()

	s.postConfig(peer, attr, device.DisableNotificationValue)
}

func (s *ServerTransport) postConfig(peer string, attr gatt.Attribute, value []byte) {
	cccd := attr.ClientConfig()
	v := append([]byte(nil), value...)
	s.post(func(e gatt.ServerEvents) {
		e.HandleWriteRequest(gatt.WriteRequest{Peer: peer, Attr: cccd, Value: v})
	})
}

// NotifyCharacteristicChanged writes value through the peer's notifier. The
// result is reported with HandleNotificationSent.
func (s *ServerTransport) NotifyCharacteristicChanged(peer string, service, characteristic string, value []byte, confirm bool) error {
	attr := gatt.CharacteristicAttr(service, characteristic)
	peer = device.NormalizeAddress(peer)

	s.mu.Lock()
	n, ok := s.notifiers[notifierKey{peer: peer, attr: attr}]
	s.mu.Unlock()
	if !ok {
		return &device.NotFoundError{Resource: "subscription", UUIDs: []string{peer, attr.String()}}
	}

	v := append([]byte(nil), value...)
	dispatch.Go(s.ctx, "gatt-server-notify", func(ctx context.Context) {
		_, err := n.Write(v)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"peer":    peer,
				"uuid":    attr.String(),
				"confirm": confirm,
				"error":   err,
			}).Warn("Failed to send notification")
		}
		status := StatusFromError(err)
		s.post(func(e gatt.ServerEvents) { e.HandleNotificationSent(peer, status) })
	})
	return nil
}
