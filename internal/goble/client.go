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
)

// commandQueueSize bounds the commands waiting for the radio per connection.
const commandQueueSize = 32

// GattClient is the part of ble.Client a Transport drives.
type GattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// DialFunc connects to the peer at address.
type DialFunc func(ctx context.Context, address string) (GattClient, error)

// CentralDial adapts a go-ble central to a DialFunc.
func CentralDial(c Central) DialFunc {
	return func(ctx context.Context, address string) (GattClient, error) {
		cl, err := c.Dial(ctx, ble.NewAddr(address))
		if err != nil {
			return nil, err
		}
		return cl, nil
	}
}

// Dialer implements gatt.Dialer.
type Dialer struct {
	dial    DialFunc
	handler dispatch.Handler
	logger  *logrus.Logger

	// Timeout bounds each connection attempt.
	Timeout time.Duration
}

var _ gatt.Dialer = (*Dialer)(nil)

func NewDialer(dial DialFunc, handler dispatch.Handler, logger *logrus.Logger) *Dialer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dialer{dial: dial, handler: handler, logger: logger, Timeout: DefaultDialTimeout}
}

// Dial returns a transport that starts connecting in the background.
func (d *Dialer) Dial(address string, events gatt.ClientEvents) (gatt.Transport, error) {
	if d.dial == nil {
		return nil, fmt.Errorf("%w: no central", device.ErrNotReady)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		dialer:   d,
		address:  device.NormalizeAddress(address),
		events:   events,
		logger:   d.logger,
		ctx:      ctx,
		cancel:   cancel,
		commands: make(chan func(), commandQueueSize),
	}
	dispatch.Go(ctx, "gatt-client-"+t.address, t.work)

	if err := t.Connect(); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// ----------------------------
// Transport
// ----------------------------

// Transport is one go-ble client connection. Commands run in order on a
// per-connection worker and their outcomes are posted to the handler.
type Transport struct {
	dialer  *Dialer
	address string
	events  gatt.ClientEvents
	logger  *logrus.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	commands chan func()

	mu         sync.Mutex
	client     GattClient
	connecting bool
	closed     bool
	services   []gatt.Service
	chars      map[gatt.Attribute]*ble.Characteristic
	descs      map[gatt.Attribute]*ble.Descriptor
	notifying  map[gatt.Attribute]bool
	subscribed map[gatt.Attribute]bool // value: indicate
	inReliable bool
	// reliable holds one entry per queued write, in call order.
	reliable []gatt.PendingWrite
}

var _ gatt.Transport = (*Transport)(nil)

func (t *Transport) Address() string {
	return t.address
}

func (t *Transport) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-t.commands:
			cmd()
		}
	}
}

// enqueue hands cmd to the worker. It fails when the transport is closed or
// the queue is full.
func (t *Transport) enqueue(op string, cmd func()) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("%s: %w", op, device.ErrNotReady)
	}

	select {
	case t.commands <- cmd:
		return nil
	default:
		return device.NewStackError(op, device.LE, int(device.StatusFailure), fmt.Errorf("command queue full"))
	}
}

func (t *Transport) post(fn func(e gatt.ClientEvents)) {
	t.dialer.handler.Post(func() { fn(t.events) })
}

func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.client != nil || t.connecting {
		t.mu.Unlock()
		return nil
	}
	t.connecting = true
	t.mu.Unlock()

	err := t.enqueue("connect", t.connect)
	if err != nil {
		t.mu.Lock()
		t.connecting = false
		t.mu.Unlock()
	}
	return err
}

func (t *Transport) connect() {
	t.post(func(e gatt.ClientEvents) {
		e.HandleConnectionStateChange(t.address, device.StatusSuccess, gatt.Connecting)
	})

	ctx, cancel := context.WithTimeout(t.ctx, t.dialer.Timeout)
	defer cancel()

	t.logger.WithField("address", t.address).Debug("Dialing BLE device...")
	client, err := t.dialer.dial(ctx, t.address)

	t.mu.Lock()
	t.connecting = false
	if err == nil && t.closed {
		t.mu.Unlock()
		_ = client.CancelConnection()
		return
	}
	if err != nil {
		t.mu.Unlock()
		err = NormalizeError(err)
		t.logger.WithFields(logrus.Fields{
			"address": t.address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		t.post(func(e gatt.ClientEvents) {
			e.HandleConnectionStateChange(t.address, StatusFromError(err), gatt.Disconnected)
		})
		return
	}
	t.client = client
	t.mu.Unlock()

	dispatch.Go(t.ctx, "gatt-disconnect-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			t.lost(client)
		case <-ctx.Done():
		}
	})

	t.logger.WithField("address", t.address).Info("BLE device connected")
	t.post(func(e gatt.ClientEvents) {
		e.HandleConnectionStateChange(t.address, device.StatusSuccess, gatt.Connected)
	})
}

// lost reports the disconnection of client once.
func (t *Transport) lost(client GattClient) {
	t.mu.Lock()
	if t.client != client {
		t.mu.Unlock()
		return
	}
	t.client = nil
	t.subscribed = nil
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return
	}
	t.logger.WithField("address", t.address).Info("BLE device disconnected")
	t.post(func(e gatt.ClientEvents) {
		e.HandleConnectionStateChange(t.address, device.StatusSuccess, gatt.Disconnected)
	})
}

func (t *Transport) Disconnect() error {
	client := t.current()
	if client == nil {
		return nil
	}
	return t.enqueue("disconnect", func() {
		if err := client.CancelConnection(); err != nil {
			t.logger.WithError(NormalizeError(err)).Warn("BLE device disconnected with errors")
		}
		t.lost(client)
	})
}

// Close cancels the connection and stops the worker. Later events are not
// reported.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	client := t.client
	t.client = nil
	t.mu.Unlock()

	t.cancel()
	if client != nil {
		return NormalizeError(client.CancelConnection())
	}
	return nil
}

func (t *Transport) current() GattClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// connected returns the live client or a not-connected error for op.
func (t *Transport) connected(op string) (GattClient, error) {
	if c := t.current(); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%s: %w", op, device.ErrNotConnected)
}

// ----------------------------
// Discovery
// ----------------------------

func (t *Transport) DiscoverServices() error {
	client, err := t.connected("discover services")
	if err != nil {
		return err
	}
	return t.enqueue("discover services", func() {
		profile, err := client.DiscoverProfile(true)
		if err == nil {
			t.index(profile)
		} else {
			t.logger.WithFields(logrus.Fields{
				"address": t.address,
				"error":   err,
			}).Error("Failed to discover profile")
		}
		status := StatusFromError(err)
		t.post(func(e gatt.ClientEvents) { e.HandleServicesDiscovered(t.address, status) })
	})
}

// index rebuilds the attribute lookup tables from a discovered profile.
func (t *Transport) index(profile *ble.Profile) {
	chars := make(map[gatt.Attribute]*ble.Characteristic)
	descs := make(map[gatt.Attribute]*ble.Descriptor)
	var services []gatt.Service

	for _, s := range profile.Services {
		svc := gatt.Service{UUID: device.NormalizeUUID(s.UUID.String())}
		for _, c := range s.Characteristics {
			attr := gatt.CharacteristicAttr(svc.UUID, c.UUID.String())
			chars[attr] = c
			char := gatt.Characteristic{UUID: attr.Characteristic, Properties: gatt.Property(c.Property) & 0x3f}
			for _, d := range c.Descriptors {
				dattr := gatt.DescriptorAttr(svc.UUID, attr.Characteristic, d.UUID.String())
				descs[dattr] = d
				char.Descriptors = append(char.Descriptors, dattr.Descriptor)
			}
			svc.Characteristics = append(svc.Characteristics, char)
		}
		services = append(services, svc)
	}
	gatt.SortServices(services)

	t.mu.Lock()
	t.services = services
	t.chars = chars
	t.descs = descs
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"address":         t.address,
		"services":        len(services),
		"characteristics": len(chars),
	}).Debug("Profile discovered successfully")
}

func (t *Transport) Services() []gatt.Service {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]gatt.Service(nil), t.services...)
}

func (t *Transport) characteristic(attr gatt.Attribute) (*ble.Characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chars[gatt.CharacteristicAttr(attr.Service, attr.Characteristic)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{attr.Service, attr.Characteristic}}
	}
	return c, nil
}

func (t *Transport) descriptor(attr gatt.Attribute) (*ble.Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.descs[attr]
	if !ok {
		return nil, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{attr.Characteristic, attr.Descriptor}}
	}
	return d, nil
}

// ----------------------------
// Characteristic and descriptor commands
// ----------------------------

func (t *Transport) ReadCharacteristic(attr gatt.Attribute) error {
	client, err := t.connected("read characteristic")
	if err != nil {
		return err
	}
	c, err := t.characteristic(attr)
	if err != nil {
		return err
	}
	return t.enqueue("read characteristic", func() {
		value, err := client.ReadCharacteristic(c)
		status := StatusFromError(err)
		t.post(func(e gatt.ClientEvents) { e.HandleCharacteristicRead(t.address, attr, value, status) })
	})
}

func (t *Transport) WriteCharacteristic(attr gatt.Attribute, data []byte) error {
	client, err := t.connected("write characteristic")
	if err != nil {
		return err
	}
	c, err := t.characteristic(attr)
	if err != nil {
		return err
	}
	value := append([]byte(nil), data...)

	t.mu.Lock()
	if t.inReliable {
		t.reliable = append(t.reliable, gatt.PendingWrite{Attr: attr, Value: value})
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	noRsp := c.Property&ble.CharWrite == 0 && c.Property&ble.CharWriteNR != 0
	return t.enqueue("write characteristic", func() {
		err := client.WriteCharacteristic(c, value, noRsp)
		status := StatusFromError(err)
		t.post(func(e gatt.ClientEvents) { e.HandleCharacteristicWrite(t.address, attr, status) })
	})
}

func (t *Transport) ReadDescriptor(attr gatt.Attribute) error {
	client, err := t.connected("read descriptor")
	if err != nil {
		return err
	}
	d, err := t.descriptor(attr)
	if err != nil {
		return err
	}
	return t.enqueue("read descriptor", func() {
		value, err := client.ReadDescriptor(d)
		status := StatusFromError(err)
		t.post(func(e gatt.ClientEvents) { e.HandleDescriptorRead(t.address, attr, value, status) })
	})
}

// WriteDescriptor writes a descriptor. A write to the client configuration
// descriptor of a characteristic registered with
// SetCharacteristicNotification is carried out as a go-ble subscription,
// which writes the descriptor itself.
func (t *Transport) WriteDescriptor(attr gatt.Attribute, data []byte) error {
	client, err := t.connected("write descriptor")
	if err != nil {
		return err
	}
	value := append([]byte(nil), data...)

	if attr.Descriptor == device.DescriptorClientConfig {
		char := gatt.CharacteristicAttr(attr.Service, attr.Characteristic)
		t.mu.Lock()
		registered := t.notifying[char]
		t.mu.Unlock()
		if registered || device.IsDisableSentinel(value) {
			return t.writeClientConfig(client, attr, value)
		}
	}

	d, err := t.descriptor(attr)
	if err != nil {
		return err
	}
	return t.enqueue("write descriptor", func() {
		err := client.WriteDescriptor(d, value)
		status := StatusFromError(err)
		t.post(func(e gatt.ClientEvents) { e.HandleDescriptorWrite(t.address, attr, status) })
	})
}

func (t *Transport) writeClientConfig(client GattClient, attr gatt.Attribute, value []byte) error {
	char := gatt.CharacteristicAttr(attr.Service, attr.Characteristic)
	c, err := t.characteristic(char)
	if err != nil {
		return err
	}
	cfg, err := device.ParseClientConfig(value)
	if err != nil {
		return err
	}

	return t.enqueue("write descriptor", func() {
		t.mu.Lock()
		indicate, active := t.subscribed[char]
		t.mu.Unlock()

		var err error
		switch {
		case cfg.Enabled():
			if active {
				_ = client.Unsubscribe(c, indicate)
			}
			indicate = cfg.Indications && !cfg.Notifications
			err = client.Subscribe(c, indicate, func(data []byte) {
				v := append([]byte(nil), data...)
				t.post(func(e gatt.ClientEvents) { e.HandleCharacteristicChanged(t.address, char, v) })
			})
			if err == nil {
				t.mu.Lock()
				if t.subscribed == nil {
					t.subscribed = make(map[gatt.Attribute]bool)
				}
				t.subscribed[char] = indicate
				t.mu.Unlock()
			}
		case active:
			err = client.Unsubscribe(c, indicate)
			t.mu.Lock()
			delete(t.subscribed, char)
			t.mu.Unlock()
		}

		if err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": t.address,
				"attr":    char.String(),
				"error":   err,
			}).Error("Failed to change characteristic subscription")
		}
		status := StatusFromError(err)
		t.post(func(e gatt.ClientEvents) { e.HandleDescriptorWrite(t.address, attr, status) })
	})
}

// SetCharacteristicNotification registers local interest in value changes.
// Nothing is sent to the peer until the client configuration is written.
func (t *Transport) SetCharacteristicNotification(attr gatt.Attribute, enabled bool) error {
	if _, err := t.connected("set notification"); err != nil {
		return err
	}
	c, err := t.characteristic(attr)
	if err != nil {
		return err
	}
	if enabled && c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s: %w: no notify or indicate property", attr, device.ErrUnsupported)
	}

	char := gatt.CharacteristicAttr(attr.Service, attr.Characteristic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.notifying == nil {
		t.notifying = make(map[gatt.Attribute]bool)
	}
	if enabled {
		t.notifying[char] = true
	} else {
		delete(t.notifying, char)
	}
	return nil
}

// ----------------------------
// Reliable write
// ----------------------------

// go-ble has no prepared-write API: queued writes are buffered here and
// written in call order on execute. Before its first write each readable
// target is read back; when a write fails, the targets already touched are
// restored in reverse order.

func (t *Transport) BeginReliableWrite() error {
	if _, err := t.connected("begin reliable write"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inReliable {
		return device.ErrTransactionActive
	}
	t.inReliable = true
	t.reliable = nil
	return nil
}

func (t *Transport) ExecuteReliableWrite() error {
	client, err := t.connected("execute reliable write")
	if err != nil {
		return err
	}

	t.mu.Lock()
	if !t.inReliable {
		t.mu.Unlock()
		return fmt.Errorf("execute reliable write: no transaction")
	}
	t.inReliable = false
	pending := t.reliable
	t.reliable = nil
	t.mu.Unlock()

	return t.enqueue("execute reliable write", func() {
		status := StatusFromError(t.executeReliable(client, pending))
		t.post(func(e gatt.ClientEvents) { e.HandleReliableWriteCompleted(t.address, status) })
	})
}

type savedValue struct {
	attr  gatt.Attribute
	char  *ble.Characteristic
	value []byte
}

func (t *Transport) executeReliable(client GattClient, pending []gatt.PendingWrite) error {
	var saved []savedValue
	seen := make(map[gatt.Attribute]bool, len(pending))

	for _, w := range pending {
		c, err := t.characteristic(w.Attr)
		if err != nil {
			t.rollback(client, saved)
			return err
		}
		if !seen[w.Attr] {
			seen[w.Attr] = true
			if c.Property&ble.CharRead != 0 {
				prev, err := client.ReadCharacteristic(c)
				if err != nil {
					t.logger.WithFields(logrus.Fields{
						"address": t.address,
						"attr":    w.Attr.String(),
						"error":   err,
					}).Error("Reliable write aborted, current value unreadable")
					t.rollback(client, saved)
					return err
				}
				saved = append(saved, savedValue{attr: w.Attr, char: c, value: prev})
			} else {
				t.logger.WithFields(logrus.Fields{
					"address": t.address,
					"attr":    w.Attr.String(),
				}).Debug("Reliable write target is not readable and cannot be restored")
			}
		}

		if err := client.WriteCharacteristic(c, w.Value, false); err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": t.address,
				"attr":    w.Attr.String(),
				"error":   err,
			}).Error("Reliable write failed, rolling back")
			t.rollback(client, saved)
			return err
		}
	}
	return nil
}

func (t *Transport) rollback(client GattClient, saved []savedValue) {
	for i := len(saved) - 1; i >= 0; i-- {
		sv := saved[i]
		if err := client.WriteCharacteristic(sv.char, sv.value, false); err != nil {
			t.logger.WithFields(logrus.Fields{
				"address": t.address,
				"attr":    sv.attr.String(),
				"error":   err,
			}).Error("Failed to restore value after reliable write failure")
		}
	}
}

func (t *Transport) AbortReliableWrite() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inReliable = false
	t.reliable = nil
}
