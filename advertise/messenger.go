package advertise

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/scanner"
)

// DefaultMessageTimeout is how long a message is advertised.
const DefaultMessageTimeout = 10 * time.Second

// MessengerCallback receives message exchange events.
type MessengerCallback interface {
	OnMessageSent(msg string)
	OnMessageSendFailed(code int)
	OnMessageReceived(from, msg string)
	OnListenFailed(code int)
}

// MessengerCallbackFuncs is a MessengerCallback whose nil members are no-ops.
type MessengerCallbackFuncs struct {
	MessageSent       func(msg string)
	MessageSendFailed func(code int)
	MessageReceived   func(from, msg string)
	ListenFailed      func(code int)
}

func (f MessengerCallbackFuncs) OnMessageSent(msg string) {
	if f.MessageSent != nil {
		f.MessageSent(msg)
	}
}

func (f MessengerCallbackFuncs) OnMessageSendFailed(code int) {
	if f.MessageSendFailed != nil {
		f.MessageSendFailed(code)
	}
}

func (f MessengerCallbackFuncs) OnMessageReceived(from, msg string) {
	if f.MessageReceived != nil {
		f.MessageReceived(from, msg)
	}
}

func (f MessengerCallbackFuncs) OnListenFailed(code int) {
	if f.ListenFailed != nil {
		f.ListenFailed(code)
	}
}

type MessengerOptions struct {
	// ServiceUUID carries the message as its service data; it must be a
	// 16-bit UUID to leave room for the text.
	ServiceUUID    string
	MessageTimeout time.Duration
	TxPower        TxPower
}

// Messenger sends short text messages as non-connectable advertisements and
// listens for the ones sent by others.
type Messenger struct {
	advRadio Radio
	leRadio  scanner.LeRadio
	handler  dispatch.Handler
	callback MessengerCallback
	opts     MessengerOptions
	logger   *logrus.Logger

	mu       sync.Mutex
	sender   *Advertiser
	listener *scanner.LeScanner
}

// NewMessenger validates opts and creates an idle messenger. Either radio
// may be nil when only one direction is needed.
func NewMessenger(advRadio Radio, leRadio scanner.LeRadio, handler dispatch.Handler, cb MessengerCallback, opts MessengerOptions, logger *logrus.Logger) (*Messenger, error) {
	uuid := device.NormalizeUUID(opts.ServiceUUID)
	if len(uuid) != 4 {
		return nil, fmt.Errorf("messenger service UUID %q must be a 16-bit UUID", opts.ServiceUUID)
	}
	opts.ServiceUUID = uuid
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = DefaultMessageTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cb == nil {
		cb = MessengerCallbackFuncs{}
	}
	return &Messenger{
		advRadio: advRadio,
		leRadio:  leRadio,
		handler:  handler,
		callback: cb,
		opts:     opts,
		logger:   logger,
	}, nil
}

// MaxMessageLen is the longest message that fits one advertisement.
func MaxMessageLen() int {
	// header (2) + 16-bit UUID (2)
	return MaxLegacyPayload - 4
}

// Send advertises msg for the message timeout, replacing a message still on
// the air.
func (m *Messenger) Send(msg string) error {
	if msg == "" {
		return fmt.Errorf("message is empty")
	}
	if len(msg) > MaxMessageLen() {
		return fmt.Errorf("message is %d bytes, at most %d fit in one advertisement", len(msg), MaxMessageLen())
	}
	if m.advRadio == nil {
		return fmt.Errorf("%w: no advertising radio", device.ErrUnsupported)
	}

	settings := Settings{
		Mode:        ModeLowLatency,
		TxPower:     m.opts.TxPower,
		Connectable: false,
		Timeout:     m.opts.MessageTimeout,
	}
	data := Data{ServiceData: map[string][]byte{m.opts.ServiceUUID: []byte(msg)}}

	m.mu.Lock()
	if m.sender != nil {
		m.sender.Stop()
	}
	m.sender = New(m.advRadio, m.handler, &sendEvents{messenger: m, msg: msg}, settings, data, m.logger)
	sender := m.sender
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"uuid": m.opts.ServiceUUID,
		"size": len(msg),
	}).Debug("Sending message")
	return sender.Start()
}

// IsSending reports whether a message is on the air.
func (m *Messenger) IsSending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sender != nil && m.sender.IsAdvertising()
}

// Listen starts delivering messages carried by other devices' advertisements.
// Every advertisement is delivered, so a message repeated on the air is
// received repeatedly.
func (m *Messenger) Listen() error {
	if m.leRadio == nil {
		return fmt.Errorf("%w: no scanning radio", device.ErrUnsupported)
	}

	m.mu.Lock()
	if m.listener == nil {
		m.listener = scanner.NewLeScanner(m.leRadio, m.handler, &listenEvents{messenger: m}, scanner.Options{
			Monitor: true,
			Filter:  scanner.ServiceFilter(m.opts.ServiceUUID),
			Mode:    scanner.ScanModeLowLatency,
		}, m.logger)
	}
	listener := m.listener
	m.mu.Unlock()

	listener.StartScan()
	return nil
}

// IsListening reports whether the listener scan is active.
func (m *Messenger) IsListening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener != nil && m.listener.IsScanning()
}

// Stop ends sending and listening.
func (m *Messenger) Stop() {
	m.mu.Lock()
	sender, listener := m.sender, m.listener
	m.sender = nil
	m.mu.Unlock()

	if sender != nil {
		sender.Stop()
	}
	if listener != nil {
		listener.StopScan()
	}
}

type sendEvents struct {
	messenger *Messenger
	msg       string
}

func (e *sendEvents) OnAdvertisingStarted() {
	e.messenger.callback.OnMessageSent(e.msg)
}

func (e *sendEvents) OnAdvertisingStopped() {
	e.messenger.logger.Debug("Message advertisement expired")
}

func (e *sendEvents) OnAdvertisingFailed(code int) {
	e.messenger.logger.WithField("code", code).Error("Failed to send message")
	e.messenger.callback.OnMessageSendFailed(code)
}

type listenEvents struct {
	messenger *Messenger
}

func (e *listenEvents) OnDeviceFound(rec *device.DeviceRecord) {
	m := e.messenger
	payload := rec.ScanRecord.ServiceDataFor(m.opts.ServiceUUID)
	if len(payload) == 0 {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"peer": rec.Address,
		"size": len(payload),
	}).Debug("Message received")
	m.callback.OnMessageReceived(rec.Address, string(payload))
}

func (e *listenEvents) OnScanComplete(device.Technology) {}

func (e *listenEvents) OnScanFailed(_ device.Technology, code int) {
	e.messenger.logger.WithField("code", code).Error("Message listener failed")
	e.messenger.callback.OnListenFailed(code)
}
