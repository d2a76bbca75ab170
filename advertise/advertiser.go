// Package advertise runs LE advertising and exchanges short messages over
// advertised service data.
package advertise

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/adapter"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
)

// MaxLegacyPayload is the size of a legacy advertising PDU payload.
const MaxLegacyPayload = 31

type Mode int

const (
	ModeLowPower Mode = iota
	ModeBalanced
	ModeLowLatency
)

func (m Mode) String() string {
	switch m {
	case ModeBalanced:
		return "balanced"
	case ModeLowLatency:
		return "low_latency"
	default:
		return "low_power"
	}
}

// Interval returns the nominal advertising interval of the mode.
func (m Mode) Interval() time.Duration {
	switch m {
	case ModeBalanced:
		return 250 * time.Millisecond
	case ModeLowLatency:
		return 100 * time.Millisecond
	default:
		return time.Second
	}
}

// ParseMode parses a mode name as written in configuration.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "low_power":
		return ModeLowPower, nil
	case "balanced":
		return ModeBalanced, nil
	case "low_latency":
		return ModeLowLatency, nil
	}
	return 0, fmt.Errorf("unknown advertise mode %q", s)
}

type TxPower int

const (
	TxPowerUltraLow TxPower = iota
	TxPowerLow
	TxPowerMedium
	TxPowerHigh
)

// DBm returns the nominal output power of the level.
func (p TxPower) DBm() int {
	switch p {
	case TxPowerLow:
		return -15
	case TxPowerMedium:
		return -7
	case TxPowerHigh:
		return 1
	default:
		return -21
	}
}

func ParseTxPower(s string) (TxPower, error) {
	switch s {
	case "ultra_low":
		return TxPowerUltraLow, nil
	case "low":
		return TxPowerLow, nil
	case "", "medium":
		return TxPowerMedium, nil
	case "high":
		return TxPowerHigh, nil
	}
	return 0, fmt.Errorf("unknown tx power %q", s)
}

// Settings controls how the radio advertises. A zero Timeout advertises
// until stopped.
type Settings struct {
	Mode        Mode
	TxPower     TxPower
	Connectable bool
	Timeout     time.Duration
}

// Data is the advertised payload.
type Data struct {
	LocalName         string
	IncludeDeviceName bool
	IncludeTxPower    bool
	ServiceUUIDs      []string
	ServiceData       map[string][]byte
	ManufacturerData  map[uint16][]byte
}

// Normalize validates the UUIDs and returns a copy with canonical keys.
func (d Data) Normalize() (Data, error) {
	out := d
	out.ServiceUUIDs = nil
	for _, u := range d.ServiceUUIDs {
		n := device.NormalizeUUID(u)
		if n == "" {
			return Data{}, fmt.Errorf("invalid service UUID %q", u)
		}
		out.ServiceUUIDs = append(out.ServiceUUIDs, n)
	}
	if len(d.ServiceData) > 0 {
		out.ServiceData = make(map[string][]byte, len(d.ServiceData))
		for u, v := range d.ServiceData {
			n := device.NormalizeUUID(u)
			if n == "" {
				return Data{}, fmt.Errorf("invalid service data UUID %q", u)
			}
			out.ServiceData[n] = v
		}
	}
	return out, nil
}

// ServiceDataUUIDs returns the service data keys in sorted order.
func (d Data) ServiceDataUUIDs() []string {
	keys := make([]string, 0, len(d.ServiceData))
	for k := range d.ServiceData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PayloadSize returns the encoded size of the advertising data, flags
// included. UUIDs must be normalized.
func (d Data) PayloadSize(connectable bool) int {
	size := 0
	if connectable {
		size += 3 // flags
	}
	if d.IncludeDeviceName && d.LocalName != "" {
		size += 2 + len(d.LocalName)
	}
	if d.IncludeTxPower {
		size += 3
	}

	var n16, n128 int
	for _, u := range d.ServiceUUIDs {
		if len(u) == 4 {
			n16++
		} else {
			n128++
		}
	}
	if n16 > 0 {
		size += 2 + 2*n16
	}
	if n128 > 0 {
		size += 2 + 16*n128
	}

	for u, v := range d.ServiceData {
		size += 2 + len(v)
		if len(u) == 4 {
			size += 2
		} else {
			size += 16
		}
	}
	for _, v := range d.ManufacturerData {
		size += 2 + 2 + len(v)
	}
	return size
}

// Listener receives the outcome of StartAdvertising.
type Listener interface {
	OnStartSuccess()
	OnStartFailure(code int)
}

// Radio is the advertising command sink. StartAdvertising returns an error
// when the stack rejects the request outright; otherwise the outcome is
// posted to the listener.
type Radio interface {
	StartAdvertising(settings Settings, data Data, l Listener) error
	StopAdvertising() error
}

// Callback receives advertiser state changes.
type Callback interface {
	OnAdvertisingStarted()
	OnAdvertisingStopped()
	OnAdvertisingFailed(code int)
}

// CallbackFuncs is a Callback whose nil members are no-ops.
type CallbackFuncs struct {
	Started func()
	Stopped func()
	Failed  func(code int)
}

func (f CallbackFuncs) OnAdvertisingStarted() {
	if f.Started != nil {
		f.Started()
	}
}

func (f CallbackFuncs) OnAdvertisingStopped() {
	if f.Stopped != nil {
		f.Stopped()
	}
}

func (f CallbackFuncs) OnAdvertisingFailed(code int) {
	if f.Failed != nil {
		f.Failed(code)
	}
}

type state int

const (
	idle state = iota
	starting
	advertising
)

// Advertiser runs one advertising set.
type Advertiser struct {
	radio    Radio
	handler  dispatch.Handler
	callback Callback
	settings Settings
	data     Data
	logger   *logrus.Logger

	mu            sync.Mutex
	state         state
	generation    uint64
	cancelTimeout dispatch.Cancel
	monitor       *adapter.Monitor
	detach        func()
}

func New(radio Radio, handler dispatch.Handler, cb Callback, settings Settings, data Data, logger *logrus.Logger) *Advertiser {
	if logger == nil {
		logger = logrus.New()
	}
	if cb == nil {
		cb = CallbackFuncs{}
	}
	return &Advertiser{
		radio:    radio,
		handler:  handler,
		callback: cb,
		settings: settings,
		data:     data,
		logger:   logger,
	}
}

// IsAdvertising reports whether the radio confirmed advertising.
func (a *Advertiser) IsAdvertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == advertising
}

// Start begins advertising. It is a no-op while advertising or starting.
// Malformed data is returned as an error; stack rejections are reported
// through OnAdvertisingFailed.
func (a *Advertiser) Start() error {
	data, err := a.data.Normalize()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != idle {
		a.logger.Debug("Advertising already running")
		return nil
	}
	if a.monitor != nil && !a.monitor.Enabled() {
		a.postFailure(device.AdvertiseFailedAdapterNotReady)
		return nil
	}
	if size := data.PayloadSize(a.settings.Connectable); size > MaxLegacyPayload {
		a.logger.WithField("size", size).Warn("Advertising data too large")
		a.postFailure(device.AdvertiseFailedDataTooLarge)
		return nil
	}

	a.generation++
	a.state = starting
	l := &advertiseEvents{advertiser: a, generation: a.generation}
	if err := a.radio.StartAdvertising(a.settings, data, l); err != nil {
		a.state = idle
		a.logger.WithError(err).Error("Advertising start rejected")
		a.postFailure(device.AdvertiseFailureCode(err))
		return nil
	}

	a.logger.WithFields(logrus.Fields{
		"mode":        a.settings.Mode,
		"connectable": a.settings.Connectable,
		"timeout":     a.settings.Timeout,
	}).Debug("Advertising requested")
	return nil
}

func (a *Advertiser) postFailure(code int) {
	a.handler.Post(func() { a.callback.OnAdvertisingFailed(code) })
}

// Stop ends advertising without reporting OnAdvertisingStopped.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

func (a *Advertiser) stopLocked() bool {
	if a.state == idle {
		return false
	}
	a.state = idle
	a.generation++
	if a.cancelTimeout != nil {
		a.cancelTimeout()
		a.cancelTimeout = nil
	}
	if err := a.radio.StopAdvertising(); err != nil {
		a.logger.WithError(err).Warn("Failed to stop advertising")
	}
	return true
}

// AttachAdapter ends advertising with AdvertiseFailedAdapterNotReady when the
// adapter turns off, and refuses to start while it is off.
func (a *Advertiser) AttachAdapter(m *adapter.Monitor) {
	remove := m.AddListener(adapter.StateListenerFuncs{
		BluetoothEnabled: func(enabled bool) {
			if !enabled {
				a.handler.Post(a.adapterOff)
			}
		},
	})

	a.mu.Lock()
	old := a.detach
	a.monitor = m
	a.detach = remove
	a.mu.Unlock()

	if old != nil {
		old()
	}
}

func (a *Advertiser) adapterOff() {
	a.mu.Lock()
	stopped := a.stopLocked()
	a.mu.Unlock()

	if stopped {
		a.logger.Warn("Adapter turned off while advertising")
		a.callback.OnAdvertisingFailed(device.AdvertiseFailedAdapterNotReady)
	}
}

func (a *Advertiser) started(generation uint64) {
	a.mu.Lock()
	if a.generation != generation || a.state != starting {
		a.mu.Unlock()
		return
	}
	a.state = advertising
	if a.settings.Timeout > 0 {
		a.cancelTimeout = a.handler.PostDelayed(a.settings.Timeout, func() { a.timedOut(generation) })
	}
	a.mu.Unlock()

	a.logger.Info("Advertising started")
	a.callback.OnAdvertisingStarted()
}

func (a *Advertiser) failed(generation uint64, code int) {
	a.mu.Lock()
	if a.generation != generation || a.state == idle {
		a.mu.Unlock()
		return
	}
	a.state = idle
	a.mu.Unlock()

	a.logger.WithField("code", code).Error("Advertising failed")
	a.callback.OnAdvertisingFailed(code)
}

func (a *Advertiser) timedOut(generation uint64) {
	a.mu.Lock()
	if a.generation != generation {
		a.mu.Unlock()
		return
	}
	a.cancelTimeout = nil
	stopped := a.stopLocked()
	a.mu.Unlock()

	if stopped {
		a.logger.WithField("timeout", a.settings.Timeout).Debug("Advertising timed out")
		a.callback.OnAdvertisingStopped()
	}
}

type advertiseEvents struct {
	advertiser *Advertiser
	generation uint64
}

func (e *advertiseEvents) OnStartSuccess() {
	e.advertiser.started(e.generation)
}

func (e *advertiseEvents) OnStartFailure(code int) {
	e.advertiser.failed(e.generation, code)
}
