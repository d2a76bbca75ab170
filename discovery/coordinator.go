// Package discovery runs Classic and LE scans together and presents them to
// the application as one discovery run.
package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/adapter"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/scanner"
)

// Radios are the command sinks the coordinator drives. Classic may be nil.
type Radios struct {
	Classic scanner.ClassicRadio
	LE      scanner.LeRadio
}

type Options struct {
	ClassicEnabled bool
	ClassicTimeout time.Duration
	LeTimeout      time.Duration
	Filter         scanner.Filter
	Mode           scanner.ScanMode
	ReportDelay    time.Duration
}

// Coordinator aggregates a Classic and an LE scanner. Devices are reported
// once per (technology, address) per run; completion is reported once, after
// every scanner has gone idle.
type Coordinator struct {
	handler  dispatch.Handler
	callback scanner.ResultCallback
	logger   *logrus.Logger

	le      *scanner.LeScanner
	classic *scanner.ClassicScanner

	mu      sync.Mutex
	seen    map[device.Technology]*hashmap.Map[string, *device.DeviceRecord]
	running bool
	monitor *adapter.Monitor
	detach  func()
}

var _ scanner.ResultCallback = (*Coordinator)(nil)

func New(radios Radios, handler dispatch.Handler, cb scanner.ResultCallback, opts Options, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if cb == nil {
		cb = scanner.ResultCallbackFuncs{}
	}

	c := &Coordinator{
		handler:  handler,
		callback: cb,
		logger:   logger,
	}
	c.resetSeen()

	c.le = scanner.NewLeScanner(radios.LE, handler, c, scanner.Options{
		Timeout:     opts.LeTimeout,
		Filter:      opts.Filter,
		Mode:        opts.Mode,
		ReportDelay: opts.ReportDelay,
	}, logger)

	if opts.ClassicEnabled && radios.Classic != nil {
		c.classic = scanner.NewClassicScanner(radios.Classic, handler, c, scanner.Options{
			Timeout: opts.ClassicTimeout,
			Filter:  opts.Filter,
		}, logger)
	}
	return c
}

func (c *Coordinator) resetSeen() {
	c.seen = map[device.Technology]*hashmap.Map[string, *device.DeviceRecord]{
		device.Classic: hashmap.New[string, *device.DeviceRecord](),
		device.LE:      hashmap.New[string, *device.DeviceRecord](),
	}
}

func (c *Coordinator) scanners() []scanner.Scanner {
	if c.classic == nil {
		return []scanner.Scanner{c.le}
	}
	return []scanner.Scanner{c.classic, c.le}
}

// Start begins a run on every enabled scanner. It is a no-op while a run is
// in progress.
func (c *Coordinator) Start() {
	if c.IsScanning() {
		c.logger.Debug("Discovery already running")
		return
	}

	c.mu.Lock()
	if c.monitor != nil && !c.monitor.Enabled() {
		c.mu.Unlock()
		c.logger.Warn("Bluetooth adapter is off, discovery not started")
		for _, s := range c.scanners() {
			tech := s.Type()
			c.handler.Post(func() { c.callback.OnScanFailed(tech, device.ScanFailedAdapterNotReady) })
		}
		return
	}
	c.resetSeen()
	c.running = true
	c.mu.Unlock()

	c.logger.WithField("classic", c.classic != nil).Info("Starting discovery")
	for _, s := range c.scanners() {
		s.StartScan()
	}
}

// Stop halts every scanner without reporting completion.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	for _, s := range c.scanners() {
		s.StopScan()
	}
}

// IsScanning reports whether any scanner is active.
func (c *Coordinator) IsScanning() bool {
	for _, s := range c.scanners() {
		if s.IsScanning() {
			return true
		}
	}
	return false
}

// Devices returns every device reported in the current run, Classic first,
// each group ordered by address.
func (c *Coordinator) Devices() []*device.DeviceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*device.DeviceRecord
	for _, tech := range []device.Technology{device.Classic, device.LE} {
		group := make([]*device.DeviceRecord, 0, c.seen[tech].Len())
		c.seen[tech].Range(func(_ string, rec *device.DeviceRecord) bool {
			group = append(group, rec)
			return true
		})
		sort.Slice(group, func(i, j int) bool { return group[i].Address < group[j].Address })
		out = append(out, group...)
	}
	return out
}

// AttachAdapter stops the run and reports ScanFailedAdapterNotReady for each
// running scanner when the adapter turns off.
func (c *Coordinator) AttachAdapter(m *adapter.Monitor) {
	c.Detach()

	remove := m.AddListener(adapter.StateListenerFuncs{
		BluetoothEnabled: func(enabled bool) {
			if !enabled {
				c.handler.Post(c.adapterOff)
			}
		},
	})

	c.mu.Lock()
	c.monitor = m
	c.detach = remove
	c.mu.Unlock()
}

// Detach removes the adapter listener installed by AttachAdapter.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	remove := c.detach
	c.detach = nil
	c.monitor = nil
	c.mu.Unlock()

	if remove != nil {
		remove()
	}
}

func (c *Coordinator) adapterOff() {
	var stopped []device.Technology
	for _, s := range c.scanners() {
		if s.IsScanning() {
			s.StopScan()
			stopped = append(stopped, s.Type())
		}
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	for _, tech := range stopped {
		c.logger.WithField("technology", tech).Warn("Adapter turned off during discovery")
		c.callback.OnScanFailed(tech, device.ScanFailedAdapterNotReady)
	}
}

// OnDeviceFound implements scanner.ResultCallback.
func (c *Coordinator) OnDeviceFound(rec *device.DeviceRecord) {
	c.mu.Lock()
	seen := c.seen[rec.Technology]
	c.mu.Unlock()
	if seen == nil {
		return
	}

	if _, loaded := seen.GetOrInsert(device.NormalizeAddress(rec.Address), rec); loaded {
		return
	}
	c.callback.OnDeviceFound(rec)
}

// OnScanComplete implements scanner.ResultCallback.
func (c *Coordinator) OnScanComplete(tech device.Technology) {
	if c.IsScanning() {
		c.logger.WithField("technology", tech).Debug("Scanner finished, waiting for the others")
		return
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.logger.WithField("last", tech).Info("Discovery completed")
	c.callback.OnScanComplete(tech)
}

// OnScanFailed implements scanner.ResultCallback.
func (c *Coordinator) OnScanFailed(tech device.Technology, code int) {
	c.callback.OnScanFailed(tech, code)
}
