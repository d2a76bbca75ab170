package scanner

import (
	"time"

	"github.com/srg/gattkit/internal/device"
)

// ClassicDevice is a device reported by Classic inquiry.
type ClassicDevice struct {
	Address string
	Name    string
	Class   device.DeviceClass
	RSSI    int
}

// ClassicListener receives Classic discovery events. Radios deliver them
// through the dispatch handler, never from inside a command call.
type ClassicListener interface {
	OnDiscoveryStarted()
	OnDiscoveryFinished()
	OnClassicDeviceFound(dev ClassicDevice)
}

// ClassicRadio is the Classic discovery command sink and event source.
type ClassicRadio interface {
	// Subscribe registers l for discovery events until the returned func is called.
	Subscribe(l ClassicListener) (unsubscribe func())
	StartDiscovery() error
	CancelDiscovery() error
}

// ScanMode trades discovery latency for power.
type ScanMode int

const (
	ScanModeLowPower ScanMode = iota
	ScanModeBalanced
	ScanModeLowLatency
)

func (m ScanMode) String() string {
	switch m {
	case ScanModeLowPower:
		return "low_power"
	case ScanModeBalanced:
		return "balanced"
	default:
		return "low_latency"
	}
}

// ParseScanMode parses the configuration form of a scan mode.
func ParseScanMode(s string) ScanMode {
	switch s {
	case "low_power":
		return ScanModeLowPower
	case "balanced":
		return ScanModeBalanced
	default:
		return ScanModeLowLatency
	}
}

// ScanSettings configures an LE scan. A positive ReportDelay asks the radio
// to batch results and deliver them with OnBatchScanResults.
type ScanSettings struct {
	Mode            ScanMode
	ReportDelay     time.Duration
	AllowDuplicates bool
}

// ScanResult is one LE advertisement sighting. Record is nil when the
// payload could not be parsed.
type ScanResult struct {
	Address string
	RSSI    int
	Record  *device.ScanRecord
}

// LeListener receives LE scan events through the dispatch handler.
type LeListener interface {
	OnScanResult(res ScanResult)
	OnBatchScanResults(results []ScanResult)
	OnScanFailed(code int)
}

// LeRadio is the LE scan command sink.
type LeRadio interface {
	StartScan(settings ScanSettings, l LeListener) error
	StopScan() error
	// FlushPendingScanResults delivers batched results to the listener
	// before returning.
	FlushPendingScanResults()
}
