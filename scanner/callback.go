package scanner

import "github.com/srg/gattkit/internal/device"

// ResultCallback receives discovery results. Methods are invoked on the
// dispatch handler with no scanner lock held.
type ResultCallback interface {
	OnDeviceFound(rec *device.DeviceRecord)
	OnScanComplete(tech device.Technology)
	OnScanFailed(tech device.Technology, code int)
}

// ResultCallbackFuncs is a ResultCallback whose nil members are no-ops.
type ResultCallbackFuncs struct {
	DeviceFound  func(rec *device.DeviceRecord)
	ScanComplete func(tech device.Technology)
	ScanFailed   func(tech device.Technology, code int)
}

func (f ResultCallbackFuncs) OnDeviceFound(rec *device.DeviceRecord) {
	if f.DeviceFound != nil {
		f.DeviceFound(rec)
	}
}

func (f ResultCallbackFuncs) OnScanComplete(tech device.Technology) {
	if f.ScanComplete != nil {
		f.ScanComplete(tech)
	}
}

func (f ResultCallbackFuncs) OnScanFailed(tech device.Technology, code int) {
	if f.ScanFailed != nil {
		f.ScanFailed(tech, code)
	}
}
