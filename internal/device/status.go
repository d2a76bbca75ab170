package device

import (
	"errors"
	"fmt"
)

// Status is a GATT operation status. Values below 0x100 are ATT error codes.
type Status int

const (
	StatusSuccess              Status = 0x00
	StatusInvalidHandle        Status = 0x01
	StatusReadNotPermitted     Status = 0x02
	StatusWriteNotPermitted    Status = 0x03
	StatusInvalidPDU           Status = 0x04
	StatusInsufficientAuth     Status = 0x05
	StatusRequestNotSupported  Status = 0x06
	StatusInvalidOffset        Status = 0x07
	StatusPrepareQueueFull     Status = 0x09
	StatusAttributeNotFound    Status = 0x0A
	StatusInvalidAttributeSize Status = 0x0D
	StatusUnlikely             Status = 0x0E
	StatusFailure              Status = 0x101
)

var statusNames = map[Status]string{
	StatusSuccess:              "success",
	StatusInvalidHandle:        "invalid handle",
	StatusReadNotPermitted:     "read not permitted",
	StatusWriteNotPermitted:    "write not permitted",
	StatusInvalidPDU:           "invalid pdu",
	StatusInsufficientAuth:     "insufficient authentication",
	StatusRequestNotSupported:  "request not supported",
	StatusInvalidOffset:        "invalid offset",
	StatusPrepareQueueFull:     "prepare queue full",
	StatusAttributeNotFound:    "attribute not found",
	StatusInvalidAttributeSize: "invalid attribute value length",
	StatusUnlikely:             "unlikely error",
	StatusFailure:              "failure",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status 0x%02x", int(s))
}

// OK reports whether s is StatusSuccess.
func (s Status) OK() bool { return s == StatusSuccess }

// Scan failure codes delivered with OnScanFailed.
const (
	ScanFailedAlreadyStarted                = 1
	ScanFailedApplicationRegistrationFailed = 2
	ScanFailedInternalError                 = 3
	ScanFailedFeatureUnsupported            = 4
	ScanFailedOutOfHardwareResources        = 5
	ScanFailedScanningTooFrequently         = 6
	ScanFailedAdapterNotReady               = 100
)

// Advertise failure codes delivered with OnStartFailure.
const (
	AdvertiseFailedDataTooLarge       = 1
	AdvertiseFailedTooManyAdvertisers = 2
	AdvertiseFailedAlreadyStarted     = 3
	AdvertiseFailedInternalError      = 4
	AdvertiseFailedFeatureUnsupported = 5
	AdvertiseFailedAdapterNotReady    = 100
)

// ScanFailureCode maps an error returned by a scan command sink to the code
// reported through the scan-failed callback.
func ScanFailureCode(err error) int {
	var serr *StackError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &serr):
		return serr.Code
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrAdapterUnavailable):
		return ScanFailedAdapterNotReady
	case errors.Is(err, ErrUnsupported):
		return ScanFailedFeatureUnsupported
	default:
		return ScanFailedInternalError
	}
}

// AdvertiseFailureCode is the advertising counterpart of ScanFailureCode.
func AdvertiseFailureCode(err error) int {
	var serr *StackError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &serr):
		return serr.Code
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrAdapterUnavailable):
		return AdvertiseFailedAdapterNotReady
	case errors.Is(err, ErrUnsupported):
		return AdvertiseFailedFeatureUnsupported
	default:
		return AdvertiseFailedInternalError
	}
}
