package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/gattkit/internal/device"
)

// NormalizeError maps known go-ble error strings to the device error taxonomy.
// The original error stays in the message so nothing is lost when upstream
// wording changes.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrAdapterUnavailable, err)
	case device.ContainsIgnoreCase(msg, "bluetooth is turned off"),
		device.ContainsIgnoreCase(msg, "can't init hci"),
		device.ContainsIgnoreCase(msg, "no devices available"):
		return fmt.Errorf("%w: %v", device.ErrAdapterUnavailable, err)
	case device.ContainsIgnoreCase(msg, "device not connected"),
		device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", device.ErrNotReady, err)
	case device.ContainsIgnoreCase(msg, "not supported"),
		device.ContainsIgnoreCase(msg, "not implemented"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	default:
		return err
	}
}

// StatusFromError converts the result of a GATT client call into the status
// reported with its completion. ATT errors keep their code.
func StatusFromError(err error) device.Status {
	if err == nil {
		return device.StatusSuccess
	}
	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		return device.Status(attErr)
	}
	return device.StatusFailure
}

// attError converts a server response status into the ATT error go-ble sends.
func attError(status device.Status) ble.ATTError {
	if status < 0 || status > 0xff {
		return ble.ATTError(device.StatusUnlikely)
	}
	return ble.ATTError(status)
}
