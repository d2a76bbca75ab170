package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/gattkit/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the peer dropped the GATT connection while a
	// command was still using it.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNoResponse is returned when the stack never answers a queued operation.
	ErrNoResponse = errors.New("no response from device")
)

// OperationError carries the GATT status of an operation the peer refused.
type OperationError struct {
	Op     string
	Target string
	Status device.Status
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s failed: %s", e.Op, e.Target, e.Status)
}

// FormatUserError turns library errors into one-line messages for the
// terminal. Unknown errors are printed as they are.
func FormatUserError(err error) string {
	var (
		connErr  *device.ConnectionError
		stackErr *device.StackError
		opErr    *OperationError
		notFound *device.NotFoundError
	)

	switch {
	case errors.Is(err, device.ErrAdapterUnavailable):
		return "Bluetooth adapter is not available; check that it is powered on and that you have permission to use it"
	case errors.Is(err, device.ErrTransactionAborted):
		return fmt.Sprintf("reliable write aborted, nothing was committed (%s)", rootCause(err))
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("%v (is the device in range?)", err)
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("not supported on this platform (%s)", err)
	case errors.As(err, &opErr):
		return opErr.Error()
	case errors.As(err, &notFound):
		return notFound.Error()
	case errors.As(err, &stackErr):
		return stackErr.Error()
	case errors.Is(err, device.ErrNotReady):
		return "no connection to the device"
	case errors.As(err, &connErr):
		return connErr.Error()
	}

	msg := err.Error()
	// cobra usage errors start lowercase and already say what is wrong
	if strings.HasPrefix(msg, "unknown flag") || strings.HasPrefix(msg, "accepts ") ||
		strings.HasPrefix(msg, "requires ") || strings.HasPrefix(msg, "unknown command") {
		return msg + " (see --help)"
	}
	return msg
}

// rootCause returns the innermost error message of a wrapped chain. For
// errors joining several causes it follows the last one.
func rootCause(err error) string {
	for {
		var next error
		switch e := err.(type) {
		case interface{ Unwrap() []error }:
			if errs := e.Unwrap(); len(errs) > 0 {
				next = errs[len(errs)-1]
			}
		case interface{ Unwrap() error }:
			next = e.Unwrap()
		}
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
