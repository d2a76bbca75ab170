package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotReady           ConnectionState = "not_ready"
	NotConnected       ConnectionState = "not_connected"
	ResumeRejected     ConnectionState = "resume_rejected"
	AdapterUnavailable ConnectionState = "adapter_unavailable"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	// ErrNotReady is returned when an operation needs a transport handle or an
	// adapter and none is present.
	ErrNotReady           = &ConnectionError{State: NotReady}
	ErrNotConnected       = &ConnectionError{State: NotConnected}
	ErrResumeRejected     = &ConnectionError{State: ResumeRejected}
	ErrAdapterUnavailable = &ConnectionError{State: AdapterUnavailable}
)

// Operation errors
var (
	ErrTimeout            = errors.New("timeout")
	ErrUnsupported        = errors.New("unsupported")
	ErrTransactionAborted = errors.New("reliable write aborted")
	ErrTransactionActive  = errors.New("reliable write already in progress")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// StackError is a refusal reported by the host radio stack. Code is the
// provider-defined failure code forwarded to the application callbacks.
type StackError struct {
	Op         string
	Technology Technology
	Code       int
	Err        error
}

func (e *StackError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Technology != 0 {
		b.WriteString(" (")
		b.WriteString(e.Technology.String())
		b.WriteString(")")
	}
	fmt.Fprintf(&b, " rejected by stack, code %d", e.Code)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StackError) Unwrap() error {
	return e.Err
}

// NewStackError wraps err as a stack rejection of op.
func NewStackError(op string, tech Technology, code int, err error) *StackError {
	return &StackError{Op: op, Technology: tech, Code: code, Err: err}
}

// ContainsIgnoreCase checks substring case-insensitively
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
