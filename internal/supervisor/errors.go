package supervisor

import "fmt"

// ErrorKind classifies a supervisor.Error for transport-agnostic handling.
// The HTTP gateway maps these to status codes; the core itself never
// imports net/http.
type ErrorKind string

const (
	KindInputInvalid    ErrorKind = "input_invalid"
	KindContractInvalid ErrorKind = "contract_invalid"
	KindStateMismatch   ErrorKind = "state_mismatch"
	KindBackendFailure  ErrorKind = "backend_failure"
	KindNotConnected    ErrorKind = "not_connected"
)

// Error is the typed error surfaced across the core's boundary. The core
// never panics on caller-reachable paths; failures are always values.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds a supervisor.Error from a kind and a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsSupervisorError extracts a *Error from err, if any.
func AsSupervisorError(err error) (*Error, bool) {
	se, ok := err.(*Error)
	return se, ok
}
