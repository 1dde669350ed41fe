package central

import (
	"errors"
	"fmt"
)

// ConnectFailure represents the specific kind of connection failure.
type ConnectFailure string

const (
	// InvalidState: the radio is not powered on, or the peripheral is not
	// tracked by the manager.
	InvalidState ConnectFailure = "invalid_state"

	// Canceled: the attempt was canceled, either explicitly or by a newer
	// connect superseding it.
	Canceled ConnectFailure = "canceled"

	// TimedOut: the attempt's timeout elapsed before the platform
	// reported an outcome.
	TimedOut ConnectFailure = "timed_out"

	// Failed: the platform reported a connection failure; the cause is
	// wrapped.
	Failed ConnectFailure = "connect_failed"

	// Unknown: the platform reported failure without a reason.
	Unknown ConnectFailure = "unknown"
)

// ConnectError is the terminal error delivered to a connect completion.
// Every attempt resolves exactly once, with nil or with one of these.
type ConnectError struct {
	Failure ConnectFailure
	Msg     string
	Err     error // platform cause, Failed only
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Failure, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Failure, e.Msg)
	default:
		return string(e.Failure)
	}
}

// Is allows errors.Is to compare ConnectError values by Failure.
func (e *ConnectError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectError)
	if !ok {
		return false
	}
	return e.Failure == t.Failure
}

// Unwrap exposes the platform cause of a Failed error.
func (e *ConnectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors for connection failures.
var (
	ErrInvalidState       = &ConnectError{Failure: InvalidState}
	ErrConnectionCanceled = &ConnectError{Failure: Canceled}
	ErrConnectionTimedOut = &ConnectError{Failure: TimedOut}
	ErrConnectionFailed   = &ConnectError{Failure: Failed}
	ErrUnknown            = &ConnectError{Failure: Unknown}
)

// wrapConnectFailed wraps a platform connect error into the taxonomy. A
// nil cause becomes Unknown.
func wrapConnectFailed(err error) *ConnectError {
	if err == nil {
		return ErrUnknown
	}
	return &ConnectError{Failure: Failed, Err: err}
}

// IsConnectFailure reports whether err is a ConnectError with the given
// failure.
func IsConnectFailure(err error, failure ConnectFailure) bool {
	var cerr *ConnectError
	if errors.As(err, &cerr) {
		return cerr.Failure == failure
	}
	return false
}
