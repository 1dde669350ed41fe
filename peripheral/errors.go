package peripheral

import (
	"errors"
	"fmt"
)

// WriteFailure represents the specific kind of write failure.
type WriteFailure string

const (
	// InvalidService: the characteristic's service is not (or no longer)
	// among the peripheral's known services.
	InvalidService WriteFailure = "invalid_service"

	// UnsupportedWriteType: the characteristic does not support the
	// requested write mode.
	UnsupportedWriteType WriteFailure = "unsupported_write_type"

	// EmptyWriteValue: the payload was empty.
	EmptyWriteValue WriteFailure = "empty_write_value"

	// InvalidChunkSize: the effective chunk size was not positive.
	InvalidChunkSize WriteFailure = "invalid_chunk_size"

	// OperationCanceled: the write was removed via its cancel handle
	// before completing.
	OperationCanceled WriteFailure = "operation_canceled"

	// Disconnected: the connection ended while the write was queued or in
	// flight.
	Disconnected WriteFailure = "disconnected"

	// WriteFailed: the platform reported an error for an issued chunk; the
	// cause is wrapped.
	WriteFailed WriteFailure = "write_failed"
)

// WriteError is the terminal error delivered to a write completion. Every
// write completes exactly once, with nil or with one of these.
type WriteError struct {
	Failure WriteFailure
	Msg     string
	Err     error // platform cause, WriteFailed only
}

// Error implements the error interface.
func (e *WriteError) Error() string {
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

// Is allows errors.Is to compare WriteError values by Failure.
func (e *WriteError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*WriteError)
	if !ok {
		return false
	}
	return e.Failure == t.Failure
}

// Unwrap exposes the platform cause of a WriteFailed error.
func (e *WriteError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors for write failures.
var (
	ErrInvalidService       = &WriteError{Failure: InvalidService}
	ErrUnsupportedWriteType = &WriteError{Failure: UnsupportedWriteType}
	ErrEmptyWriteValue      = &WriteError{Failure: EmptyWriteValue}
	ErrInvalidChunkSize     = &WriteError{Failure: InvalidChunkSize}
	ErrOperationCanceled    = &WriteError{Failure: OperationCanceled}
	ErrDisconnected         = &WriteError{Failure: Disconnected}
	ErrWriteFailed          = &WriteError{Failure: WriteFailed}
)

// wrapWriteFailed wraps a platform write error into the taxonomy.
func wrapWriteFailed(err error) *WriteError {
	return &WriteError{Failure: WriteFailed, Err: err}
}

// IsWriteFailure reports whether err is a WriteError with the given failure.
func IsWriteFailure(err error, failure WriteFailure) bool {
	var werr *WriteError
	if errors.As(err, &werr) {
		return werr.Failure == failure
	}
	return false
}
