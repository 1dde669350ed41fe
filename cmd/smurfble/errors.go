package main

import (
	"errors"

	"github.com/scchn/smurfble/central"
	"github.com/scchn/smurfble/peripheral"
)

// Sentinel errors shared across subcommands.
var (
	// ErrConnectionLost indicates an established connection ended while a
	// command was still using it. This is distinct from
	// peripheral.ErrNotConnected, which indicates an attempt to use a
	// peripheral that was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError rewrites engine errors into messages fit for the
// terminal. Errors without a friendlier form pass through unchanged.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrConnectionLost) {
		return "connection lost: the device disconnected or went out of range"
	}
	if errors.Is(err, peripheral.ErrNotConnected) {
		return "not connected: the device dropped before the operation could run"
	}

	var cerr *central.ConnectError
	if errors.As(err, &cerr) {
		switch cerr.Failure {
		case central.TimedOut:
			return "connection timed out: is the device in range and advertising?"
		case central.Canceled:
			return "connection canceled"
		case central.InvalidState:
			return "Bluetooth is not ready: check that the adapter is powered on"
		}
	}

	var werr *peripheral.WriteError
	if errors.As(err, &werr) {
		switch werr.Failure {
		case peripheral.UnsupportedWriteType:
			return "the characteristic does not support the requested write mode"
		case peripheral.Disconnected:
			return "write aborted: the connection ended before the write completed"
		}
	}

	return err.Error()
}
