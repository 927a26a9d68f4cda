package mcu

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportDisconnected means the link to the firmware is gone. It is
	// returned to callers and never retried on their behalf.
	ErrTransportDisconnected = errors.New("transport disconnected")

	// ErrTransportBusy means the command could not be queued right now.
	// Callers may retry.
	ErrTransportBusy = errors.New("transport busy")

	// ErrCommandRejected is wrapped by every *RejectedError
	ErrCommandRejected = errors.New("command rejected")

	// ErrClosed is returned once the MCU or a controller has been closed
	ErrClosed = errors.New("closed")
)

// RejectedError reports a request refused before it reached the wire:
// an unknown axis or an out-of-range parameter.
type RejectedError struct {
	Axis   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("axis %d: %v: %s", e.Axis, ErrCommandRejected, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return ErrCommandRejected
}

// Reject builds a *RejectedError
func Reject(axis int, format string, args ...any) error {
	return &RejectedError{Axis: axis, Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is a transient send failure
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransportBusy)
}
