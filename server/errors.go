package server

import (
	"errors"
	"fmt"

	"github.com/grafana/xk6-channel/protocol"
)

var (
	// ErrDisposed is returned when using a dispatcher after its disposal.
	ErrDisposed = errors.New("dispatcher disposed")
	// ErrTargetClosed is matched by errors answering calls on objects that
	// are gone.
	ErrTargetClosed = errors.New("target closed")
	// ErrTooManyProtocolErrors closes a connection that keeps sending
	// malformed messages.
	ErrTooManyProtocolErrors = errors.New("too many protocol errors")
)

// TargetClosedError answers a call whose target is unknown or was disposed
// while the call was running.
type TargetClosedError struct {
	GUID  string
	Cause error
}

// Error implements the error interface.
func (e *TargetClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("target %s has been closed: %v", e.GUID, e.Cause)
	}
	return fmt.Sprintf("target %s has been closed", e.GUID)
}

// Name returns the wire name of the error.
func (e *TargetClosedError) Name() string {
	return protocol.ErrorNameTargetClosed
}

// Is makes the error match ErrTargetClosed.
func (e *TargetClosedError) Is(target error) bool {
	return target == ErrTargetClosed
}

// Unwrap returns the error the handler returned, if any.
func (e *TargetClosedError) Unwrap() error {
	return e.Cause
}
