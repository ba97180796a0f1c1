package protocol

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Error names with a meaning on both sides of the wire.
const (
	ErrorNameGeneric      = "Error"
	ErrorNameTargetClosed = "TargetClosedError"
	ErrorNameTimeout      = "TimeoutError"
	ErrorNameValidation   = "ValidationError"
	ErrorNameProtocol     = "ProtocolError"
)

// SerializedError is the wire form of an error raised while serving a call.
type SerializedError struct {
	Message string
	Name    string
	Stack   string
}

// Error implements the error interface.
func (e *SerializedError) Error() string {
	return e.Message
}

// namer is implemented by errors that carry a wire name.
type namer interface {
	Name() string
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// SerializeError converts err to its wire form. The name comes from the
// first error in the chain with a Name method; the stack from the first
// error carrying a pkg/errors stack trace.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}
	se := &SerializedError{
		Message: err.Error(),
		Name:    ErrorNameGeneric,
	}

	var n namer
	if errors.As(err, &n) {
		se.Name = n.Name()
	}
	var st stackTracer
	if errors.As(err, &st) {
		se.Stack = fmt.Sprintf("%s: %s%+v", se.Name, se.Message, st.StackTrace())
	}

	return se
}

// ProtocolError reports a message that breaks the wire contract, such as a
// call to a method that doesn't exist.
type ProtocolError struct {
	Reason string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Name returns the wire name of the error.
func (e *ProtocolError) Name() string {
	return ErrorNameProtocol
}

// NewProtocolError returns a ProtocolError with a formatted reason.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
