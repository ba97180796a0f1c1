package client

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/grafana/xk6-channel/protocol"
	"github.com/grafana/xk6-channel/stack"
)

var (
	// ErrTargetClosed is returned for calls on objects that were disposed.
	ErrTargetClosed = errors.New("target closed")
	// ErrConnectionClosed is returned for calls that can't complete because
	// the connection went away.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTimeout is returned for calls that didn't settle in time.
	ErrTimeout = errors.New("timeout")
)

// Error is an error raised on the other side of the connection while serving
// a call. Its message is the remote message verbatim. Its stack is the
// stack of the user code that made the call; the remote stack is kept apart
// as it means nothing to the caller.
type Error struct {
	Name        string
	Message     string
	RemoteStack string
	Metadata    *stack.CallMetadata
}

func newRemoteError(se *protocol.SerializedError, md *stack.CallMetadata) *Error {
	name := se.Name
	if name == "" {
		name = protocol.ErrorNameGeneric
	}
	return &Error{
		Name:        name,
		Message:     se.Message,
		RemoteStack: se.Stack,
		Metadata:    md,
	}
}

func newTargetClosedError(guid string, md *stack.CallMetadata) *Error {
	return &Error{
		Name:     protocol.ErrorNameTargetClosed,
		Message:  fmt.Sprintf("target %s has been closed", guid),
		Metadata: md,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel matching the remote error name, if any.
func (e *Error) Unwrap() error {
	switch e.Name {
	case protocol.ErrorNameTargetClosed:
		return ErrTargetClosed
	case protocol.ErrorNameTimeout:
		return ErrTimeout
	}
	return nil
}

// Stack returns the user frames of the call, innermost first.
func (e *Error) Stack() []stack.Frame {
	if e.Metadata == nil {
		return nil
	}
	return e.Metadata.Frames
}

// Format implements fmt.Formatter. %+v prints the name, the message and the
// stack of the call.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = io.WriteString(s, formatStack(e.Name, e.Message, e.Stack()))
			return
		}
		fallthrough
	case 's':
		_, _ = io.WriteString(s, e.Message)
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Message)
	}
}

func formatStack(name, msg string, frames []stack.Frame) string {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteString(": ")
	sb.WriteString(msg)
	for _, f := range frames {
		sb.WriteString("\n    at ")
		sb.WriteString(f.String())
	}
	return sb.String()
}

// TimeoutError is returned when a call doesn't settle before its deadline.
// Pending lists the calls that were still in flight at that moment.
type TimeoutError struct {
	Metadata *stack.CallMetadata
	Timeout  time.Duration
	Pending  []*stack.CallMetadata
	cause    error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	name := e.Metadata.APIName
	if name == "" {
		name = "call"
	}
	if e.Timeout > 0 {
		return fmt.Sprintf("%s: timeout %s exceeded", name, e.Timeout)
	}
	return fmt.Sprintf("%s: timeout exceeded", name)
}

// Name returns the wire name of the error.
func (e *TimeoutError) Name() string {
	return protocol.ErrorNameTimeout
}

// Unwrap makes the error match both ErrTimeout and the context error.
func (e *TimeoutError) Unwrap() []error {
	return []error{ErrTimeout, e.cause}
}

// Format implements fmt.Formatter. %+v adds the call stack and the list of
// pending operations.
func (e *TimeoutError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = io.WriteString(s, formatStack(e.Name(), e.Error(), e.Metadata.Frames))
		if len(e.Pending) > 0 {
			_, _ = io.WriteString(s, "\npending operations:")
			for _, md := range e.Pending {
				_, _ = fmt.Fprintf(s, "\n  - %s", md)
			}
		}
		return
	}
	_, _ = io.WriteString(s, e.Error())
}

// DisposedRef stands in for a reference to an object the client doesn't
// know, most often because it was disposed while the message was in flight.
type DisposedRef struct {
	GUID string
}

// String implements fmt.Stringer.
func (r DisposedRef) String() string {
	return fmt.Sprintf("<disposed %s>", r.GUID)
}
