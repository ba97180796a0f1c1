// Package protocol defines the messages exchanged between a client
// connection and a dispatcher connection, and the schema used to validate
// their payloads.
package protocol

import (
	"errors"
	"fmt"

	"github.com/mailru/easyjson"

	"github.com/grafana/xk6-channel/stack"
)

// Lifecycle methods. They travel like events, without an id.
const (
	// MethodCreate announces a new object: guid is the parent, params carry
	// {type, guid, initializer}.
	MethodCreate = "__create__"
	// MethodDispose announces the disposal of the object named by guid.
	MethodDispose = "__dispose__"
	// MethodAdopt moves params.guid under the object named by guid.
	MethodAdopt = "__adopt__"
)

// DisposeReasonGC marks objects the server collected on its own.
const DisposeReasonGC = "gc"

// TypeRoot is the type of the object with the empty guid that both ends
// create on their own.
const TypeRoot = "Root"

// ErrMalformedMessage is returned for messages that can't be decoded or
// don't have the shape of a request, response or event.
var ErrMalformedMessage = errors.New("malformed protocol message")

// Message is the unit exchanged over a transport.
//
//	Request:   {id, guid, method, params, metadata}
//	Response:  {id, result} or {id, error}
//	Event:     {guid, method, params}
//	Lifecycle: {guid, method: __create__|__dispose__|__adopt__, params}
type Message struct {
	ID       int64
	GUID     string
	Method   string
	Params   map[string]any
	Result   map[string]any
	Error    *SerializedError
	Metadata *Metadata
}

// Metadata describes the call site of a request.
type Metadata struct {
	APIName  string        `json:"apiName,omitempty"`
	Stack    []stack.Frame `json:"stack,omitempty"`
	Internal bool          `json:"internal,omitempty"`
}

// NewMetadata converts captured call metadata to its wire form.
func NewMetadata(md *stack.CallMetadata) *Metadata {
	if md == nil {
		return nil
	}
	return &Metadata{
		APIName:  md.APIName,
		Stack:    md.Frames,
		Internal: md.Internal,
	}
}

// CallMetadata converts the wire form back to call metadata.
func (m *Metadata) CallMetadata() *stack.CallMetadata {
	if m == nil {
		return &stack.CallMetadata{}
	}
	return &stack.CallMetadata{
		APIName:  m.APIName,
		Frames:   m.Stack,
		Internal: m.Internal,
	}
}

// IsResponse reports whether the message answers a request.
func (m *Message) IsResponse() bool {
	return m.ID > 0 && m.Method == ""
}

// IsRequest reports whether the message is a call expecting a response.
func (m *Message) IsRequest() bool {
	return m.ID > 0 && m.Method != ""
}

// IsLifecycle reports whether the message creates, disposes or adopts an object.
func (m *Message) IsLifecycle() bool {
	switch m.Method {
	case MethodCreate, MethodDispose, MethodAdopt:
		return m.ID == 0
	}
	return false
}

// Validate checks the structural shape of a decoded message.
func (m *Message) Validate() error {
	switch {
	case m.ID < 0:
		return fmt.Errorf("%w: negative id %d", ErrMalformedMessage, m.ID)
	case m.ID == 0 && m.Method == "":
		return fmt.Errorf("%w: neither id nor method", ErrMalformedMessage)
	case m.IsResponse() && m.Result != nil && m.Error != nil:
		return fmt.Errorf("%w: response %d has both result and error", ErrMalformedMessage, m.ID)
	}
	return nil
}

// Encode encodes a message to JSON.
func Encode(m *Message) ([]byte, error) {
	buf, err := easyjson.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return buf, nil
}

// Decode decodes and validates a JSON message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := easyjson.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Clone returns a deep copy of m by round tripping it through the codec.
func Clone(m *Message) (*Message, error) {
	buf, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return Decode(buf)
}
