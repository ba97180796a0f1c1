package server

import (
	"strings"

	"github.com/grafana/xk6-channel/protocol"
)

// incoming resolves {guid} references in params to live dispatchers.
// References to unknown guids fail the call as target closed.
func (c *DispatcherConnection) incoming() *protocol.ValidatorContext {
	return &protocol.ValidatorContext{
		Binary: protocol.BinaryFromBase64,
		ChannelImpl: func(types []string, arg any, path string, _ *protocol.ValidatorContext) (any, error) {
			guid, ok := protocol.GUIDOf(arg)
			if !ok {
				return nil, protocol.NewValidationError(path, "expected channel reference, got %T", arg)
			}
			d, ok := c.Dispatcher(guid)
			if !ok {
				return nil, &TargetClosedError{GUID: guid}
			}
			if !typeAllowed(types, d.typ) {
				return nil, protocol.NewValidationError(path, "expected channel of type %s, got %s", strings.Join(types, "|"), d.typ)
			}
			return d, nil
		},
	}
}

// outgoing converts dispatchers in results, events and initializers to
// {guid} references.
func (c *DispatcherConnection) outgoing() *protocol.ValidatorContext {
	return &protocol.ValidatorContext{
		Binary: protocol.BinaryToBase64,
		ChannelImpl: func(types []string, arg any, path string, _ *protocol.ValidatorContext) (any, error) {
			d, ok := arg.(*Dispatcher)
			if !ok || d == nil {
				return nil, protocol.NewValidationError(path, "expected dispatcher, got %T", arg)
			}
			if !typeAllowed(types, d.typ) {
				return nil, protocol.NewValidationError(path, "expected channel of type %s, got %s", strings.Join(types, "|"), d.typ)
			}
			return map[string]any{"guid": d.guid}, nil
		},
	}
}

func typeAllowed(types []string, typ string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == typ {
			return true
		}
	}
	return false
}
