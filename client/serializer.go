package client

import (
	"strings"

	"github.com/grafana/xk6-channel/protocol"
)

// outgoing converts objects to {guid} references.
func (c *Connection) outgoing() *protocol.ValidatorContext {
	return &protocol.ValidatorContext{
		Binary: protocol.BinaryToBase64,
		ChannelImpl: func(types []string, arg any, path string, _ *protocol.ValidatorContext) (any, error) {
			var guid, typ string
			switch v := arg.(type) {
			case Object:
				guid, typ = v.GUID(), v.Type()
			case DisposedRef:
				return map[string]any{"guid": v.GUID}, nil
			default:
				return nil, protocol.NewValidationError(path, "expected channel, got %T", arg)
			}
			if !typeAllowed(types, typ) {
				return nil, protocol.NewValidationError(path, "expected channel of type %s, got %s", strings.Join(types, "|"), typ)
			}
			return map[string]any{"guid": guid}, nil
		},
	}
}

// incoming converts {guid} references to live objects, or to a DisposedRef
// when the object is unknown.
func (c *Connection) incoming() *protocol.ValidatorContext {
	return &protocol.ValidatorContext{
		Binary: protocol.BinaryFromBase64,
		ChannelImpl: func(types []string, arg any, path string, _ *protocol.ValidatorContext) (any, error) {
			guid, ok := protocol.GUIDOf(arg)
			if !ok {
				return nil, protocol.NewValidationError(path, "expected channel reference, got %T", arg)
			}
			obj, ok := c.Object(guid)
			if !ok {
				return DisposedRef{GUID: guid}, nil
			}
			if !typeAllowed(types, obj.Type()) {
				return nil, protocol.NewValidationError(path, "expected channel of type %s, got %s", strings.Join(types, "|"), obj.Type())
			}
			return obj, nil
		},
	}
}

// fallbackAPIName names calls made without a library boundary on the stack.
func fallbackAPIName(typ, method string) string {
	if typ == "" {
		return method
	}
	return strings.ToLower(typ[:1]) + typ[1:] + "." + method
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
