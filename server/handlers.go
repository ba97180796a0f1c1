package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/grafana/xk6-channel/stack"
)

// Handler serves one method of one type. params were validated and their
// references resolved to dispatchers. ctx is cancelled when the dispatcher is
// disposed or the connection closes, and carries the caller's metadata
// (see stack.FromContext).
type Handler func(ctx context.Context, d *Dispatcher, params map[string]any) (map[string]any, error)

// Handlers maps (type, method) to the handler serving it.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]map[string]Handler
}

// NewHandlers returns an empty registry.
func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]map[string]Handler)}
}

// Handle registers h for typ.method, replacing any previous handler.
func (h *Handlers) Handle(typ, method string, fn Handler) *Handlers {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.m[typ] == nil {
		h.m[typ] = make(map[string]Handler)
	}
	h.m[typ][method] = fn
	return h
}

// Find returns the handler of typ.method.
func (h *Handlers) Find(typ, method string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	fn, ok := h.m[typ][method]
	return fn, ok
}

// Bind adapts a handler taking the wrapped object of the dispatcher.
func Bind[T any](fn func(ctx context.Context, obj T, params map[string]any) (map[string]any, error)) Handler {
	return func(ctx context.Context, d *Dispatcher, params map[string]any) (map[string]any, error) {
		obj, ok := d.Object().(T)
		if !ok {
			var want T
			return nil, fmt.Errorf("dispatcher %s wraps %T, not %T", d.GUID(), d.Object(), want)
		}
		return fn(ctx, obj, params)
	}
}

// Metadata returns the call metadata carried by a handler context.
func Metadata(ctx context.Context) *stack.CallMetadata {
	md, ok := stack.FromContext(ctx)
	if !ok {
		return &stack.CallMetadata{}
	}
	return md
}
