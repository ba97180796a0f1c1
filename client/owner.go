package client

import (
	"context"
	"sync"

	"github.com/grafana/xk6-channel/event"
)

// Events emitted on channel owners and on the connection.
const (
	// EventDispose is emitted on an owner once it is disposed. The event data
	// is the dispose reason.
	EventDispose = "dispose"
	// EventObjectCreated is emitted on the connection for every object the
	// server creates, right after it becomes queryable. The event data is the
	// Object.
	EventObjectCreated = "object"
	// EventConnectionClose is emitted on the connection once it is closed.
	// The event data is the cause.
	EventConnectionClose = "close"
	// EventConnectionError is emitted on the connection for failures that
	// can't be attributed to a call.
	EventConnectionError = "error"
)

// Object is implemented by ChannelOwner and by every typed wrapper embedding
// a *ChannelOwner.
type Object interface {
	GUID() string
	Type() string
	owner() *ChannelOwner
}

// Factory wraps a new owner into the typed object handed to users.
type Factory func(o *ChannelOwner) Object

// ChannelOwner is the local proxy of one remote object. Its place in the
// object tree is kept by the connection.
type ChannelOwner struct {
	event.Emitter

	conn        *Connection
	guid        string
	typ         string
	initializer map[string]any
	object      Object

	mu            sync.RWMutex
	disposed      bool
	disposeReason string
}

func newChannelOwner(conn *Connection, typ, guid string, initializer map[string]any) *ChannelOwner {
	o := &ChannelOwner{
		conn:        conn,
		guid:        guid,
		typ:         typ,
		initializer: initializer,
	}
	o.object = o
	return o
}

func (o *ChannelOwner) owner() *ChannelOwner { return o }

// GUID returns the guid of the remote object.
func (o *ChannelOwner) GUID() string { return o.guid }

// Type returns the protocol type of the remote object.
func (o *ChannelOwner) Type() string { return o.typ }

// Initializer returns the validated initializer the object was created with.
func (o *ChannelOwner) Initializer() map[string]any { return o.initializer }

// Connection returns the connection the owner belongs to.
func (o *ChannelOwner) Connection() *Connection { return o.conn }

// Object returns the typed wrapper of the owner, or the owner itself.
func (o *ChannelOwner) Object() Object { return o.object }

// Parent returns the parent object, or nil for the root and disposed objects.
func (o *ChannelOwner) Parent() Object {
	return o.conn.parentOf(o.guid)
}

// Children returns the live child objects.
func (o *ChannelOwner) Children() []Object {
	return o.conn.childrenOf(o.guid)
}

// IsDisposed reports whether the owner was disposed.
func (o *ChannelOwner) IsDisposed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.disposed
}

// DisposeReason returns the reason given by the server when disposing the
// object, if any.
func (o *ChannelOwner) DisposeReason() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.disposeReason
}

func (o *ChannelOwner) markDisposed(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disposed = true
	o.disposeReason = reason
}

// Send calls method on the remote object and waits for its result.
func (o *ChannelOwner) Send(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	return o.conn.SendMessageToServer(ctx, o, method, params)
}
