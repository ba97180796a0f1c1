package server

import (
	"context"
	"sync"

	"github.com/grafana/xk6-channel/event"
	"github.com/grafana/xk6-channel/protocol"
)

// EventDispose is emitted on a dispatcher's local observers once it is
// disposed. The event data is the dispose reason.
const EventDispose = "dispose"

// closer is implemented by wrapped objects that can signal their own end.
type closer interface {
	Done() <-chan struct{}
}

// Dispatcher exposes one server side object over a connection.
type Dispatcher struct {
	conn   *DispatcherConnection
	guid   string
	typ    string
	object any

	ctx    context.Context
	cancel context.CancelFunc

	local event.Emitter

	mu       sync.RWMutex
	disposed bool
}

// GUID returns the guid the client knows the object by.
func (d *Dispatcher) GUID() string { return d.guid }

// Type returns the protocol type of the object.
func (d *Dispatcher) Type() string { return d.typ }

// Object returns the wrapped object.
func (d *Dispatcher) Object() any { return d.object }

// Connection returns the connection the dispatcher belongs to.
func (d *Dispatcher) Connection() *DispatcherConnection { return d.conn }

// Context is cancelled when the dispatcher is disposed.
func (d *Dispatcher) Context() context.Context { return d.ctx }

// Parent returns the parent dispatcher, or nil for the root and disposed
// dispatchers.
func (d *Dispatcher) Parent() *Dispatcher {
	return d.conn.parentOf(d.guid)
}

// Children returns the live child dispatchers.
func (d *Dispatcher) Children() []*Dispatcher {
	return d.conn.childrenOf(d.guid)
}

// IsDisposed reports whether the dispatcher was disposed.
func (d *Dispatcher) IsDisposed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.disposed
}

func (d *Dispatcher) markDisposed() {
	d.mu.Lock()
	d.disposed = true
	d.mu.Unlock()
	d.cancel()
}

// On registers a local observer, e.g. for EventDispose.
func (d *Dispatcher) On(name string, fn event.Handler) (off func()) {
	return d.local.On(name, fn)
}

// Subscribe returns a channel of local events, closed once the dispatcher is
// disposed and the events before it were read.
func (d *Dispatcher) Subscribe(ctx context.Context, names ...string) <-chan event.Event {
	return d.local.Subscribe(ctx, names...)
}

// Emit validates params and sends the event to the client. It fails with
// ErrDisposed once the dispatcher is disposed.
func (d *Dispatcher) Emit(name string, params map[string]any) error {
	return d.conn.sendEvent(d, name, params)
}

// Dispose disposes the dispatcher and its subtree and tells the client,
// children first.
func (d *Dispatcher) Dispose(reason string) {
	d.conn.dispose(d, reason)
}

// DisposeGC disposes the dispatcher flagging that the server collected it.
func (d *Dispatcher) DisposeGC() {
	d.Dispose(protocol.DisposeReasonGC)
}

func (d *Dispatcher) watch(c closer) {
	select {
	case <-c.Done():
		d.Dispose("")
	case <-d.ctx.Done():
	}
}
