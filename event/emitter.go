// Package event provides the observer list shared by channel owners on the
// client side and dispatchers on the server side.
package event

import "sync"

// Event as emitted by an Emitter.
type Event struct {
	Name string
	Data any
}

// Handler is called synchronously for each matching event.
type Handler func(Event)

type handler struct {
	id   uint64
	fn   Handler
	once bool
}

// Emitter dispatches events to registered handlers and subscribers.
// Handlers run synchronously on the emitting goroutine in registration order,
// so they observe events in the order they were emitted.
// The zero value is ready to use.
type Emitter struct {
	mu          sync.Mutex
	nextID      uint64
	handlers    map[string][]*handler
	handlersAll []*handler
	subs        []*subscriber
}

// On registers fn for the named event. The returned func unregisters it.
func (e *Emitter) On(name string, fn Handler) (off func()) {
	return e.add(name, fn, false)
}

// Once registers fn for the next occurrence of the named event only.
func (e *Emitter) Once(name string, fn Handler) (off func()) {
	return e.add(name, fn, true)
}

// OnAll registers fn for every event.
func (e *Emitter) OnAll(fn Handler) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	h := &handler{id: e.nextID, fn: fn}
	e.handlersAll = append(e.handlersAll, h)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.handlersAll = without(e.handlersAll, h.id)
	}
}

func (e *Emitter) add(name string, fn Handler, once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[string][]*handler)
	}
	e.nextID++
	h := &handler{id: e.nextID, fn: fn, once: once}
	e.handlers[name] = append(e.handlers[name], h)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.removeLocked(name, h.id)
	}
}

func (e *Emitter) removeLocked(name string, id uint64) {
	hs := without(e.handlers[name], id)
	if len(hs) == 0 {
		delete(e.handlers, name)
		return
	}
	e.handlers[name] = hs
}

func without(hs []*handler, id uint64) []*handler {
	for i, h := range hs {
		if h.id == id {
			out := make([]*handler, 0, len(hs)-1)
			out = append(out, hs[:i]...)
			return append(out, hs[i+1:]...)
		}
	}
	return hs
}

// Emit delivers an event to the handlers registered for name, then to the
// catch-all handlers, then queues it for subscribers.
func (e *Emitter) Emit(name string, data any) {
	ev := Event{Name: name, Data: data}

	e.mu.Lock()
	named := e.handlers[name]
	for _, h := range named {
		if h.once {
			e.removeLocked(name, h.id)
		}
	}
	all := e.handlersAll
	var live []*subscriber
	for _, s := range e.subs {
		if s.ctx.Err() != nil {
			continue
		}
		live = append(live, s)
	}
	e.subs = live
	e.mu.Unlock()

	for _, h := range named {
		h.fn(ev)
	}
	for _, h := range all {
		h.fn(ev)
	}
	for _, s := range live {
		if s.wants(name) {
			s.push(ev)
		}
	}
}

// ListenerCount returns the number of handlers and subscribers that would
// receive the named event.
func (e *Emitter) ListenerCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.handlers[name]) + len(e.handlersAll)
	for _, s := range e.subs {
		if s.ctx.Err() == nil && s.wants(name) {
			n++
		}
	}
	return n
}

// RemoveAll unregisters every handler and stops every subscriber.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	subs := e.subs
	e.handlers = nil
	e.handlersAll = nil
	e.subs = nil
	e.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}
