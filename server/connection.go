// Package server implements the server side of a channel connection: the
// dispatchers exposing server objects and the scope routing calls to them.
package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grafana/xk6-channel/config"
	"github.com/grafana/xk6-channel/log"
	"github.com/grafana/xk6-channel/protocol"
	"github.com/grafana/xk6-channel/stack"
	"github.com/grafana/xk6-channel/transport"
)

// RootType is the protocol type of the root dispatcher.
const RootType = protocol.TypeRoot

// node is one entry of the dispatcher table. The tree is expressed with
// guids only.
type node struct {
	d        *Dispatcher
	parent   string
	children map[string]struct{}
}

// DispatcherConnection is the server end of a channel connection. It owns the
// dispatcher tree of that connection.
type DispatcherConnection struct {
	transport transport.Transport
	schema    *protocol.Schema
	handlers  *Handlers
	logger    *log.Logger
	metrics   *Metrics
	opts      *config.Options

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu orders everything written to the transport and is held across
	// table changes that must reach the client atomically with their message.
	sendMu sync.Mutex

	mu          sync.Mutex
	dispatchers map[string]*node
	closed      bool
	sendErr     error

	violations int
	calls      sync.WaitGroup

	root *Dispatcher
}

// NewDispatcherConnection returns a connection serving handlers over t.
func NewDispatcherConnection(
	t transport.Transport, schema *protocol.Schema, handlers *Handlers, opts ...Option,
) *DispatcherConnection {
	c := &DispatcherConnection{
		transport:   t,
		schema:      schema,
		handlers:    handlers,
		dispatchers: make(map[string]*node),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.opts == nil {
		c.opts = config.NewOptions()
	}
	if c.logger == nil {
		c.logger = log.NewNullLogger()
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.handlers == nil {
		c.handlers = NewHandlers()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.root = c.newDispatcher(RootType, "", nil)
	c.dispatchers[""] = &node{d: c.root, children: make(map[string]struct{})}

	return c
}

// Root returns the root dispatcher.
func (c *DispatcherConnection) Root() *Dispatcher {
	return c.root
}

// Dispatcher returns the live dispatcher with the given guid.
func (c *DispatcherConnection) Dispatcher(guid string) (*Dispatcher, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.dispatchers[guid]
	if !ok {
		return nil, false
	}
	return n.d, true
}

func (c *DispatcherConnection) newDispatcher(typ, guid string, object any) *Dispatcher {
	ctx, cancel := context.WithCancel(c.ctx)
	return &Dispatcher{
		conn:   c,
		guid:   guid,
		typ:    typ,
		object: object,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *DispatcherConnection) parentOf(guid string) *Dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.dispatchers[guid]
	if !ok || guid == "" {
		return nil
	}
	p, ok := c.dispatchers[n.parent]
	if !ok {
		return nil
	}
	return p.d
}

func (c *DispatcherConnection) childrenOf(guid string) []*Dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.dispatchers[guid]
	if !ok {
		return nil
	}
	guids := make([]string, 0, len(n.children))
	for g := range n.children {
		guids = append(guids, g)
	}
	sort.Strings(guids)

	children := make([]*Dispatcher, 0, len(guids))
	for _, g := range guids {
		children = append(children, c.dispatchers[g].d)
	}
	return children
}

func newGUID(typ string) string {
	id := uuid.New()
	return strings.ToLower(typ) + "@" + hex.EncodeToString(id[:])
}

// CreateDispatcher exposes object as a child of parent. The client is told
// about it before CreateDispatcher returns, so nothing sent on the new
// dispatcher can reach the client first. If object has a
// Done() <-chan struct{} method the dispatcher is disposed when it closes.
func (c *DispatcherConnection) CreateDispatcher(
	parent *Dispatcher, typ string, object any, initializer map[string]any,
) (*Dispatcher, error) {
	wire, err := c.schema.ValidateInitializer(typ, initializer, c.outgoing())
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", typ, err)
	}

	d := c.newDispatcher(typ, newGUID(typ), object)

	c.sendMu.Lock()
	c.mu.Lock()
	pn, ok := c.dispatchers[parent.guid]
	if !ok || c.closed || pn.d != parent {
		c.mu.Unlock()
		c.sendMu.Unlock()
		d.cancel()
		return nil, fmt.Errorf("creating %s under %q: %w", typ, parent.guid, ErrDisposed)
	}
	c.dispatchers[d.guid] = &node{d: d, parent: parent.guid, children: make(map[string]struct{})}
	pn.children[d.guid] = struct{}{}
	c.mu.Unlock()

	c.metrics.DispatchersActive.Inc()
	c.logger.Debugf("DispatcherConnection:CreateDispatcher", "guid:%q parent:%q", d.guid, parent.guid)

	err = c.sendLocked(&protocol.Message{
		GUID:   parent.guid,
		Method: protocol.MethodCreate,
		Params: map[string]any{
			"type":        typ,
			"guid":        d.guid,
			"initializer": wire,
		},
	})
	c.sendMu.Unlock()
	if err != nil {
		c.fail(err)
		return nil, fmt.Errorf("creating %s: %w", typ, err)
	}

	if cl, ok := object.(closer); ok {
		go d.watch(cl)
	}

	return d, nil
}

// Adopt moves child under newParent and tells the client.
func (c *DispatcherConnection) Adopt(newParent, child *Dispatcher) error {
	c.sendMu.Lock()
	if err := c.reparent(newParent, child); err != nil {
		c.sendMu.Unlock()
		return err
	}
	err := c.sendLocked(&protocol.Message{
		GUID:   newParent.guid,
		Method: protocol.MethodAdopt,
		Params: map[string]any{"guid": child.guid},
	})
	c.sendMu.Unlock()
	if err != nil {
		c.fail(err)
		return fmt.Errorf("adopting %q: %w", child.guid, err)
	}
	return nil
}

// reparent moves child under newParent in the table. The caller holds sendMu.
func (c *DispatcherConnection) reparent(newParent, child *Dispatcher) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pn, okP := c.dispatchers[newParent.guid]
	cn, okC := c.dispatchers[child.guid]
	if !okP || !okC || child.guid == "" {
		return fmt.Errorf("adopting %q under %q: %w", child.guid, newParent.guid, ErrDisposed)
	}
	for g := newParent.guid; g != ""; g = c.dispatchers[g].parent {
		if g == child.guid {
			return fmt.Errorf("adopting %q under its descendant %q", child.guid, newParent.guid)
		}
	}
	if old, ok := c.dispatchers[cn.parent]; ok {
		delete(old.children, child.guid)
	}
	cn.parent = newParent.guid
	pn.children[child.guid] = struct{}{}
	return nil
}

func (c *DispatcherConnection) sendEvent(d *Dispatcher, name string, params map[string]any) error {
	wire, err := c.schema.ValidateEvent(d.typ, name, params, c.outgoing())
	if err != nil {
		return fmt.Errorf("event %s.%s: %w", d.typ, name, err)
	}

	c.sendMu.Lock()
	if d.IsDisposed() {
		c.sendMu.Unlock()
		return fmt.Errorf("event %s.%s on %q: %w", d.typ, name, d.guid, ErrDisposed)
	}
	err = c.sendLocked(&protocol.Message{GUID: d.guid, Method: name, Params: wire})
	c.sendMu.Unlock()
	if err != nil {
		c.fail(err)
		return fmt.Errorf("event %s.%s: %w", d.typ, name, err)
	}
	return nil
}

// dispose removes the subtree of d from the table and sends __dispose__ for
// every member, children before their parent.
func (c *DispatcherConnection) dispose(d *Dispatcher, reason string) {
	if d.guid == "" {
		c.logger.Warnf("DispatcherConnection:Dispose", "the root dispatcher can't be disposed")
		return
	}

	c.sendMu.Lock()
	c.mu.Lock()
	n, ok := c.dispatchers[d.guid]
	if !ok || n.d != d {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return
	}
	if p, ok := c.dispatchers[n.parent]; ok {
		delete(p.children, d.guid)
	}
	removed := c.removeSubtreeLocked(d.guid)
	c.mu.Unlock()

	var err error
	for _, r := range removed {
		params := map[string]any{}
		if reason != "" {
			params["reason"] = reason
		}
		if err = c.sendLocked(&protocol.Message{GUID: r.guid, Method: protocol.MethodDispose, Params: params}); err != nil {
			break
		}
	}
	c.sendMu.Unlock()

	c.logger.Debugf("DispatcherConnection:Dispose", "guid:%q descendants:%d reason:%q", d.guid, len(removed)-1, reason)
	c.notifyDisposed(removed, reason)
	if err != nil {
		c.fail(err)
	}
}

// removeSubtreeLocked walks the subtree of guid iteratively and returns its
// dispatchers in post order: every child comes before its parent.
func (c *DispatcherConnection) removeSubtreeLocked(guid string) []*Dispatcher {
	type frame struct {
		guid     string
		expanded bool
	}
	var (
		removed []*Dispatcher
		work    = []frame{{guid: guid}}
	)
	for len(work) > 0 {
		f := work[len(work)-1]
		work = work[:len(work)-1]

		n, ok := c.dispatchers[f.guid]
		if !ok {
			continue
		}
		if f.expanded {
			delete(c.dispatchers, f.guid)
			n.d.markDisposed()
			removed = append(removed, n.d)
			continue
		}

		work = append(work, frame{guid: f.guid, expanded: true})
		children := make([]string, 0, len(n.children))
		for child := range n.children {
			children = append(children, child)
		}
		sort.Sort(sort.Reverse(sort.StringSlice(children)))
		for _, child := range children {
			work = append(work, frame{guid: child})
		}
	}
	return removed
}

// notifyDisposed tells the local observers of the removed dispatchers, then
// drops them and closes their subscriptions.
func (c *DispatcherConnection) notifyDisposed(removed []*Dispatcher, reason string) {
	c.metrics.DispatchersActive.Sub(float64(len(removed)))
	for _, d := range removed {
		d.local.Emit(EventDispose, reason)
		d.local.RemoveAll()
	}
}

// sendLocked writes msg to the transport. The caller holds sendMu and calls
// fail once it released it if sending failed.
func (c *DispatcherConnection) sendLocked(msg *protocol.Message) error {
	if err := c.transport.Send(msg); err != nil {
		c.logger.Errorf("DispatcherConnection:send", "guid:%q method:%q id:%d err:%v", msg.GUID, msg.Method, msg.ID, err)
		return fmt.Errorf("sending to the client: %w", err)
	}
	return nil
}

// fail closes the connection after the transport failed. Serve returns err
// unless the transport was closed on purpose.
func (c *DispatcherConnection) fail(err error) {
	c.mu.Lock()
	if c.sendErr == nil && !c.closed && !errors.Is(err, transport.ErrClosed) {
		c.sendErr = err
	}
	c.mu.Unlock()

	c.Close()
}

func (c *DispatcherConnection) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendErr
}

func (c *DispatcherConnection) respond(id int64, result map[string]any, err error) {
	msg := &protocol.Message{ID: id}
	if err != nil {
		msg.Error = protocol.SerializeError(err)
	} else {
		msg.Result = result
	}

	c.sendMu.Lock()
	err = c.sendLocked(msg)
	c.sendMu.Unlock()
	if err != nil {
		c.fail(err)
	}
}

// Serve reads messages from the transport and dispatches them in arrival
// order until the transport closes, ctx is done or the client keeps breaking
// the protocol. The connection is closed when Serve returns.
func (c *DispatcherConnection) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
		}
		if err := c.transport.Close(); err != nil {
			c.logger.Debugf("DispatcherConnection:Serve", "closing transport: %v", err)
		}
	}()
	defer func() {
		c.Close()
		c.calls.Wait()
	}()

	for {
		msg, err := c.transport.Recv()
		if errors.Is(err, protocol.ErrMalformedMessage) {
			if c.violation(err) {
				return fmt.Errorf("%w: %w", ErrTooManyProtocolErrors, err)
			}
			continue
		}
		if err != nil {
			if ferr := c.failure(); ferr != nil {
				return ferr
			}
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		if err := c.Dispatch(msg); err != nil && c.violation(err) {
			return fmt.Errorf("%w: %w", ErrTooManyProtocolErrors, err)
		}
	}
}

// violation records a protocol violation and reports whether the connection
// has seen too many in a row.
func (c *DispatcherConnection) violation(err error) bool {
	c.metrics.ProtocolViolations.Inc()
	c.logger.Warnf("DispatcherConnection:Dispatch", "protocol violation: %v", err)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.violations++
	return c.opts.MaxProtocolErrors > 0 && c.violations >= c.opts.MaxProtocolErrors
}

// Dispatch routes one request to its handler. Resolving the target and
// validating params happen before Dispatch returns, so requests are admitted
// in arrival order; the handler runs on its own goroutine. The returned error
// reports a protocol violation; every request is answered either way.
func (c *DispatcherConnection) Dispatch(msg *protocol.Message) error {
	if !msg.IsRequest() {
		return protocol.NewProtocolError("unexpected message id:%d guid:%q method:%q", msg.ID, msg.GUID, msg.Method)
	}

	d, ok := c.Dispatcher(msg.GUID)
	if !ok {
		c.metrics.Calls.WithLabelValues("", msg.Method, outcomeTargetClosed).Inc()
		c.respond(msg.ID, nil, &TargetClosedError{GUID: msg.GUID})
		return nil
	}

	handler, ok := c.handlers.Find(d.typ, msg.Method)
	if !ok || !c.schema.HasMethod(d.typ, msg.Method) {
		err := protocol.NewProtocolError("unknown method %s.%s", d.typ, msg.Method)
		c.metrics.Calls.WithLabelValues(d.typ, msg.Method, outcomeInvalid).Inc()
		c.respond(msg.ID, nil, err)
		return err
	}

	c.mu.Lock()
	c.violations = 0
	c.mu.Unlock()

	params, err := c.schema.ValidateParams(d.typ, msg.Method, msg.Params, c.incoming())
	if err != nil {
		outcome := outcomeInvalid
		if errors.Is(err, ErrTargetClosed) {
			outcome = outcomeTargetClosed
		}
		c.metrics.Calls.WithLabelValues(d.typ, msg.Method, outcome).Inc()
		c.respond(msg.ID, nil, err)
		return nil
	}

	md := msg.Metadata.CallMetadata()
	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		c.call(d, handler, msg.ID, msg.Method, params, md)
	}()

	return nil
}

func (c *DispatcherConnection) call(
	d *Dispatcher, handler Handler, id int64, method string, params map[string]any, md *stack.CallMetadata,
) {
	start := time.Now()
	ctx := stack.WithMetadata(d.ctx, md)

	c.logger.Debugf("DispatcherConnection:call", "id:%d guid:%q method:%q api:%q", id, d.guid, method, md.APIName)

	result, err := handler(ctx, d, params)
	if err == nil {
		result, err = c.schema.ValidateResult(d.typ, method, result, c.outgoing())
	}

	outcome := outcomeOK
	switch {
	case err != nil && d.IsDisposed():
		err = &TargetClosedError{GUID: d.guid, Cause: err}
		outcome = outcomeTargetClosed
	case err != nil:
		outcome = outcomeError
	}

	c.metrics.Calls.WithLabelValues(d.typ, method, outcome).Inc()
	c.metrics.CallDuration.WithLabelValues(d.typ, method).Observe(time.Since(start).Seconds())
	c.respond(id, result, err)
}

// Close disposes every dispatcher without telling the client, cancels
// running handlers, closes the transport and drops the local observers.
// Serve returns once the running handlers are done.
func (c *DispatcherConnection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	root := c.dispatchers[""]
	var removed []*Dispatcher
	for g := range root.children {
		removed = append(removed, c.removeSubtreeLocked(g)...)
	}
	root.children = make(map[string]struct{})
	c.mu.Unlock()

	c.cancel()
	if err := c.transport.Close(); err != nil {
		c.logger.Debugf("DispatcherConnection:Close", "closing transport: %v", err)
	}
	c.notifyDisposed(removed, "")
}

// Done is closed once the connection is closed.
func (c *DispatcherConnection) Done() <-chan struct{} {
	return c.ctx.Done()
}
