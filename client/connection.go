// Package client implements the client side of a channel connection: local
// proxies for remote objects, the pending call table and the translation of
// wire messages into calls, events and object lifecycle changes.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/grafana/xk6-channel/config"
	"github.com/grafana/xk6-channel/event"
	"github.com/grafana/xk6-channel/log"
	"github.com/grafana/xk6-channel/protocol"
	"github.com/grafana/xk6-channel/stack"
	"github.com/grafana/xk6-channel/trace"
	"github.com/grafana/xk6-channel/transport"
)

// RootType is the protocol type of the root object.
const RootType = protocol.TypeRoot

type callResult struct {
	result map[string]any
	err    *protocol.SerializedError
	local  error
	// after is the number of observer items enqueued before the response.
	after uint64
}

type pendingCall struct {
	id     int64
	guid   string
	typ    string
	method string
	md     *stack.CallMetadata
	// ch is buffered so that settling never blocks.
	ch chan callResult
}

// node is one entry of the object table. The tree is expressed with guids
// only.
type node struct {
	owner    *ChannelOwner
	parent   string
	children map[string]struct{}
}

// Connection is the client end of a channel connection.
type Connection struct {
	event.Emitter

	transport  transport.Transport
	schema     *protocol.Schema
	logger     *log.Logger
	tracer     *trace.Tracer
	classifier *stack.Classifier
	factories  map[string]Factory
	opts       *config.Options

	lastID atomic.Int64
	events *eventQueue

	mu       sync.Mutex
	objects  map[string]*node
	pending  map[int64]*pendingCall
	closed   bool
	closeErr error

	root *ChannelOwner
	done chan struct{}
}

// NewConnection returns a connection speaking schema over t. Call Run to
// start processing incoming messages and Close to release the connection.
func NewConnection(t transport.Transport, schema *protocol.Schema, opts ...Option) *Connection {
	c := &Connection{
		transport: t,
		schema:    schema,
		factories: make(map[string]Factory),
		objects:   make(map[string]*node),
		pending:   make(map[int64]*pendingCall),
		events:    newEventQueue(),
		done:      make(chan struct{}),
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
	if c.tracer == nil {
		c.tracer = trace.NewNoopTracer()
	}
	if c.classifier == nil {
		c.classifier = stack.NewClassifier(c.opts.InternalPackages...)
	}

	c.root = newChannelOwner(c, RootType, "", map[string]any{})
	c.objects[""] = &node{owner: c.root, children: make(map[string]struct{})}

	return c
}

// Root returns the root object.
func (c *Connection) Root() *ChannelOwner {
	return c.root
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Object returns the live object with the given guid.
func (c *Connection) Object(guid string) (Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.objects[guid]
	if !ok {
		return nil, false
	}
	return n.owner.object, true
}

func (c *Connection) parentOf(guid string) Object {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.objects[guid]
	if !ok || guid == "" {
		return nil
	}
	p, ok := c.objects[n.parent]
	if !ok {
		return nil
	}
	return p.owner.object
}

func (c *Connection) childrenOf(guid string) []Object {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.objects[guid]
	if !ok {
		return nil
	}
	guids := make([]string, 0, len(n.children))
	for g := range n.children {
		guids = append(guids, g)
	}
	sort.Strings(guids)

	children := make([]Object, 0, len(guids))
	for _, g := range guids {
		children = append(children, c.objects[g].owner.object)
	}
	return children
}

// Run reads messages from the transport and dispatches them in arrival order
// until the transport fails or ctx is done. The connection is closed when
// Run returns.
func (c *Connection) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close(ctx.Err())
		case <-c.done:
		}
	}()

	for {
		msg, err := c.transport.Recv()
		if errors.Is(err, protocol.ErrMalformedMessage) {
			c.reportError(err)
			continue
		}
		if err != nil {
			c.Close(err)
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, transport.ErrClosed):
				return nil
			}
			return err
		}
		_ = c.Dispatch(msg)
	}
}

func (c *Connection) reportError(err error) {
	c.logger.Errorf("Connection:Dispatch", "%v", err)
	c.events.push(func() { c.Emit(EventConnectionError, err) })
}

// SendMessageToServer calls method on the remote object behind target and
// waits for the result. The call site is captured before anything else so
// errors and diagnostics point at the user code that made the call.
//
// Observers of what the connection received before the response have run
// when SendMessageToServer returns, unless the call was made from one of
// them.
func (c *Connection) SendMessageToServer(
	ctx context.Context, target Object, method string, params map[string]any,
) (map[string]any, error) {
	start := time.Now()
	md, ok := stack.FromContext(ctx)
	if !ok {
		md = c.classifier.Capture(0)
	}
	if md.APIName == "" {
		cp := *md
		cp.APIName = fallbackAPIName(target.Type(), method)
		md = &cp
	}

	o := target.owner()
	if err := c.closedErr(); err != nil {
		return nil, fmt.Errorf("%s: %w", md.APIName, err)
	}
	if o.IsDisposed() {
		return nil, newTargetClosedError(o.guid, md)
	}

	wire, err := c.schema.ValidateParams(o.typ, method, params, c.outgoing())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", md.APIName, err)
	}

	if _, ok := ctx.Deadline(); !ok && c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	horizon := c.events.horizon()
	id := c.lastID.Add(1)
	_, span := c.tracer.TraceAPICall(ctx, o.guid, md.APIName, oteltrace.WithAttributes(
		trace.AttrMethod.String(method),
		trace.AttrCallID.Int64(id),
		trace.AttrLocation.String(md.Location()),
	))
	defer span.End()

	pc := &pendingCall{
		id:     id,
		guid:   o.guid,
		typ:    o.typ,
		method: method,
		md:     md,
		ch:     make(chan callResult, 1),
	}

	c.mu.Lock()
	switch {
	case c.closed:
		cerr := c.closeErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", md.APIName, cerr)
	case o.IsDisposed():
		c.mu.Unlock()
		return nil, newTargetClosedError(o.guid, md)
	}
	c.pending[id] = pc
	c.mu.Unlock()

	c.logger.Debugf("Connection:SendMessageToServer", "id:%d guid:%q method:%q api:%q", id, o.guid, method, md.APIName)

	err = c.transport.Send(&protocol.Message{
		ID:       id,
		GUID:     o.guid,
		Method:   method,
		Params:   wire,
		Metadata: protocol.NewMetadata(md),
	})
	if err != nil {
		c.logger.Errorf("Connection:SendMessageToServer", "sending id:%d: %v", id, err)
		c.Close(fmt.Errorf("sending %s: %w", md.APIName, err))
	}

	var res callResult
	select {
	case res = <-pc.ch:
		if res.local == nil {
			c.events.wait(ctx, min(res.after, horizon))
		}
	case <-ctx.Done():
		c.abandon(id)
		err := c.timeoutError(ctx, md, start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	switch {
	case res.local != nil:
		span.RecordError(res.local)
		span.SetStatus(codes.Error, res.local.Error())
		return nil, fmt.Errorf("%s: %w", md.APIName, res.local)
	case res.err != nil:
		rerr := newRemoteError(res.err, md)
		span.RecordError(rerr)
		span.SetStatus(codes.Error, rerr.Message)
		return nil, rerr
	}

	result, err := c.schema.ValidateResult(o.typ, method, res.result, c.incoming())
	if err != nil {
		c.reportError(fmt.Errorf("result of %s: %w", md.APIName, err))
		return nil, fmt.Errorf("%s: %w", md.APIName, err)
	}
	return result, nil
}

// closedErr returns why the connection was closed, or nil while it's open.
func (c *Connection) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	return c.closeErr
}

func (c *Connection) timeoutError(ctx context.Context, md *stack.CallMetadata, start time.Time) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", md.APIName, ctx.Err())
	}
	var timeout time.Duration
	if d, ok := ctx.Deadline(); ok {
		timeout = d.Sub(start).Round(time.Millisecond)
	}
	return &TimeoutError{
		Metadata: md,
		Timeout:  timeout,
		Pending:  c.PendingOperations(),
		cause:    ctx.Err(),
	}
}

// settle hands res to the pending call id and forgets it. It reports false
// if there is no such call, e.g. it was already settled.
func (c *Connection) settle(id int64, res callResult) bool {
	c.mu.Lock()
	pc, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		return false
	}
	pc.ch <- res
	return true
}

func (c *Connection) abandon(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// PendingOperations returns the metadata of the calls in flight, oldest first.
func (c *Connection) PendingOperations() []*stack.CallMetadata {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, pc := range c.pending {
		calls = append(calls, pc)
	}
	c.mu.Unlock()

	sort.Slice(calls, func(i, j int) bool { return calls[i].id < calls[j].id })
	mds := make([]*stack.CallMetadata, len(calls))
	for i, pc := range calls {
		mds[i] = pc.md
	}
	return mds
}

// Dispatch processes one incoming message. Failures that can't be handed to
// a call are emitted as EventConnectionError and returned.
func (c *Connection) Dispatch(msg *protocol.Message) error {
	var err error
	switch {
	case msg.IsResponse():
		c.dispatchResponse(msg)
		return nil
	case msg.Method == protocol.MethodCreate:
		err = c.dispatchCreate(msg)
	case msg.Method == protocol.MethodAdopt:
		err = c.dispatchAdopt(msg)
	case msg.Method == protocol.MethodDispose:
		reason, _ := msg.Params["reason"].(string)
		err = c.dispose(msg.GUID, reason)
	case msg.ID == 0 && msg.Method != "":
		err = c.dispatchEvent(msg)
	default:
		err = fmt.Errorf("%w: unexpected message id:%d method:%q", protocol.ErrMalformedMessage, msg.ID, msg.Method)
	}
	if err != nil {
		c.reportError(err)
	}
	return err
}

func (c *Connection) dispatchResponse(msg *protocol.Message) {
	res := callResult{result: msg.Result, err: msg.Error, after: c.events.mark()}
	if res.result == nil && res.err == nil {
		res.result = map[string]any{}
	}
	if !c.settle(msg.ID, res) {
		c.logger.Debugf("Connection:Dispatch", "ignoring response to unknown call id:%d", msg.ID)
	}
}

func (c *Connection) dispatchCreate(msg *protocol.Message) error {
	typ, _ := msg.Params["type"].(string)
	guid, _ := msg.Params["guid"].(string)
	if typ == "" || guid == "" {
		return fmt.Errorf("%w: %s without type or guid", protocol.ErrMalformedMessage, protocol.MethodCreate)
	}
	raw, _ := msg.Params["initializer"].(map[string]any)
	initializer, err := c.schema.ValidateInitializer(typ, raw, c.incoming())
	if err != nil {
		return fmt.Errorf("creating %s: %w", guid, err)
	}

	o := newChannelOwner(c, typ, guid, initializer)
	if f, ok := c.factories[typ]; ok {
		o.object = f(o)
	}

	c.mu.Lock()
	parent, ok := c.objects[msg.GUID]
	switch {
	case !ok:
		c.mu.Unlock()
		return fmt.Errorf("creating %s: unknown parent %q", guid, msg.GUID)
	case c.objects[guid] != nil:
		c.mu.Unlock()
		return fmt.Errorf("creating %s: duplicate guid", guid)
	}
	c.objects[guid] = &node{owner: o, parent: msg.GUID, children: make(map[string]struct{})}
	parent.children[guid] = struct{}{}
	c.mu.Unlock()

	c.logger.Debugf("Connection:Dispatch", "created %s %q under %q", typ, guid, msg.GUID)
	c.tracer.TraceObject(context.Background(), guid, typ)
	c.events.push(func() { c.Emit(EventObjectCreated, o.object) })

	return nil
}

func (c *Connection) dispatchAdopt(msg *protocol.Message) error {
	guid, _ := msg.Params["guid"].(string)

	c.mu.Lock()
	defer c.mu.Unlock()

	child, ok := c.objects[guid]
	if !ok {
		return fmt.Errorf("adopting %q: unknown object", guid)
	}
	parent, ok := c.objects[msg.GUID]
	if !ok {
		return fmt.Errorf("adopting %q: unknown parent %q", guid, msg.GUID)
	}
	for g := msg.GUID; g != ""; g = c.objects[g].parent {
		if g == guid {
			return fmt.Errorf("adopting %q: %q is its descendant", guid, msg.GUID)
		}
	}
	if old, ok := c.objects[child.parent]; ok {
		delete(old.children, guid)
	}
	child.parent = msg.GUID
	parent.children[guid] = struct{}{}

	return nil
}

func (c *Connection) dispatchEvent(msg *protocol.Message) error {
	c.mu.Lock()
	n, ok := c.objects[msg.GUID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("event %q for unknown object %q", msg.Method, msg.GUID)
	}

	o := n.owner
	params, err := c.schema.ValidateEvent(o.typ, msg.Method, msg.Params, c.incoming())
	if err != nil {
		return fmt.Errorf("event %s.%s: %w", o.typ, msg.Method, err)
	}

	c.events.push(func() {
		_, span := c.tracer.TraceEvent(context.Background(), o.guid, msg.Method)
		defer span.End()
		o.Emit(msg.Method, params)
	})

	return nil
}

// dispose removes guid and its whole subtree from the table in one step,
// then notifies the removed owners.
func (c *Connection) dispose(guid, reason string) error {
	if guid == "" {
		return errors.New("the root object can't be disposed")
	}

	c.mu.Lock()
	n, ok := c.objects[guid]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("disposing unknown object %q", guid)
	}
	if p, ok := c.objects[n.parent]; ok {
		delete(p.children, guid)
	}
	removed := c.removeSubtreeLocked(guid, reason)
	c.mu.Unlock()

	c.logger.Debugf("Connection:Dispatch", "disposed %q and %d descendants reason:%q", guid, len(removed)-1, reason)
	c.notifyDisposed(removed, reason)

	return nil
}

// removeSubtreeLocked walks the subtree of guid iteratively, parent first,
// and removes every node from the table.
func (c *Connection) removeSubtreeLocked(guid, reason string) []*ChannelOwner {
	var removed []*ChannelOwner
	queue := []string{guid}
	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]

		n, ok := c.objects[g]
		if !ok {
			continue
		}
		delete(c.objects, g)
		n.owner.markDisposed(reason)
		removed = append(removed, n.owner)

		children := make([]string, 0, len(n.children))
		for child := range n.children {
			children = append(children, child)
		}
		sort.Strings(children)
		queue = append(queue, children...)
	}
	return removed
}

// notifyDisposed tells the observers of the removed owners, then drops them
// and closes their subscriptions.
func (c *Connection) notifyDisposed(removed []*ChannelOwner, reason string) {
	c.events.push(func() {
		for _, o := range removed {
			c.tracer.EndObject(o.guid, reason)
			o.Emit(EventDispose, reason)
			o.RemoveAll()
		}
	})
}

// Close rejects every pending call, disposes the object tree and closes the
// transport. Only the first call has an effect.
func (c *Connection) Close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if cause == nil {
		cause = transport.ErrClosed
	}
	c.closeErr = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)

	pending := make([]*pendingCall, 0, len(c.pending))
	for _, pc := range c.pending {
		pending = append(pending, pc)
	}
	c.pending = make(map[int64]*pendingCall)

	var removed []*ChannelOwner
	root := c.objects[""]
	children := make([]string, 0, len(root.children))
	for g := range root.children {
		children = append(children, g)
	}
	sort.Strings(children)
	for _, g := range children {
		removed = append(removed, c.removeSubtreeLocked(g, "")...)
	}
	root.children = make(map[string]struct{})
	closeErr := c.closeErr
	c.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].id < pending[j].id })
	if len(pending) > 0 {
		ops := make([]string, len(pending))
		for i, pc := range pending {
			ops[i] = pc.md.String()
		}
		c.logger.Warnf("Connection:Close", "%v, pending operations:\n  - %s", cause, strings.Join(ops, "\n  - "))
	}
	for _, pc := range pending {
		pc.ch <- callResult{local: closeErr}
	}

	if err := c.transport.Close(); err != nil {
		c.logger.Debugf("Connection:Close", "closing transport: %v", err)
	}
	c.notifyDisposed(removed, "")
	close(c.done)
	c.events.push(func() {
		c.Emit(EventConnectionClose, cause)
		c.RemoveAll()
	})
	c.events.stop()
}
