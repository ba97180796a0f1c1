package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-channel/config"
	"github.com/grafana/xk6-channel/event"
	"github.com/grafana/xk6-channel/protocol"
	"github.com/grafana/xk6-channel/stack"
	"github.com/grafana/xk6-channel/transport"
)

func testSchema() *protocol.Schema {
	s := protocol.NewSchema()
	s.Initializer("Node", protocol.TObject(map[string]protocol.Validator{
		"name": protocol.TString,
	}))
	s.Method("Node", "name", nil, protocol.TObject(map[string]protocol.Validator{
		"name": protocol.TString,
	}))
	s.Method("Node", "link",
		protocol.TObject(map[string]protocol.Validator{
			"node": protocol.TChannel("Node"),
		}),
		protocol.TObject(map[string]protocol.Validator{
			"node": protocol.TOptional(protocol.TChannel("Node")),
		}),
	)
	s.Event("Node", "ping", protocol.TObject(map[string]protocol.Validator{
		"n": protocol.TNumber,
	}))
	return s
}

type testPeer struct {
	conn *Connection
	peer *transport.PipeEnd
	ran  chan error
}

// newTestPeer runs a client connection against a pipe end driven by the
// test, which plays the server.
func newTestPeer(t *testing.T, opts ...Option) *testPeer {
	t.Helper()

	local, peer := transport.Pipe()
	opts = append([]Option{WithClassifier(stack.NewClassifier())}, opts...)
	tp := &testPeer{
		conn: NewConnection(local, testSchema(), opts...),
		peer: peer,
		ran:  make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { tp.ran <- tp.conn.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-tp.ran
	})

	return tp
}

func (tp *testPeer) send(t *testing.T, msg *protocol.Message) {
	t.Helper()
	require.NoError(t, tp.peer.Send(msg))
}

func (tp *testPeer) recv(t *testing.T) *protocol.Message {
	t.Helper()

	ch := make(chan *protocol.Message, 1)
	go func() {
		msg, err := tp.peer.Recv()
		if err != nil {
			close(ch)
			return
		}
		ch <- msg
	}()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "pipe closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message from the client")
		return nil
	}
}

// create announces a Node and waits until the client knows it.
func (tp *testPeer) create(t *testing.T, parent, guid string) Object {
	t.Helper()

	tp.send(t, &protocol.Message{
		GUID:   parent,
		Method: protocol.MethodCreate,
		Params: map[string]any{
			"type":        "Node",
			"guid":        guid,
			"initializer": map[string]any{"name": guid},
		},
	})
	var obj Object
	require.Eventually(t, func() bool {
		var ok bool
		obj, ok = tp.conn.Object(guid)
		return ok
	}, 5*time.Second, time.Millisecond)
	return obj
}

func (tp *testPeer) dispose(t *testing.T, guid, reason string) {
	t.Helper()

	params := map[string]any{}
	if reason != "" {
		params["reason"] = reason
	}
	tp.send(t, &protocol.Message{GUID: guid, Method: protocol.MethodDispose, Params: params})
	require.Eventually(t, func() bool {
		_, ok := tp.conn.Object(guid)
		return !ok
	}, 5*time.Second, time.Millisecond)
}

type call struct {
	res map[string]any
	err error
}

func (tp *testPeer) call(ctx context.Context, target Object, method string, params map[string]any) <-chan call {
	ch := make(chan call, 1)
	go func() {
		res, err := tp.conn.SendMessageToServer(ctx, target, method, params)
		ch <- call{res, err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan call) call {
	t.Helper()

	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("call did not settle")
		return call{}
	}
}

func TestConnectionCreate(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)

	var (
		mu      sync.Mutex
		created []string
	)
	tp.conn.On(EventObjectCreated, func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		if obj, ok := ev.Data.(Object); ok {
			created = append(created, obj.GUID())
		}
	})

	a := tp.create(t, "", "node@a")
	b := tp.create(t, "node@a", "node@b")

	assert.Equal(t, "Node", a.Type())
	assert.Equal(t, map[string]any{"name": "node@b"}, b.owner().Initializer())
	assert.Equal(t, a, b.owner().Parent())
	assert.Equal(t, []Object{b}, a.owner().Children())
	assert.Equal(t, tp.conn.Root(), a.owner().Parent())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual([]string{"node@a", "node@b"}, created)
	}, 5*time.Second, time.Millisecond)
}

func TestConnectionCreateWithFactory(t *testing.T) {
	t.Parallel()

	type node struct {
		*ChannelOwner
	}
	tp := newTestPeer(t, WithFactory("Node", func(o *ChannelOwner) Object {
		return &node{ChannelOwner: o}
	}))

	obj := tp.create(t, "", "node@a")
	n, ok := obj.(*node)
	require.True(t, ok)
	assert.Same(t, n, n.Object())
}

func TestConnectionCreateErrors(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	errs := make(chan error, 4)
	tp.conn.On(EventConnectionError, func(ev event.Event) {
		err, _ := ev.Data.(error)
		errs <- err
	})

	tp.create(t, "", "node@a")
	for _, msg := range []*protocol.Message{
		{GUID: "node@missing", Method: protocol.MethodCreate, Params: map[string]any{
			"type": "Node", "guid": "node@b", "initializer": map[string]any{"name": "b"},
		}},
		{GUID: "", Method: protocol.MethodCreate, Params: map[string]any{
			"type": "Node", "guid": "node@a", "initializer": map[string]any{"name": "a"},
		}},
		{GUID: "", Method: protocol.MethodCreate, Params: map[string]any{
			"type": "Node", "guid": "node@c", "initializer": map[string]any{"name": 3},
		}},
	} {
		tp.send(t, msg)
		select {
		case err := <-errs:
			assert.Error(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("no error reported")
		}
	}
	_, ok := tp.conn.Object("node@b")
	assert.False(t, ok)
	_, ok = tp.conn.Object("node@c")
	assert.False(t, ok)
}

func TestConnectionCallsSettleByID(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")

	first := tp.call(context.Background(), a, "name", nil)
	req1 := tp.recv(t)
	second := tp.call(context.Background(), a, "name", nil)
	req2 := tp.recv(t)

	assert.Equal(t, "node@a", req1.GUID)
	assert.Equal(t, "name", req1.Method)
	assert.Equal(t, "node.name", req1.Metadata.APIName)
	assert.Greater(t, req2.ID, req1.ID)

	tp.send(t, &protocol.Message{ID: req2.ID, Result: map[string]any{"name": "second"}})
	tp.send(t, &protocol.Message{ID: req1.ID, Result: map[string]any{"name": "first"}})
	// a second response to the same call is ignored.
	tp.send(t, &protocol.Message{ID: req1.ID, Result: map[string]any{"name": "again"}})

	c2 := wait(t, second)
	require.NoError(t, c2.err)
	assert.Equal(t, "second", c2.res["name"])
	c1 := wait(t, first)
	require.NoError(t, c1.err)
	assert.Equal(t, "first", c1.res["name"])
	assert.Empty(t, tp.conn.PendingOperations())
}

func TestConnectionRemoteError(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")

	ch := tp.call(context.Background(), a, "name", nil)
	req := tp.recv(t)
	tp.send(t, &protocol.Message{ID: req.ID, Error: &protocol.SerializedError{
		Name:    protocol.ErrorNameTargetClosed,
		Message: "target node@a has been closed",
		Stack:   "TargetClosedError: remote stack",
	}})

	c := wait(t, ch)
	var rerr *Error
	require.ErrorAs(t, c.err, &rerr)
	assert.ErrorIs(t, c.err, ErrTargetClosed)
	assert.Equal(t, "target node@a has been closed", c.err.Error())
	assert.Equal(t, "TargetClosedError: remote stack", rerr.RemoteStack)
	assert.Equal(t, "node.name", rerr.Metadata.APIName)
}

func TestConnectionParamsAndResults(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")
	b := tp.create(t, "", "node@b")

	ch := tp.call(context.Background(), a, "link", map[string]any{"node": b})
	req := tp.recv(t)
	assert.Equal(t, map[string]any{"node": map[string]any{"guid": "node@b"}}, req.Params)

	tp.send(t, &protocol.Message{ID: req.ID, Result: map[string]any{"node": map[string]any{"guid": "node@b"}}})
	c := wait(t, ch)
	require.NoError(t, c.err)
	assert.Equal(t, b, c.res["node"])

	ch = tp.call(context.Background(), a, "link", map[string]any{"node": b})
	req = tp.recv(t)
	tp.send(t, &protocol.Message{ID: req.ID, Result: map[string]any{"node": map[string]any{"guid": "node@gone"}}})
	c = wait(t, ch)
	require.NoError(t, c.err)
	assert.Equal(t, DisposedRef{GUID: "node@gone"}, c.res["node"])

	_, err := tp.conn.SendMessageToServer(context.Background(), a, "link", map[string]any{"node": "b"})
	var verr *protocol.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "node", verr.Path)
}

func TestConnectionEvents(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")

	got := make(chan any, 1)
	a.owner().On("ping", func(ev event.Event) { got <- ev.Data })
	tp.send(t, &protocol.Message{GUID: "node@a", Method: "ping", Params: map[string]any{"n": 1}})

	select {
	case data := <-got:
		assert.Equal(t, map[string]any{"n": 1.0}, data)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestConnectionDisposeSubtree(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")
	b := tp.create(t, "node@a", "node@b")
	c := tp.create(t, "node@b", "node@c")
	other := tp.create(t, "", "node@other")

	var (
		mu      sync.Mutex
		reasons = make(map[string]string)
	)
	for _, o := range []Object{a, b, c} {
		o := o
		o.owner().On(EventDispose, func(ev event.Event) {
			mu.Lock()
			defer mu.Unlock()
			reasons[o.GUID()], _ = ev.Data.(string)
		})
	}

	tp.dispose(t, "node@a", protocol.DisposeReasonGC)

	for _, o := range []Object{a, b, c} {
		assert.True(t, o.owner().IsDisposed())
		assert.Equal(t, protocol.DisposeReasonGC, o.owner().DisposeReason())
		_, ok := tp.conn.Object(o.GUID())
		assert.False(t, ok)
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual(map[string]string{
			"node@a": "gc",
			"node@b": "gc",
			"node@c": "gc",
		}, reasons)
	}, 5*time.Second, time.Millisecond)
	assert.False(t, other.owner().IsDisposed())
	assert.Equal(t, []Object{other}, tp.conn.Root().Children())

	_, err := tp.conn.SendMessageToServer(context.Background(), b, "name", nil)
	assert.ErrorIs(t, err, ErrTargetClosed)
	assert.Contains(t, err.Error(), "node@b")
}

func TestConnectionDisposeKeepsPendingCalls(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")

	ch := tp.call(context.Background(), a, "name", nil)
	req := tp.recv(t)
	tp.dispose(t, "node@a", "")

	select {
	case <-ch:
		t.Fatal("the call settled before the server answered")
	case <-time.After(20 * time.Millisecond):
	}

	tp.send(t, &protocol.Message{ID: req.ID, Result: map[string]any{"name": "late"}})
	c := wait(t, ch)
	require.NoError(t, c.err)
	assert.Equal(t, "late", c.res["name"])
}

func TestConnectionAdopt(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")
	b := tp.create(t, "", "node@b")

	tp.send(t, &protocol.Message{GUID: "node@a", Method: protocol.MethodAdopt, Params: map[string]any{"guid": "node@b"}})
	require.Eventually(t, func() bool {
		return b.owner().Parent() == a
	}, 5*time.Second, time.Millisecond)

	tp.dispose(t, "node@a", "")
	assert.True(t, b.owner().IsDisposed())
}

func TestConnectionTimeout(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")

	pending := tp.call(context.Background(), a, "name", nil)
	tp.recv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tp.conn.SendMessageToServer(ctx, a, "name", nil)
	tp.recv(t)

	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "node.name", terr.Metadata.APIName)
	require.Len(t, terr.Pending, 1)
	assert.Equal(t, "node.name", terr.Pending[0].APIName)
	assert.Contains(t, fmt.Sprintf("%+v", err), "pending operations:")

	require.Len(t, tp.conn.PendingOperations(), 1)

	tp.conn.Close(nil)
	c := wait(t, pending)
	assert.ErrorIs(t, c.err, ErrConnectionClosed)
}

func TestConnectionCallTimeoutOption(t *testing.T) {
	t.Parallel()

	opts := config.NewOptions()
	opts.CallTimeout = 20 * time.Millisecond
	tp := newTestPeer(t, WithOptions(opts))
	a := tp.create(t, "", "node@a")

	_, err := tp.conn.SendMessageToServer(context.Background(), a, "name", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "node.name: timeout")
}

func TestConnectionClose(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")

	closed := make(chan any, 1)
	tp.conn.On(EventConnectionClose, func(ev event.Event) { closed <- ev.Data })

	ch := tp.call(context.Background(), a, "name", nil)
	tp.recv(t)
	require.NoError(t, tp.peer.Close())

	c := wait(t, ch)
	assert.ErrorIs(t, c.err, ErrConnectionClosed)

	select {
	case <-tp.conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed")
	}
	select {
	case cause := <-closed:
		err, _ := cause.(error)
		assert.True(t, errors.Is(err, transport.ErrClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("close not emitted")
	}
	assert.True(t, a.owner().IsDisposed())

	_, err := tp.conn.SendMessageToServer(context.Background(), tp.conn.Root(), "name", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectionMalformedMessage(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	errs := make(chan error, 1)
	tp.conn.On(EventConnectionError, func(ev event.Event) {
		err, _ := ev.Data.(error)
		errs <- err
	})

	require.NoError(t, tp.peer.SendRaw([]byte(`{"id":`)))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported")
	}

	tp.create(t, "", "node@a")
}

func TestFallbackAPIName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "browserContext.newPage", fallbackAPIName("BrowserContext", "newPage"))
	assert.Equal(t, "close", fallbackAPIName("", "close"))
}

func TestConnectionConcurrentCallIDs(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")

	const n = 50
	calls := make([]<-chan call, n)
	for i := range calls {
		calls[i] = tp.call(context.Background(), a, "name", nil)
	}

	ids := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		req := tp.recv(t)
		assert.False(t, ids[req.ID], "id %d reused", req.ID)
		ids[req.ID] = true
	}
	assert.Len(t, tp.conn.PendingOperations(), n)

	for id := range ids {
		tp.send(t, &protocol.Message{ID: id, Result: map[string]any{"name": fmt.Sprint(id)}})
	}
	for _, ch := range calls {
		c := wait(t, ch)
		require.NoError(t, c.err)
	}
	assert.Empty(t, tp.conn.PendingOperations())
}

func TestConnectionCallCancelled(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")

	ctx, cancel := context.WithCancel(context.Background())
	ch := tp.call(ctx, a, "name", nil)
	tp.recv(t)
	cancel()

	c := wait(t, ch)
	assert.ErrorIs(t, c.err, context.Canceled)
	var terr *TimeoutError
	assert.False(t, errors.As(c.err, &terr))
	assert.Empty(t, tp.conn.PendingOperations())
}

func TestConnectionEventsRunBeforeTheResponse(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")

	var (
		mu   sync.Mutex
		seen []any
	)
	a.owner().On("ping", func(ev event.Event) {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Data)
	})

	ch := tp.call(context.Background(), a, "name", nil)
	req := tp.recv(t)
	tp.send(t, &protocol.Message{GUID: "node@a", Method: "ping", Params: map[string]any{"n": 1}})
	tp.send(t, &protocol.Message{ID: req.ID, Result: map[string]any{"name": "a"}})

	c := wait(t, ch)
	require.NoError(t, c.err)
	mu.Lock()
	assert.Equal(t, []any{map[string]any{"n": 1.0}}, seen)
	mu.Unlock()
}

func TestConnectionObserverCallsBack(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")

	got := make(chan call, 1)
	a.owner().Once("ping", func(event.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := tp.conn.SendMessageToServer(ctx, a, "name", nil)
		got <- call{res, err}
	})
	pinged := make(chan struct{}, 1)
	a.owner().On("ping", func(event.Event) { pinged <- struct{}{} })

	tp.send(t, &protocol.Message{GUID: "node@a", Method: "ping", Params: map[string]any{"n": 1}})
	req := tp.recv(t)
	assert.Equal(t, "name", req.Method)
	tp.send(t, &protocol.Message{ID: req.ID, Result: map[string]any{"name": "from the observer"}})

	c := wait(t, got)
	require.NoError(t, c.err)
	assert.Equal(t, "from the observer", c.res["name"])

	select {
	case <-pinged:
	case <-time.After(5 * time.Second):
		t.Fatal("the next observer did not run")
	}
}

func TestConnectionSubscriptionEndsOnDispose(t *testing.T) {
	t.Parallel()

	tp := newTestPeer(t)
	a := tp.create(t, "", "node@a")

	ch := a.owner().Subscribe(context.Background(), "ping")
	tp.send(t, &protocol.Message{GUID: "node@a", Method: "ping", Params: map[string]any{"n": 1}})
	tp.dispose(t, "node@a", "")

	var got []event.Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-ch:
			if !ok {
				done = true
				break
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("subscription on a disposed object never closed")
		}
	}
	require.Len(t, got, 1)
	assert.Equal(t, "ping", got[0].Name)
	assert.Zero(t, a.owner().ListenerCount(EventDispose))
}

type brokenSend struct {
	*transport.PipeEnd
}

func (brokenSend) Send(*protocol.Message) error {
	return errors.New("write: broken pipe")
}

func TestConnectionSendFailureClosesConnection(t *testing.T) {
	t.Parallel()

	local, peer := transport.Pipe()
	conn := NewConnection(brokenSend{local}, testSchema(), WithClassifier(stack.NewClassifier()))
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() { ran <- conn.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-ran
	})

	require.NoError(t, peer.Send(&protocol.Message{
		GUID:   "",
		Method: protocol.MethodCreate,
		Params: map[string]any{"type": "Node", "guid": "node@a", "initializer": map[string]any{"name": "a"}},
	}))
	var a Object
	require.Eventually(t, func() bool {
		var ok bool
		a, ok = conn.Object("node@a")
		return ok
	}, 5*time.Second, time.Millisecond)

	_, err := conn.SendMessageToServer(context.Background(), a, "name", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorContains(t, err, "broken pipe")

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed")
	}
	assert.True(t, a.owner().IsDisposed())
}
