package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jwriter"
	"github.com/oxtoacart/bpool"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/xk6-channel/log"
	"github.com/grafana/xk6-channel/protocol"
)

const (
	wsBufferSize   = 1 << 20
	wsSendQueue    = 32
	wsRecvQueue    = 32
	wsPoolSize     = 64
	wsCloseTimeout = time.Second
)

type received struct {
	msg *protocol.Message
	err error
}

// Websocket is a Transport over a websocket connection. A single goroutine
// writes to the connection, so messages leave in the order Send accepted
// them.
type Websocket struct {
	conn   *websocket.Conn
	logger *log.Logger
	pool   *bpool.BufferPool

	sendCh    chan *bytes.Buffer
	recvCh    chan received
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Dial connects to a websocket endpoint serving the protocol.
func Dial(ctx context.Context, url string, logger *log.Logger) (*Websocket, error) {
	wd := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := wd.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dialing %q: %w", url, err)
	}
	logger.Debugf("Websocket:Dial", "connected to %q", url)

	return NewWebsocket(conn, logger), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
}

// Upgrade upgrades an HTTP request to a websocket transport.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *log.Logger) (*Websocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading to websocket: %w", err)
	}
	return NewWebsocket(conn, logger), nil
}

// Handler returns an http.Handler that upgrades every request and hands the
// transport to serve. The transport is closed when serve returns.
func Handler(logger *log.Logger, serve func(ctx context.Context, t Transport)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := Upgrade(w, r, logger)
		if err != nil {
			logger.Errorf("Websocket:Handler", "remote:%s err:%v", r.RemoteAddr, err)
			return
		}
		defer func() {
			if err := t.Close(); err != nil {
				logger.Debugf("Websocket:Handler", "closing: %v", err)
			}
		}()
		serve(r.Context(), t)
	})
}

// NewWebsocket wraps an established websocket connection.
func NewWebsocket(conn *websocket.Conn, logger *log.Logger) *Websocket {
	ws := &Websocket{
		conn:    conn,
		logger:  logger,
		pool:    bpool.NewBufferPool(wsPoolSize),
		sendCh:  make(chan *bytes.Buffer, wsSendQueue),
		recvCh:  make(chan received, wsRecvQueue),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return ws.readPump(ctx) })
	g.Go(func() error { return ws.writePump(ctx) })
	go func() {
		ws.err = g.Wait()
		ws.logger.Debugf("Websocket:pumps", "stopped: %v", ws.err)
		close(ws.done)
	}()

	return ws
}

func (ws *Websocket) readPump(ctx context.Context) error {
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			select {
			case <-ws.closing:
				return ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return fmt.Errorf("reading websocket message: %w", err)
		}

		msg, err := protocol.Decode(data)
		select {
		case ws.recvCh <- received{msg: msg, err: err}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ws *Websocket) writePump(ctx context.Context) error {
	defer func() {
		_ = ws.conn.Close()
	}()

	for {
		select {
		case buf := <-ws.sendCh:
			if err := ws.write(buf); err != nil {
				return err
			}
		case <-ws.closing:
			ws.flush()
			err := ws.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsCloseTimeout),
			)
			if err != nil {
				ws.logger.Debugf("Websocket:writePump", "sending close message: %v", err)
			}
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ws *Websocket) write(buf *bytes.Buffer) error {
	defer ws.pool.Put(buf)
	if err := ws.conn.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return fmt.Errorf("writing websocket message: %w", err)
	}
	return nil
}

// flush writes what was queued before Close.
func (ws *Websocket) flush() {
	for {
		select {
		case buf := <-ws.sendCh:
			if err := ws.write(buf); err != nil {
				ws.logger.Debugf("Websocket:flush", "%v", err)
				return
			}
		default:
			return
		}
	}
}

// Send implements Transport.
func (ws *Websocket) Send(msg *protocol.Message) error {
	var w jwriter.Writer
	msg.MarshalEasyJSON(&w)
	if w.Error != nil {
		return fmt.Errorf("encoding message: %w", w.Error)
	}
	buf := ws.pool.Get()
	if _, err := w.DumpTo(buf); err != nil {
		ws.pool.Put(buf)
		return fmt.Errorf("encoding message: %w", err)
	}
	return ws.enqueue(buf)
}

// SendRaw implements RawSender.
func (ws *Websocket) SendRaw(data []byte) error {
	buf := ws.pool.Get()
	buf.Write(data)
	return ws.enqueue(buf)
}

func (ws *Websocket) enqueue(buf *bytes.Buffer) error {
	select {
	case <-ws.closing:
		ws.pool.Put(buf)
		return ErrClosed
	case <-ws.done:
		ws.pool.Put(buf)
		return ws.closeErr()
	default:
	}

	select {
	case ws.sendCh <- buf:
		return nil
	case <-ws.done:
		ws.pool.Put(buf)
		return ws.closeErr()
	}
}

// Recv implements Transport.
func (ws *Websocket) Recv() (*protocol.Message, error) {
	select {
	case r := <-ws.recvCh:
		return r.msg, r.err
	case <-ws.done:
		select {
		case r := <-ws.recvCh:
			return r.msg, r.err
		default:
		}
		return nil, ws.closeErr()
	}
}

func (ws *Websocket) closeErr() error {
	if ws.err == nil || errors.Is(ws.err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, ws.err)
}

// Close sends a close frame and waits for the connection to shut down.
func (ws *Websocket) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closing)
	})
	<-ws.done
	return nil
}

// Done is closed once the connection is shut down.
func (ws *Websocket) Done() <-chan struct{} {
	return ws.done
}
