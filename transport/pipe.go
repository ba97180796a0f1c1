package transport

import (
	"sync"

	"github.com/grafana/xk6-channel/protocol"
)

// inbox is an unbounded FIFO of encoded messages.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]byte
	closed bool
}

func newInbox() *inbox {
	in := &inbox{}
	in.cond = sync.NewCond(&in.mu)
	return in
}

func (in *inbox) push(data []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return ErrClosed
	}
	in.items = append(in.items, data)
	in.cond.Signal()
	return nil
}

// pop blocks until data is available. Queued data is still handed out after
// close.
func (in *inbox) pop() ([]byte, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for len(in.items) == 0 && !in.closed {
		in.cond.Wait()
	}
	if len(in.items) == 0 {
		return nil, ErrClosed
	}
	data := in.items[0]
	in.items[0] = nil
	in.items = in.items[1:]
	return data, nil
}

func (in *inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.closed = true
	in.cond.Broadcast()
}

// PipeEnd is one side of an in-memory transport created by Pipe.
type PipeEnd struct {
	in  *inbox
	out *inbox
}

// Pipe returns two connected in-memory transports. Messages are encoded on
// Send and decoded on Recv so the two sides never share memory.
func Pipe() (*PipeEnd, *PipeEnd) {
	a, b := newInbox(), newInbox()
	return &PipeEnd{in: a, out: b}, &PipeEnd{in: b, out: a}
}

// Send implements Transport.
func (p *PipeEnd) Send(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return p.out.push(data)
}

// SendRaw implements RawSender.
func (p *PipeEnd) SendRaw(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return p.out.push(buf)
}

// Recv implements Transport.
func (p *PipeEnd) Recv() (*protocol.Message, error) {
	data, err := p.in.pop()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// Close closes both directions. The peer still receives what was sent
// before Close.
func (p *PipeEnd) Close() error {
	p.in.close()
	p.out.close()
	return nil
}
