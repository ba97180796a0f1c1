package event

import (
	"context"
	"sync"
)

// subscriber delivers events to a channel. Events are queued without bound so
// a slow reader never blocks the emitter nor loses events.
type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	names  map[string]struct{}
	ch     chan Event

	mu      sync.Mutex
	queue   []Event
	stopped bool
	signal  chan struct{}
}

// Subscribe returns a channel receiving the named events, or every event
// when no name is given, in emit order. The channel is closed once ctx is
// done, dropping what wasn't read, or after RemoveAll once the events emitted
// before it were read.
func (e *Emitter) Subscribe(ctx context.Context, names ...string) <-chan Event {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscriber{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan Event),
		signal: make(chan struct{}, 1),
	}
	if len(names) > 0 {
		s.names = make(map[string]struct{}, len(names))
		for _, n := range names {
			s.names[n] = struct{}{}
		}
	}

	e.mu.Lock()
	e.subs = append(e.subs, s)
	e.mu.Unlock()

	go s.pump()

	return s.ch
}

func (s *subscriber) wants(name string) bool {
	if s.names == nil {
		return true
	}
	_, ok := s.names[name]
	return ok
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.ch)
	defer s.cancel()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}
