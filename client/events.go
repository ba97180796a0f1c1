package client

import (
	"context"
	"math"
	"sync"
)

// eventQueue runs observers on a goroutine of its own, in the order the
// connection received what they observe. The read loop only enqueues, so an
// observer blocked on a call never holds up the response it waits for.
//
// Items are numbered from 1. A call returns once every item enqueued before
// its response has run, except items still running when the call was made:
// an observer calling back into the server doesn't wait on itself.
type eventQueue struct {
	mu       sync.Mutex
	items    []func()
	pushed   uint64
	ran      uint64
	running  uint64
	stopped  bool
	wake     chan struct{}
	progress chan struct{}
	done     chan struct{}
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake:     make(chan struct{}, 1),
		progress: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// push enqueues fn. Items pushed after stop are dropped.
func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.pushed++
	q.items = append(q.items, fn)
	q.mu.Unlock()

	q.signal()
}

// mark returns the number of items enqueued so far.
func (q *eventQueue) mark() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}

// horizon returns the last item a call made now may wait for.
func (q *eventQueue) horizon() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running != 0 {
		return q.running - 1
	}
	return math.MaxUint64
}

// wait blocks until item seq has run, the queue is drained after stop or ctx
// is done.
func (q *eventQueue) wait(ctx context.Context, seq uint64) {
	for {
		q.mu.Lock()
		if q.ran >= seq {
			q.mu.Unlock()
			return
		}
		progress := q.progress
		q.mu.Unlock()

		select {
		case <-progress:
		case <-q.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// stop lets the queue run what it holds and exit.
func (q *eventQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			stopped := q.stopped
			q.mu.Unlock()
			if stopped {
				return
			}
			<-q.wake
			continue
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.running = q.ran + 1
		q.mu.Unlock()

		fn()

		q.mu.Lock()
		q.ran++
		q.running = 0
		close(q.progress)
		q.progress = make(chan struct{})
		q.mu.Unlock()
	}
}
