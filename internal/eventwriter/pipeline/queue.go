package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
)

// chunk is a run of consecutive events belonging to one submission.
type chunk struct {
	sub    *submission
	events []model.Event
}

// batch is what one insert statement writes: up to insertSize events, possibly spanning submissions.
type batch struct {
	chunks []chunk
	size   int
}

func (b batch) events() []model.Event {
	if len(b.chunks) == 1 {
		return b.chunks[0].events
	}
	events := make([]model.Event, 0, b.size)
	for _, c := range b.chunks {
		events = append(events, c.events...)
	}
	return events
}

// queue is an unbounded FIFO of submitted events. Writers take from the head in batches; a submission may be
// split across several batches and a batch may hold the tail of one submission and the head of the next.
type queue struct {
	mu     sync.Mutex
	chunks []*chunk
	closed bool
	depth  atomic.Int64
	// storing counts events taken but not yet finished. It changes under mu together with depth.
	storing *atomic.Int64
	// ready holds a token while there may be work for an idle writer.
	ready chan struct{}
	done  chan struct{}
}

func newQueue(storing *atomic.Int64) *queue {
	return &queue{
		storing: storing,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// push appends c and reports whether the queue was still open.
func (q *queue) push(c *chunk) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.chunks = append(q.chunks, c)
	q.depth.Add(int64(len(c.events)))
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// take removes up to max events from the head of the queue without waiting.
func (q *queue) take(max int) batch {
	q.mu.Lock()
	var b batch
	for b.size < max && len(q.chunks) > 0 {
		head := q.chunks[0]
		n := min(max-b.size, len(head.events))
		b.chunks = append(b.chunks, chunk{sub: head.sub, events: head.events[:n]})
		b.size += n
		head.events = head.events[n:]
		if len(head.events) == 0 {
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
		}
	}
	q.depth.Add(-int64(b.size))
	q.storing.Add(int64(b.size))
	remaining := len(q.chunks) > 0
	q.mu.Unlock()

	// Pass the token on so another idle writer picks up what is left.
	if remaining {
		q.signal()
	}
	return b
}

// wait takes up to max events, waiting at most timeout for some to arrive. The boolean is false once the queue is
// closed and fully drained.
func (q *queue) wait(max int, timeout time.Duration) (batch, bool) {
	if b := q.take(max); b.size > 0 {
		return b, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.ready:
			if b := q.take(max); b.size > 0 {
				return b, true
			}
		case <-q.done:
			b := q.take(max)
			return b, b.size > 0
		case <-timer.C:
			return batch{}, true
		}
	}
}

// close stops further pushes. Events already queued can still be taken.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *queue) count() int64 {
	return q.depth.Load()
}

// finish releases n events previously returned by take.
func (q *queue) finish(n int) {
	q.mu.Lock()
	q.storing.Add(-int64(n))
	q.mu.Unlock()
}

// snapshot returns the queued and in-flight counts as of one instant.
func (q *queue) snapshot() (queued, storing int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth.Load(), q.storing.Load()
}
