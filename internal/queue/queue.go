// Package queue implements the bounded hand-off between namespace watchers
// and the batch ingestion worker.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"go.miloapis.com/eventhistory/internal/events"
	"go.miloapis.com/eventhistory/internal/metrics"
)

// DefaultCapacity bounds memory under event storms.
const DefaultCapacity = 10000

// ErrEmpty is returned by Pop when no entry arrived before the timeout.
var ErrEmpty = errors.New("queue: no entry available")

// Queue is a bounded FIFO safe for many producers and one consumer.
// Producers never block: a push onto a full queue is dropped and counted.
type Queue struct {
	entries  chan events.ClusterEvent
	clock    clock.Clock
	dropped  atomic.Uint64
	inFlight atomic.Int64
}

// New creates a queue holding at most capacity entries.
func New(capacity int) *Queue {
	return NewWithClock(capacity, clock.RealClock{})
}

// NewWithClock creates a queue whose Pop timeouts are driven by clk.
func NewWithClock(capacity int, clk clock.Clock) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		entries: make(chan events.ClusterEvent, capacity),
		clock:   clk,
	}
}

// TryPush enqueues ev without blocking. It returns false, and counts the
// event as dropped, when the queue is full.
func (q *Queue) TryPush(ev events.ClusterEvent) bool {
	select {
	case q.entries <- ev:
		metrics.QueueDepth.Set(float64(len(q.entries)))
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// TryPop dequeues an entry if one is immediately available.
func (q *Queue) TryPop() (events.ClusterEvent, bool) {
	select {
	case ev := <-q.entries:
		q.taken()
		return ev, true
	default:
		return events.ClusterEvent{}, false
	}
}

// Pop waits up to timeout for an entry. It returns ErrEmpty on timeout and
// ctx.Err() when ctx is cancelled first. Nothing is dequeued once ctx is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (events.ClusterEvent, error) {
	if err := ctx.Err(); err != nil {
		return events.ClusterEvent{}, err
	}
	if ev, ok := q.TryPop(); ok {
		return ev, nil
	}
	if timeout <= 0 {
		return events.ClusterEvent{}, ErrEmpty
	}

	timer := q.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-q.entries:
		q.taken()
		return ev, nil
	case <-timer.C():
		return events.ClusterEvent{}, ErrEmpty
	case <-ctx.Done():
		return events.ClusterEvent{}, ctx.Err()
	}
}

// Ack releases n entries previously returned by Pop or TryPop.
func (q *Queue) Ack(n int) {
	q.inFlight.Add(-int64(n))
}

func (q *Queue) taken() {
	q.inFlight.Add(1)
	metrics.QueueDepth.Set(float64(len(q.entries)))
}

// Len returns the number of entries waiting in the queue.
func (q *Queue) Len() int { return len(q.entries) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.entries) }

// Dropped returns the number of pushes rejected because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// InFlight returns the number of dequeued entries not yet acknowledged.
func (q *Queue) InFlight() int64 { return q.inFlight.Load() }
