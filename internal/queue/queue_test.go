package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.miloapis.com/eventhistory/internal/events"
)

func event(uid string, count int32) events.ClusterEvent {
	return events.ClusterEvent{UID: uid, Namespace: "demo", Count: count}
}

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := New(4)
	require.True(t, q.TryPush(event("a", 1)))
	require.True(t, q.TryPush(event("b", 1)))
	require.True(t, q.TryPush(event("a", 2)))

	for _, want := range []events.Key{{UID: "a", Count: 1}, {UID: "b", Count: 1}, {UID: "a", Count: 2}} {
		got, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, want, got.Key())
	}

	_, ok := q.TryPop()
	assert.False(t, ok)
	assert.Equal(t, int64(3), q.InFlight())

	q.Ack(3)
	assert.Equal(t, int64(0), q.InFlight())
}

func TestQueue_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	const capacity = 8
	q := New(capacity)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.TryPush(event(fmt.Sprintf("p%d-%d", p, i), 1))
				assert.LessOrEqual(t, q.Len(), capacity)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producers blocked on a full queue")
	}

	assert.Equal(t, capacity, q.Len())
	assert.Equal(t, uint64(400-capacity), q.Dropped())
}

func TestQueue_PopTimeout(t *testing.T) {
	t.Parallel()

	q := New(1)
	start := time.Now()
	_, err := q.Pop(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueue_PopWaitsForEntry(t *testing.T) {
	t.Parallel()

	q := New(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.TryPush(event("late", 1))
	}()

	got, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", got.UID)
}

func TestQueue_PopCancelled(t *testing.T) {
	t.Parallel()

	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pop(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_PopCancelledLeavesEntries(t *testing.T) {
	t.Parallel()

	q := New(2)
	require.True(t, q.TryPush(event("a", 1)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pop(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, int64(0), q.InFlight())
}

func TestQueue_DefaultCapacity(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultCapacity, New(0).Cap())
}
