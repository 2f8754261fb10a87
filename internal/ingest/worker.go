// Package ingest drains the ingestion queue in time-bounded batches and
// persists them with a single existence check and a single bulk insert per
// batch.
package ingest

import (
	"context"
	"errors"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"go.miloapis.com/eventhistory/internal/events"
	"go.miloapis.com/eventhistory/internal/metrics"
)

const (
	DefaultMaxBatchSize   = 500
	DefaultBatchWindow    = 200 * time.Millisecond
	DefaultIdleTimeout    = time.Second
	DefaultPersistTimeout = 30 * time.Second
	DefaultFlushTimeout   = 5 * time.Second
)

// Queue is the consumer side of the ingestion queue.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (events.ClusterEvent, error)
	Ack(n int)
}

// Store persists events keyed by (uid, count).
type Store interface {
	// ExistingKeys returns the subset of keys already stored. The caller owns
	// the returned map.
	ExistingKeys(ctx context.Context, keys []events.Key) (map[events.Key]struct{}, error)

	// InsertBatch stores all events or none of them.
	InsertBatch(ctx context.Context, batch []events.ClusterEvent) error
}

// Recorder counts accepted events.
type Recorder interface {
	Record(ev *events.ClusterEvent)
}

// Publisher forwards committed events to downstream consumers. Failures are
// handled by the publisher and never affect the batch.
type Publisher interface {
	PublishBatch(ctx context.Context, batch []events.ClusterEvent)
}

// Config tunes batching.
type Config struct {
	// MaxBatchSize caps the number of entries in one batch.
	MaxBatchSize int
	// BatchWindow is how long a batch stays open after its first entry.
	BatchWindow time.Duration
	// IdleTimeout bounds the wait for the first entry of a batch.
	IdleTimeout time.Duration
	// PersistTimeout bounds the store calls for one batch.
	PersistTimeout time.Duration
	// FlushTimeout bounds persisting batches that are still pending at shutdown.
	FlushTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
}

// Option customizes a Worker.
type Option func(*Worker)

// WithPublisher forwards every committed batch to p.
func WithPublisher(p Publisher) Option {
	return func(w *Worker) { w.publisher = p }
}

// WithClock replaces the clock used for batch windows.
func WithClock(c clock.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// Worker is the single consumer of the ingestion queue. Collection and
// persistence run on separate goroutines so the next batch fills while the
// previous one is written; at most one batch is being persisted at a time.
type Worker struct {
	cfg       Config
	queue     Queue
	store     Store
	recorder  Recorder
	publisher Publisher
	clock     clock.Clock
}

// NewWorker creates a worker draining q into store.
func NewWorker(cfg Config, q Queue, store Store, recorder Recorder, opts ...Option) *Worker {
	cfg.setDefaults()
	w := &Worker{
		cfg:      cfg,
		queue:    q,
		store:    store,
		recorder: recorder,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run collects and persists batches until ctx is cancelled. Entries already
// dequeued when ctx is cancelled are flushed before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	klog.InfoS("Starting batch ingestion worker",
		"maxBatchSize", w.cfg.MaxBatchSize,
		"batchWindow", w.cfg.BatchWindow,
	)

	batches := make(chan []events.ClusterEvent)
	persisterDone := make(chan struct{})
	go func() {
		defer close(persisterDone)
		for batch := range batches {
			w.persist(ctx, batch)
		}
	}()

	for {
		batch := w.collect(ctx)
		if len(batch) > 0 {
			// The persister never stops consuming before batches is closed,
			// and every persist call is bounded, so this send is bounded too.
			batches <- batch
		}
		if ctx.Err() != nil {
			break
		}
	}

	close(batches)
	<-persisterDone
	klog.InfoS("Batch ingestion worker stopped")
	return nil
}

// collect waits up to the idle timeout for a first entry, then keeps the
// batch open for the batch window or until it is full.
func (w *Worker) collect(ctx context.Context) []events.ClusterEvent {
	if ctx.Err() != nil {
		return nil
	}
	first, err := w.queue.Pop(ctx, w.cfg.IdleTimeout)
	if err != nil {
		return nil
	}

	batch := make([]events.ClusterEvent, 0, w.cfg.MaxBatchSize)
	batch = append(batch, first)

	deadline := w.clock.Now().Add(w.cfg.BatchWindow)
	for len(batch) < w.cfg.MaxBatchSize {
		remaining := deadline.Sub(w.clock.Now())
		if remaining <= 0 {
			break
		}
		ev, err := w.queue.Pop(ctx, remaining)
		if err != nil {
			break
		}
		batch = append(batch, ev)
	}

	metrics.BatchSize.Observe(float64(len(batch)))
	return batch
}

// persist deduplicates batch against the store, records metrics for the new
// events and inserts them. Every entry is acknowledged whatever the outcome.
func (w *Worker) persist(ctx context.Context, batch []events.ClusterEvent) {
	defer w.queue.Ack(len(batch))

	start := w.clock.Now()
	defer func() {
		metrics.BatchPersistDuration.Observe(w.clock.Since(start).Seconds())
	}()

	timeout := w.cfg.PersistTimeout
	if ctx.Err() != nil {
		timeout = w.cfg.FlushTimeout
	}
	// Shutdown must not abort a batch that was already dequeued.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	keys := make([]events.Key, len(batch))
	for i := range batch {
		keys[i] = batch[i].Key()
	}

	seen, err := w.store.ExistingKeys(persistCtx, keys)
	if err != nil {
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		klog.ErrorS(err, "Failed to check existing events, discarding batch", "batchSize", len(batch))
		return
	}
	if seen == nil {
		seen = make(map[events.Key]struct{}, len(batch))
	}

	staged := make([]events.ClusterEvent, 0, len(batch))
	for i := range batch {
		if _, dup := seen[keys[i]]; dup {
			continue
		}
		// Also catches repeats inside this batch.
		seen[keys[i]] = struct{}{}

		w.recorder.Record(&batch[i])
		staged = append(staged, batch[i])
	}

	duplicates := len(batch) - len(staged)
	if duplicates > 0 {
		metrics.EventsDuplicateTotal.Add(float64(duplicates))
	}
	if len(staged) == 0 {
		metrics.BatchesTotal.WithLabelValues("duplicate").Inc()
		klog.V(4).InfoS("Batch contained only known events", "batchSize", len(batch))
		return
	}

	if err := w.store.InsertBatch(persistCtx, staged); err != nil {
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		klog.ErrorS(err, "Failed to insert batch, discarding",
			"batchSize", len(batch),
			"staged", len(staged),
			"shutdown", errors.Is(ctx.Err(), context.Canceled),
		)
		return
	}

	metrics.BatchesTotal.WithLabelValues("committed").Inc()
	klog.V(3).InfoS("Stored batch",
		"batchSize", len(batch),
		"inserted", len(staged),
		"duplicates", duplicates,
	)

	if w.publisher != nil {
		w.publisher.PublishBatch(persistCtx, staged)
	}
}
