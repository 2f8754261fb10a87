// Package watcher follows the Events of one namespace with list-then-watch,
// resuming from the last seen resource version across reconnects.
package watcher

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/api/meta"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"go.miloapis.com/eventhistory/internal/events"
	"go.miloapis.com/eventhistory/internal/metrics"
)

const (
	// DefaultWatchTimeout bounds a single watch call.
	DefaultWatchTimeout = 5 * time.Minute

	// watchTimeoutGrace is added to the server-side timeout before the
	// client gives up on a stream the server failed to close.
	watchTimeoutGrace = 5 * time.Second

	// minWatchDuration is how long a stream must stay open to count as a
	// healthy cycle when it delivered nothing.
	minWatchDuration = time.Second

	dropLogInterval = 10 * time.Second
)

// errStreamClosedEarly marks a watch that ended before minWatchDuration
// without delivering anything, e.g. a connection dropped by a proxy.
var errStreamClosedEarly = errors.New("watch stream closed early without events")

// Pusher accepts events without blocking.
type Pusher interface {
	TryPush(ev events.ClusterEvent) bool
}

// Filter decides whether an event should be ingested at all.
type Filter interface {
	Admit(ev *events.ClusterEvent) bool
}

// Config configures a namespace watcher.
type Config struct {
	Namespace      string
	WatchTimeout   time.Duration
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithFilter drops events the filter does not admit before they are queued.
func WithFilter(f Filter) Option {
	return func(w *Watcher) { w.filter = f }
}

// WithTracker reports successful lists to t.
func WithTracker(t *Tracker) Option {
	return func(w *Watcher) { w.tracker = t }
}

// WithClock replaces the clock used for backoff sleeps.
func WithClock(c clock.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// Watcher owns the resume cursor of a single namespace. All of its state is
// confined to the goroutine running Run.
type Watcher struct {
	namespace    string
	watchTimeout time.Duration

	source  Source
	queue   Pusher
	filter  Filter
	tracker *Tracker
	clock   clock.Clock

	backoff         *Backoff
	resourceVersion string
	dropped         uint64
	dropLog         rate.Sometimes
}

// New creates a watcher for cfg.Namespace that feeds q.
func New(cfg Config, source Source, q Pusher, opts ...Option) *Watcher {
	if cfg.WatchTimeout <= 0 {
		cfg.WatchTimeout = DefaultWatchTimeout
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = DefaultBackoffFloor
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = DefaultBackoffCeiling
	}

	w := &Watcher{
		namespace:    cfg.Namespace,
		watchTimeout: cfg.WatchTimeout,
		source:       source,
		queue:        q,
		clock:        clock.RealClock{},
		backoff:      NewBackoff(cfg.BackoffFloor, cfg.BackoffCeiling),
		dropLog:      rate.Sometimes{Interval: dropLogInterval},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Namespace returns the watched namespace.
func (w *Watcher) Namespace() string { return w.namespace }

// Run lists and watches until ctx is cancelled. Errors are retried
// internally, so Run only returns once shutdown was requested.
func (w *Watcher) Run(ctx context.Context) error {
	klog.InfoS("Starting namespace watcher",
		"namespace", w.namespace,
		"watchTimeout", w.watchTimeout,
	)
	defer klog.InfoS("Namespace watcher stopped", "namespace", w.namespace)

	w.resync(ctx)

	for ctx.Err() == nil {
		err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			break
		}

		switch {
		case err == nil:
			w.backoff.Reset()

		case isHistoryExpired(err):
			metrics.WatchErrorsTotal.WithLabelValues(w.namespace, "expired").Inc()
			metrics.WatchRestartsTotal.WithLabelValues("resync").Inc()
			klog.InfoS("Resource version expired, relisting",
				"namespace", w.namespace,
				"resourceVersion", w.resourceVersion,
			)
			w.resourceVersion = ""
			w.resync(ctx)

		default:
			metrics.WatchErrorsTotal.WithLabelValues(w.namespace, "transient").Inc()
			delay := w.backoff.Next()
			klog.ErrorS(err, "Watch failed, backing off",
				"namespace", w.namespace,
				"resourceVersion", w.resourceVersion,
				"failures", w.backoff.Failures(),
				"retryIn", delay,
			)
			if !w.sleep(ctx, delay) {
				return nil
			}
		}
	}

	return nil
}

// resync replaces the cursor with a fresh list. A failed list leaves the
// cursor empty so the next watch starts from the live state.
func (w *Watcher) resync(ctx context.Context) {
	items, resourceVersion, err := w.source.List(ctx, w.namespace)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.WatchErrorsTotal.WithLabelValues(w.namespace, "list").Inc()
		klog.ErrorS(err, "Failed to list events, watching without a resume point", "namespace", w.namespace)
		w.resourceVersion = ""
		return
	}

	w.resourceVersion = resourceVersion
	for i := range items {
		w.push(items[i])
	}

	if w.tracker != nil {
		w.tracker.MarkSynced(w.namespace)
	}
	klog.V(2).InfoS("Listed events",
		"namespace", w.namespace,
		"count", len(items),
		"resourceVersion", resourceVersion,
	)
}

// watchOnce runs a single watch call to completion. A nil return means the
// stream ended normally: it delivered events, stayed open past
// minWatchDuration, or was stopped by the client guard or shutdown.
func (w *Watcher) watchOnce(ctx context.Context) error {
	watchCtx, cancel := context.WithTimeout(ctx, w.watchTimeout+watchTimeoutGrace)
	defer cancel()

	start := w.clock.Now()
	stream, err := w.source.Watch(watchCtx, w.namespace, w.resourceVersion, w.watchTimeout)
	if err != nil {
		return err
	}
	defer stream.Stop()

	delivered := 0
	for {
		select {
		case <-watchCtx.Done():
			return nil
		case ev, ok := <-stream.ResultChan():
			if !ok {
				// client-go closes the channel silently when the connection drops.
				if delivered == 0 && w.clock.Since(start) < minWatchDuration {
					return errStreamClosedEarly
				}
				return nil
			}
			if err := w.handle(ev); err != nil {
				return err
			}
			delivered++
		}
	}
}

func (w *Watcher) handle(ev watch.Event) error {
	switch ev.Type {
	case watch.Error:
		return apierrors.FromObject(ev.Object)

	case watch.Bookmark:
		accessor, err := meta.Accessor(ev.Object)
		if err != nil {
			return err
		}
		w.resourceVersion = accessor.GetResourceVersion()
		return nil
	}

	obj, err := eventFromObject(ev)
	if err != nil {
		return err
	}
	w.resourceVersion = obj.ResourceVersion

	// Events are garbage collected by TTL; deletions carry nothing new.
	if ev.Type == watch.Deleted {
		return nil
	}

	w.push(events.FromCoreEvent(obj))
	return nil
}

func (w *Watcher) push(ev events.ClusterEvent) {
	if w.filter != nil && !w.filter.Admit(&ev) {
		metrics.EventsFilteredTotal.WithLabelValues(w.namespace).Inc()
		return
	}

	if w.queue.TryPush(ev) {
		return
	}

	w.dropped++
	metrics.EventsDroppedTotal.WithLabelValues(w.namespace).Inc()
	w.dropLog.Do(func() {
		klog.InfoS("Ingestion queue full, dropping events",
			"namespace", w.namespace,
			"uid", ev.UID,
			"count", ev.Count,
			"droppedTotal", w.dropped,
		)
	})
}

// sleep waits for d and reports false if ctx was cancelled first.
func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	timer := w.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}
