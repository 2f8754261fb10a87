// Package retention periodically deletes event records older than the
// configured retention period.
package retention

import (
	"context"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"go.miloapis.com/eventhistory/internal/metrics"
)

const (
	DefaultRetention = 7 * 24 * time.Hour
	DefaultInterval  = time.Hour

	// sweepTimeout bounds a single DELETE.
	sweepTimeout = 5 * time.Minute
)

// Deleter removes records ingested before cutoff.
type Deleter interface {
	DeleteIngestedBefore(ctx context.Context, cutoff time.Time) error
}

// Options configures a Sweeper.
type Options struct {
	// Retention is how long records are kept. Zero disables sweeping.
	Retention time.Duration
	// Interval between sweeps.
	Interval time.Duration
}

// Sweeper deletes expired records on a fixed interval.
type Sweeper struct {
	deleter   Deleter
	retention time.Duration
	interval  time.Duration
	clock     clock.WithTicker
}

// NewSweeper creates a sweeper. A non-positive interval uses DefaultInterval.
func NewSweeper(deleter Deleter, opts Options) *Sweeper {
	return NewSweeperWithClock(deleter, opts, clock.RealClock{})
}

// NewSweeperWithClock creates a sweeper driven by clk.
func NewSweeperWithClock(deleter Deleter, opts Options, clk clock.WithTicker) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Sweeper{
		deleter:   deleter,
		retention: opts.Retention,
		interval:  opts.Interval,
		clock:     clk,
	}
}

// Enabled reports whether the sweeper deletes anything.
func (s *Sweeper) Enabled() bool {
	return s.retention > 0
}

// Run sweeps once immediately and then every interval until ctx is
// cancelled. Failed sweeps are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.Enabled() {
		klog.InfoS("Retention sweeper disabled")
		<-ctx.Done()
		return nil
	}

	klog.InfoS("Starting retention sweeper", "retention", s.retention, "interval", s.interval)
	defer klog.InfoS("Retention sweeper stopped")

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweepOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	cutoff := s.clock.Now().Add(-s.retention)

	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	start := s.clock.Now()
	if err := s.deleter.DeleteIngestedBefore(ctx, cutoff); err != nil {
		metrics.RetentionRunsTotal.WithLabelValues("failed").Inc()
		klog.ErrorS(err, "Retention sweep failed", "cutoff", cutoff)
		return
	}

	metrics.RetentionRunsTotal.WithLabelValues("succeeded").Inc()
	klog.V(2).InfoS("Retention sweep finished",
		"cutoff", cutoff,
		"duration", s.clock.Since(start),
	)
}
