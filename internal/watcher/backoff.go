package watcher

import (
	"math"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	// DefaultBackoffFloor is the first retry delay after a transient failure.
	DefaultBackoffFloor = time.Second
	// DefaultBackoffCeiling caps the retry delay.
	DefaultBackoffCeiling = 30 * time.Second
)

// Backoff produces doubling retry delays between a floor and a ceiling:
// 1s, 2s, 4s, 8s, 16s, 30s, 30s, ... with the defaults.
type Backoff struct {
	floor    time.Duration
	ceiling  time.Duration
	step     wait.Backoff
	failures int
}

// NewBackoff creates a Backoff starting at floor and capped at ceiling.
func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	if ceiling < floor {
		ceiling = floor
	}
	b := &Backoff{floor: floor, ceiling: ceiling}
	b.Reset()
	return b
}

// Next returns the delay to wait after one more consecutive failure.
func (b *Backoff) Next() time.Duration {
	b.failures++
	return b.step.Step()
}

// Reset returns the delay to the floor.
func (b *Backoff) Reset() {
	b.failures = 0
	b.step = wait.Backoff{
		Duration: b.floor,
		Factor:   2,
		Steps:    math.MaxInt32,
		Cap:      b.ceiling,
	}
}

// Failures returns the number of consecutive failures since the last Reset.
func (b *Backoff) Failures() int {
	return b.failures
}
