// Package supervisor runs the ingestion pipeline's tasks as one cohort and
// owns their lifecycle: restart on unexpected exit, bounded drain on
// shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"go.miloapis.com/eventhistory/internal/metrics"
)

const (
	DefaultRestartCooldown = 5 * time.Second
	DefaultDrainTimeout    = 30 * time.Second
)

var (
	// ErrDrainTimeout is returned by Run when tasks did not stop within the
	// drain timeout after shutdown was requested.
	ErrDrainTimeout = errors.New("supervisor: drain timeout exceeded")

	// ErrAlreadyStarted is returned when Run is called more than once.
	ErrAlreadyStarted = errors.New("supervisor: already started")

	errUnexpectedExit = errors.New("task exited while the pipeline was running")
)

// State is the supervisor lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Task is a long-running unit of the pipeline. Run must return once ctx is
// cancelled.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// CohortFunc builds the tasks of one cohort. It is called again on every
// restart so tasks start from fresh state.
type CohortFunc func() []Task

// Config configures restart and shutdown behaviour.
type Config struct {
	RestartCooldown time.Duration
	DrainTimeout    time.Duration
}

// Supervisor runs cohorts of tasks until shutdown.
type Supervisor struct {
	cfg      Config
	cohort   CohortFunc
	state    atomic.Int32
	restarts atomic.Int64
}

// New creates a supervisor for the cohort built by cohort.
func New(cfg Config, cohort CohortFunc) *Supervisor {
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = DefaultRestartCooldown
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Supervisor{cfg: cfg, cohort: cohort}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Restarts returns how many times the cohort was restarted.
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

// Check implements a controller-runtime healthz.Checker that fails unless
// the pipeline is running.
func (s *Supervisor) Check(_ *http.Request) error {
	if st := s.State(); st != Running {
		return fmt.Errorf("pipeline is %s", st)
	}
	return nil
}

// Run starts the cohort and blocks until ctx is cancelled and the cohort has
// drained. It returns ErrDrainTimeout if draining took longer than the drain
// timeout.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyStarted
	}
	defer s.state.Store(int32(Stopped))

	for {
		runID := uuid.NewString()
		done := s.startCohort(ctx, runID)

		select {
		case err := <-done:
			if ctx.Err() != nil {
				s.state.Store(int32(Draining))
				klog.InfoS("Pipeline stopped", "runID", runID)
				return nil
			}

			s.restarts.Add(1)
			metrics.WatchRestartsTotal.WithLabelValues("cohort").Inc()
			klog.ErrorS(err, "Pipeline task exited unexpectedly, restarting cohort",
				"runID", runID,
				"cooldown", s.cfg.RestartCooldown,
				"restarts", s.restarts.Load(),
			)
			if !sleep(ctx, s.cfg.RestartCooldown) {
				s.state.Store(int32(Draining))
				return nil
			}

		case <-ctx.Done():
			s.state.Store(int32(Draining))
			return s.drain(runID, done)
		}
	}
}

// startCohort launches every task of a new cohort and returns a channel that
// receives the cohort's first error once all tasks have returned.
func (s *Supervisor) startCohort(ctx context.Context, runID string) <-chan error {
	tasks := s.cohort()
	klog.InfoS("Starting pipeline cohort", "runID", runID, "tasks", len(tasks))

	group, groupCtx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		group.Go(func() error {
			err := runTask(groupCtx, task)
			if groupCtx.Err() != nil {
				// Cancelled by shutdown or by a failing sibling.
				return nil
			}
			if err == nil {
				err = errUnexpectedExit
			}
			return fmt.Errorf("task %q: %w", task.Name, err)
		})
	}

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	return done
}

// drain waits up to the drain timeout for the cohort to finish.
func (s *Supervisor) drain(runID string, done <-chan error) error {
	klog.InfoS("Draining pipeline", "runID", runID, "timeout", s.cfg.DrainTimeout)

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		klog.InfoS("Pipeline drained", "runID", runID)
		return nil
	case <-timer.C:
		klog.ErrorS(ErrDrainTimeout, "Pipeline tasks did not stop in time", "runID", runID, "timeout", s.cfg.DrainTimeout)
		return ErrDrainTimeout
	}
}

// runTask runs task, turning a panic into an error.
func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			klog.ErrorS(nil, "Pipeline task panicked", "task", task.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.Run(ctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
