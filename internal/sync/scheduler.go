package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/justestif/go-listening-history/internal/logging"
)

const (
	// DefaultInterval is the time between periodic cycles.
	DefaultInterval = 15 * time.Minute

	// DefaultStartupGrace delays the first cycle after process start.
	DefaultStartupGrace = 10 * time.Second
)

// Runner executes one cycle.
type Runner interface {
	Run(ctx context.Context) *Result
}

// Scheduler drives cycles periodically and on demand, never more than
// one at a time. A trigger that arrives while a cycle runs is dropped.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	grace    time.Duration

	sem     *semaphore.Weighted
	running atomic.Bool
	last    atomic.Pointer[Result]
	done    chan struct{}
}

// NewScheduler creates a scheduler. A non-positive interval or a negative
// grace uses the default.
func NewScheduler(runner Runner, interval, grace time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if grace < 0 {
		grace = DefaultStartupGrace
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		grace:    grace,
		sem:      semaphore.NewWeighted(1),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic loop. The first cycle runs after the grace
// delay, then one per interval, until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Done is closed once the loop started by Start has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	logging.Info().
		Dur("interval", s.interval).
		Dur("grace", s.grace).
		Msg("sync scheduler started")

	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-ctx.Done():
		return
	case <-grace.C:
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("sync scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunNow(ctx); errors.Is(err, ErrCycleInProgress) {
		logging.Debug().Msg("periodic sync skipped, cycle already running")
	}
}

// RunNow runs a cycle immediately and waits for it. It returns
// ErrCycleInProgress without running anything if a cycle is underway.
func (s *Scheduler) RunNow(ctx context.Context) (*Result, error) {
	if !s.sem.TryAcquire(1) {
		return nil, ErrCycleInProgress
	}
	defer s.sem.Release(1)

	s.running.Store(true)
	defer s.running.Store(false)

	res := s.run(ctx)
	s.last.Store(res)
	return res, nil
}

// run shields the scheduler from a Runner that panics.
func (s *Scheduler) run(ctx context.Context) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("sync runner panicked")
			res = &Result{Status: StatusFailed, Err: fmt.Errorf("sync runner panicked: %v", r)}
		}
	}()
	res = s.runner.Run(ctx)
	if res == nil {
		res = &Result{Status: StatusFailed, Err: errors.New("sync runner returned no result")}
	}
	return res
}

// Running reports whether a cycle is underway.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastResult returns the outcome of the most recent cycle, or nil.
func (s *Scheduler) LastResult() *Result {
	return s.last.Load()
}
