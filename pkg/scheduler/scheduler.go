// Package scheduler owns all periodic background tasks. Every job runs on
// a randomized interval (base plus/minus jitter) so the sensor itself does
// not produce a fixed-period signature, and a small worker pool bounds how
// many jobs run at once.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is a named periodic task. Run receives the scheduler's context and
// must return promptly once it is cancelled.
type Job struct {
	Name   string
	Base   time.Duration
	Jitter float64 // fraction of Base, in [0,1)
	Run    func(ctx context.Context)
}

// Scheduler runs registered jobs until stopped.
type Scheduler struct {
	log *logrus.Logger
	sem chan struct{}

	mu      sync.Mutex
	jobs    []Job
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler with the given worker-pool size.
func New(workers int, log *logrus.Logger) *Scheduler {
	if workers <= 0 {
		workers = 2
	}
	return &Scheduler{log: log, sem: make(chan struct{}, workers)}
}

// Add registers a job. Jobs added after Start are picked up immediately.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	if s.running {
		s.launchLocked(job)
	}
}

// Start launches every registered job. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.ctx = ctx
	for _, job := range s.jobs {
		s.launchLocked(job)
	}
	s.log.WithField("jobs", len(s.jobs)).Info("Scheduler started")
}

// Stop cancels all jobs and waits up to wait for in-flight runs to finish.
// Idempotent.
func (s *Scheduler) Stop(wait time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("Scheduler stopped")
	case <-time.After(wait):
		s.log.Warn("Scheduler stop timed out with jobs still in flight")
	}
}

// launchLocked starts the goroutine for one job. Caller holds s.mu and the
// scheduler is running.
func (s *Scheduler) launchLocked(job Job) {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(Jittered(job.Base, job.Jitter))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			// Acquire a worker slot; no job may block another past the
			// pool bound.
			select {
			case <-ctx.Done():
				return
			case s.sem <- struct{}{}:
			}
			job.Run(ctx)
			<-s.sem

			timer.Reset(Jittered(job.Base, job.Jitter))
		}
	}()
}

// Jittered returns base scaled by a random factor in
// [1-jitter, 1+jitter). A non-positive base yields a minimal interval.
func Jittered(base time.Duration, jitter float64) time.Duration {
	if base <= 0 {
		return time.Millisecond
	}
	if jitter <= 0 {
		return base
	}
	if jitter >= 1 {
		jitter = 0.99
	}
	factor := 1 - jitter + 2*jitter*rand.Float64()
	return time.Duration(float64(base) * factor)
}
