package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ainp/observability/metrics"
)

// Job is one periodic background task. Run receives a context whose deadline
// is the job's own interval: a tick may never outlive its slot.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler drives the broker's background jobs: the receipt finalizer, the
// usefulness aggregator, and the expiry sweeps. Each job runs on its own
// ticker; ticks missed while a run is in flight are dropped, never queued.
type Scheduler struct {
	jobs []Job
	log  *slog.Logger
	wg   sync.WaitGroup
}

// New constructs an empty scheduler.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log}
}

// Add registers a job. Jobs with a non-positive interval are ignored.
func (s *Scheduler) Add(job Job) {
	if job.Interval <= 0 || job.Run == nil {
		return
	}
	s.jobs = append(s.jobs, job)
}

// Start launches every job and returns. The jobs stop when ctx is cancelled;
// Wait blocks until they have drained.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Wait blocks until all job loops have exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

// tick runs one job invocation under its interval deadline. Errors are logged
// and retried on the next tick; they never propagate.
func (s *Scheduler) tick(ctx context.Context, job Job) {
	tickCtx, cancel := context.WithTimeout(ctx, job.Interval)
	defer cancel()

	start := time.Now()
	err := job.Run(tickCtx)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.log.Error("scheduler job failed",
			slog.String("job", job.Name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
	}
	metrics.Broker().SchedulerTick(job.Name, outcome, elapsed)
}
