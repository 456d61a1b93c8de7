// Package background runs fire-and-forget jobs that must survive the
// request that enqueued them — summarization, executive-summary, and
// title-generation after a generation completes. Ownership is the
// process, not the request: a job is detached from the caller's context,
// scheduled on its own cron.Cron instance as a one-shot entry, and retried
// independently against its own lifecycle rather than the caller's.
package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conduitrun/conduit/internal/retry"
)

// onceSchedule is a cron.Schedule that fires exactly once, at construction
// time, then never again — letting cron.Cron's entry list double as the
// runner's job ledger instead of hand-rolled goroutine bookkeeping.
type onceSchedule struct {
	at time.Time

	mu    sync.Mutex
	fired bool
}

func newOnceSchedule() *onceSchedule {
	return &onceSchedule{at: time.Now()}
}

// Next implements cron.Schedule. Returning the zero time.Time permanently
// removes the entry from cron's run queue after its first firing.
func (s *onceSchedule) Next(prev time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return time.Time{}
	}
	s.fired = true
	return s.at
}

// Runner schedules fire-and-forget jobs on a dedicated cron.Cron instance so
// Shutdown can wait for them instead of leaking goroutines past process
// exit.
type Runner struct {
	logger *slog.Logger
	retry  retry.Config
	cron   *cron.Cron

	wg sync.WaitGroup
}

// New builds a Runner using retryCfg for every enqueued job; the zero value
// of retryCfg resolves to retry.DefaultConfig() via retry.Do's own
// zero-value handling. The underlying cron.Cron is started immediately.
func New(logger *slog.Logger, retryCfg retry.Config) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()
	c.Start()
	return &Runner{logger: logger.With("component", "background"), retry: retryCfg, cron: c}
}

// Enqueue detaches fn from the caller's context and schedules it as a
// one-shot cron entry that runs immediately, retried per the Runner's
// policy. A job that exhausts retries is logged and dropped; the caller
// never observes the failure, matching "enqueue and move on" semantics.
func (r *Runner) Enqueue(name string, fn func(context.Context) error) {
	r.wg.Add(1)
	var entryID cron.EntryID
	entryID = r.cron.Schedule(newOnceSchedule(), cron.FuncJob(func() {
		defer r.wg.Done()
		defer r.cron.Remove(entryID)
		result := retry.Do(context.Background(), r.retry, func() error {
			return fn(context.Background())
		})
		if result.Err != nil {
			r.logger.Warn("background job failed", "job", name, "attempts", result.Attempts, "error", result.Err)
		}
	}))
}

// Shutdown stops accepting new ticks and waits for in-flight jobs to finish
// or ctx to be cancelled, whichever comes first.
func (r *Runner) Shutdown(ctx context.Context) error {
	stopCtx := r.cron.Stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
