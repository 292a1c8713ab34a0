// Package worker runs pools of job processors over the durable queue.
// Each pool owns one job type: it polls for runnable jobs, fans them
// out to a bounded set of workers under a shared rate limit, and
// periodically requeues stalled jobs and sweeps expired ones.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/twincast/twincast/internal/queue"
)

// Jobs abstracts the queue operations a pool needs.
type Jobs interface {
	Claim(ctx context.Context, jobType string) (*queue.Job, error)
	Complete(ctx context.Context, id, result string) error
	Fail(ctx context.Context, id string, cause error) error
	SetProgress(ctx context.Context, id string, pct int) error
	ReapStalled(ctx context.Context) (int, error)
	Sweep(ctx context.Context) error
}

// ProgressFunc reports sub-step completion for the running job.
type ProgressFunc func(pct int)

// Handler processes one claimed job. The returned string is stored as
// the job result; a returned error schedules a retry or permanent
// failure depending on the job's remaining attempts.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job, progress ProgressFunc) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *queue.Job, progress ProgressFunc) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job, progress ProgressFunc) (string, error) {
	return f(ctx, job, progress)
}

// Options configure a Pool. Zero values fall back to defaults.
type Options struct {
	Concurrency int           // parallel workers, default 1
	RateLimit   int           // max handler starts per RateWindow, 0 disables
	RateWindow  time.Duration // rate limit window, default 30s
	Poll        time.Duration // idle poll interval, default 500ms
	Housekeep   time.Duration // stalled-reap and sweep interval, default 30s
	Logger      *slog.Logger
}

// Pool processes jobs of a single type.
type Pool struct {
	jobs        Jobs
	jobType     string
	handler     Handler
	concurrency int
	limiter     *rate.Limiter
	poll        time.Duration
	housekeep   time.Duration
	logger      *slog.Logger
}

// NewPool creates a Pool for jobType backed by handler.
func NewPool(jobs Jobs, jobType string, handler Handler, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = 30 * time.Second
	}
	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	if opts.Housekeep <= 0 {
		opts.Housekeep = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RateLimit)/opts.RateWindow.Seconds()), opts.RateLimit)
	}

	return &Pool{
		jobs:        jobs,
		jobType:     jobType,
		handler:     handler,
		concurrency: opts.Concurrency,
		limiter:     limiter,
		poll:        opts.Poll,
		housekeep:   opts.Housekeep,
		logger:      opts.Logger.With("job_type", jobType),
	}
}

// Run processes jobs until ctx is cancelled. It blocks, returning nil
// on clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			p.runWorker(ctx)
			return nil
		})
	}
	g.Go(func() error {
		p.runHousekeeping(ctx)
		return nil
	})

	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		done, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed, regardless of its outcome.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.jobs.Claim(ctx, p.jobType)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	progress := func(pct int) {
		if err := p.jobs.SetProgress(ctx, job.ID, pct); err != nil {
			p.logger.Warn("progress update failed", "job_id", job.ID, "error", err)
		}
	}

	result, err := p.handler.Handle(ctx, job, progress)
	if err != nil {
		p.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := p.jobs.Fail(ctx, job.ID, err); failErr != nil {
			p.logger.Error("failed to record job failure", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := p.jobs.Complete(ctx, job.ID, result); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	p.logger.Info("job completed", "job_id", job.ID)
	return true, nil
}

func (p *Pool) runHousekeeping(ctx context.Context) {
	ticker := time.NewTicker(p.housekeep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// A tick in flight finishes even during shutdown.
		tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if n, err := p.jobs.ReapStalled(tickCtx); err != nil {
			p.logger.Error("reaping stalled jobs failed", "error", err)
		} else if n > 0 {
			p.logger.Warn("requeued stalled jobs", "count", n)
		}
		if err := p.jobs.Sweep(tickCtx); err != nil {
			p.logger.Error("retention sweep failed", "error", err)
		}
		cancel()
	}
}
