package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/events"
	"github.com/walletscope/walletscope/internal/observability"
)

// claimWait bounds each blocking claim so workers notice shutdown and pause.
const claimWait = 2 * time.Second

// pausePollInterval paces the idle loop while a queue is paused.
const pausePollInterval = time.Second

// promoteInterval paces the delayed-job promoter.
const promoteInterval = time.Second

// minProgressStep suppresses progress spam: publishes are at least this far
// apart, except the terminal 100.
const minProgressStep = 5

// DefaultJobTimeout bounds handlers whose kind has no explicit budget.
const DefaultJobTimeout = 5 * time.Minute

// HandlerFunc processes one job. The returned value becomes the job result;
// a nil error completes the job.
type HandlerFunc func(ctx context.Context, job *JobContext) (any, error)

// JobContext is the handler's view of its job, including clamped progress
// publication.
type JobContext struct {
	Job *Job

	service       *Service
	bus           *events.Bus
	lastPublished int
}

// NewDetachedJobContext wraps a job without persistence or event
// publication. Progress calls only update the in-memory record. Used by
// tests and in-process execution.
func NewDetachedJobContext(job *Job) *JobContext {
	return &JobContext{Job: job}
}

// Progress publishes job progress. Values are clamped to [0, 100], regressions
// are ignored, and publishes less than 5 points apart are suppressed (100 is
// always published). Publication failures never fail the job.
func (jc *JobContext) Progress(ctx context.Context, progress int) {
	clamped, publish := nextProgress(jc.lastPublished, progress)
	if !publish {
		return
	}

	progress = clamped
	jc.lastPublished = progress
	jc.Job.Progress = progress

	if jc.service == nil || jc.bus == nil {
		return
	}

	_ = jc.service.setProgress(ctx, jc.Job.ID, progress)

	payload, _ := json.Marshal(map[string]int{"progress": progress})
	jc.bus.Publish(ctx, events.Event{
		Type:    events.TypeProgress,
		Queue:   jc.Job.Queue,
		JobID:   jc.Job.ID,
		Payload: payload,
	})
}

// nextProgress applies the publication laws: clamp to [0, 100], never
// regress, and move at least minProgressStep at a time except for the
// terminal 100.
func nextProgress(last, proposed int) (value int, publish bool) {
	if proposed < 0 {
		proposed = 0
	}

	if proposed > 100 {
		proposed = 100
	}

	if proposed <= last {
		return last, false
	}

	if proposed != 100 && proposed-last < minProgressStep {
		return last, false
	}

	return proposed, true
}

// WorkerPool drains one queue with a fixed number of workers plus a
// delayed-job promoter.
type WorkerPool struct {
	service     *Service
	bus         *events.Bus
	queue       string
	concurrency int
	handlers    map[string]HandlerFunc
	timeoutFor  func(job *Job) time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// PoolOptions configures a WorkerPool.
type PoolOptions struct {
	Service     *Service
	Bus         *events.Bus
	Queue       string
	Concurrency int
	Handlers    map[string]HandlerFunc
	// TimeoutFor resolves the per-job budget. Nil applies DefaultJobTimeout.
	TimeoutFor func(job *Job) time.Duration
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// NewWorkerPool creates a pool.
func NewWorkerPool(opts PoolOptions) *WorkerPool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.TimeoutFor == nil {
		opts.TimeoutFor = func(*Job) time.Duration { return DefaultJobTimeout }
	}

	return &WorkerPool{
		service:     opts.Service,
		bus:         opts.Bus,
		queue:       opts.Queue,
		concurrency: opts.Concurrency,
		handlers:    opts.Handlers,
		timeoutFor:  opts.TimeoutFor,
		logger:      opts.Logger.With("queue", opts.Queue),
		metrics:     opts.Metrics,
	}
}

// Run drains the queue until ctx is canceled.
func (p *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		p.promoteLoop(ctx)
	}()

	for i := range p.concurrency {
		wg.Add(1)

		go func() {
			defer wg.Done()
			p.workLoop(ctx, i)
		}()
	}

	wg.Wait()
}

func (p *WorkerPool) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			promoted, err := p.service.PromoteDelayed(ctx, p.queue)
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("delayed promotion failed", "error", err)
			}

			if promoted > 0 {
				p.logger.Debug("promoted delayed jobs", "count", promoted)
			}
		}
	}
}

func (p *WorkerPool) workLoop(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)

	for ctx.Err() == nil {
		paused, pauseErr := p.service.IsPaused(ctx, p.queue)
		if pauseErr != nil {
			if ctx.Err() != nil {
				return
			}

			logger.Warn("pause check failed", "error", pauseErr)
			sleepCtx(ctx, pausePollInterval)

			continue
		}

		if paused {
			sleepCtx(ctx, pausePollInterval)

			continue
		}

		job, claimErr := p.service.claim(ctx, p.queue, claimWait)
		if claimErr != nil {
			if ctx.Err() != nil {
				return
			}

			logger.Warn("claim failed", "error", claimErr)
			sleepCtx(ctx, pausePollInterval)

			continue
		}

		if job == nil {
			continue
		}

		p.runJob(ctx, logger, job)
	}
}

// runJob executes one claimed job end to end: start event, handler with its
// budget, then exactly one terminal or retry transition.
func (p *WorkerPool) runJob(ctx context.Context, logger *slog.Logger, job *Job) {
	p.bus.Publish(ctx, events.Event{
		Type:  events.TypeQueueToStart,
		Queue: job.Queue,
		JobID: job.ID,
	})

	handler, ok := p.handlers[job.Kind]
	if !ok {
		p.fail(ctx, logger, job, domain.Errorf(domain.KindInvalidInput, "no handler for kind %s", job.Kind))

		return
	}

	budget := p.timeoutFor(job)
	started := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, budget)
	result, err := handler(jobCtx, &JobContext{Job: job, service: p.service, bus: p.bus})

	cancel()

	if p.metrics != nil {
		p.metrics.JobDuration.WithLabelValues(job.Queue, job.Kind).Observe(time.Since(started).Seconds())
	}

	if err == nil {
		p.complete(ctx, logger, job, result)

		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = domain.WrapError(domain.KindTimeout, err, fmt.Sprintf("job exceeded %s budget", budget))
	}

	kind := domain.KindOf(err)

	switch {
	case kind == domain.KindAlreadyRunning:
		// Blocked on a peer's lock. Redeliver later without consuming an
		// attempt.
		p.retry(ctx, logger, job, err, false)
	case kind.IsTransient() && job.Attempts < job.MaxAttempts:
		p.retry(ctx, logger, job, err, true)
	default:
		p.fail(ctx, logger, job, err)
	}
}

func (p *WorkerPool) complete(ctx context.Context, logger *slog.Logger, job *Job, result any) {
	first, err := p.service.markCompleted(ctx, job, result)
	if err != nil {
		logger.Error("completion transition failed", "job", job.ID, "error", err)
	}

	if !first {
		return
	}

	p.countOutcome(job, "completed")
	logger.Info("job completed", "job", job.ID, "kind", job.Kind, "attempts", job.Attempts)

	// The event stream always closes with progress 100 before completed,
	// whatever milestone the handler last published.
	progress, _ := json.Marshal(map[string]int{"progress": 100})
	p.bus.Publish(ctx, events.Event{
		Type:    events.TypeProgress,
		Queue:   job.Queue,
		JobID:   job.ID,
		Payload: progress,
	})

	p.bus.Publish(ctx, events.Event{
		Type:    events.TypeCompleted,
		Queue:   job.Queue,
		JobID:   job.ID,
		Payload: job.Result,
	})
}

func (p *WorkerPool) fail(ctx context.Context, logger *slog.Logger, job *Job, cause error) {
	first, err := p.service.markFailed(ctx, job, cause)
	if err != nil {
		logger.Error("failure transition failed", "job", job.ID, "error", err)
	}

	if !first {
		return
	}

	p.countOutcome(job, "failed")
	logger.Warn("job failed", "job", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", cause)

	payload, _ := json.Marshal(map[string]string{"error": cause.Error()})
	p.bus.Publish(ctx, events.Event{
		Type:    events.TypeFailed,
		Queue:   job.Queue,
		JobID:   job.ID,
		Payload: payload,
	})
}

// retry parks the job for redelivery. consumeAttempt=false rolls the
// attempt counter back so lock contention does not burn delivery budget.
func (p *WorkerPool) retry(ctx context.Context, logger *slog.Logger, job *Job, cause error, consumeAttempt bool) {
	if !consumeAttempt {
		job.Attempts--
		_ = p.service.updateJob(ctx, job.ID, map[string]any{"attempts": job.Attempts})
	}

	err := p.service.parkRetry(ctx, job, cause)
	if err != nil {
		logger.Error("retry transition failed", "job", job.ID, "error", err)

		return
	}

	p.countOutcome(job, "retried")
	logger.Info("job parked for retry",
		"job", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", cause)
}

func (p *WorkerPool) countOutcome(job *Job, outcome string) {
	if p.metrics == nil {
		return
	}

	p.metrics.JobsProcessed.WithLabelValues(job.Queue, job.Kind, outcome).Inc()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
