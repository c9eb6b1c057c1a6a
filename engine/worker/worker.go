// Package worker runs the polling worker pool that drains engine/queue: one
// goroutine per registered job kind, each dequeuing a batch on an interval,
// processing it with bounded concurrency, and completing or failing jobs
// back to the queue.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dealdocs/pipeline/engine/queue"
	"github.com/dealdocs/pipeline/pkg/fn"
)

// Config controls how a single job kind is polled.
type Config struct {
	BatchSize        int
	PollingInterval  time.Duration
}

// DefaultConfigs mirrors the per-job-kind tuning of the pipeline this
// worker pool replaced: small batches polled frequently for latency-
// sensitive stages, larger batches polled less often for bulk stages.
var DefaultConfigs = map[string]Config{
	"test-job":            {BatchSize: 5, PollingInterval: 2 * time.Second},
	"parse-document":      {BatchSize: 3, PollingInterval: 5 * time.Second},
	"generate-embeddings": {BatchSize: 5, PollingInterval: 2 * time.Second},
	"update-graph":        {BatchSize: 10, PollingInterval: 1 * time.Second},
	"analyze-document":    {BatchSize: 3, PollingInterval: 5 * time.Second},
	"extract-financials":  {BatchSize: 3, PollingInterval: 5 * time.Second},
}

// Handler processes one job's payload. An error fails the job back to the
// queue; a nil error completes it, persisting the returned output envelope
// (spec §4.A, §4.B).
type Handler func(ctx context.Context, job queue.Job) ([]byte, error)

// Dequeuer is the slice of the queue a worker needs.
type Dequeuer interface {
	Dequeue(ctx context.Context, jobName string, batchSize int) ([]queue.Job, error)
	Complete(ctx context.Context, jobID string, output []byte) error
	Fail(ctx context.Context, job queue.Job, cause error) error
}

type registration struct {
	jobName string
	handler Handler
	config  Config
}

// Waker subscribes to best-effort dequeue-wakeup notifications for a job
// kind, satisfied by engine/queue.Notifier. A nil Waker (or a Waker backed
// by no live connection) degrades to pure interval polling.
type Waker interface {
	Subscribe(jobName string, wake chan<- struct{}) (*nats.Subscription, error)
}

// Metrics records per-job-kind stage latency and in-flight job counts
// (SPEC_FULL.md's ambient-stack metrics section). A nil Metrics disables
// recording entirely.
type Metrics interface {
	ObserveJobDuration(jobName string, seconds float64)
	IncActiveJobs(jobName string)
	DecActiveJobs(jobName string)
}

// Pool is a collection of per-job-kind polling loops.
type Pool struct {
	q             Dequeuer
	logger        *slog.Logger
	waker         Waker
	metrics       Metrics
	registrations []registration
	wg            sync.WaitGroup
}

// New creates an empty worker Pool.
func New(q Dequeuer, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{q: q, logger: logger}
}

// SetWaker attaches w so each registered job kind wakes its poll loop
// immediately on enqueue instead of waiting out the PollingInterval.
func (p *Pool) SetWaker(w Waker) {
	p.waker = w
}

// SetMetrics attaches m so every processed job records its duration and
// in-flight count against it.
func (p *Pool) SetMetrics(m Metrics) {
	p.metrics = m
}

// Register adds a job kind to the pool. cfg's zero value falls back to
// DefaultConfigs[jobName], then to a 1-job, 5-second default.
func (p *Pool) Register(jobName string, handler Handler, cfg Config) {
	if cfg.BatchSize <= 0 || cfg.PollingInterval <= 0 {
		if def, ok := DefaultConfigs[jobName]; ok {
			cfg = def
		} else {
			cfg = Config{BatchSize: 1, PollingInterval: 5 * time.Second}
		}
	}
	p.registrations = append(p.registrations, registration{jobName: jobName, handler: handler, config: cfg})
}

// Run starts one polling goroutine per registered job kind and blocks until
// ctx is cancelled, then waits for in-flight batches to finish.
func (p *Pool) Run(ctx context.Context) {
	for _, reg := range p.registrations {
		p.wg.Add(1)
		go func(r registration) {
			defer p.wg.Done()
			p.pollLoop(ctx, r)
		}(reg)
	}
	<-ctx.Done()
	p.logger.Info("worker pool shutting down")
	p.wg.Wait()
}

func (p *Pool) pollLoop(ctx context.Context, r registration) {
	ticker := time.NewTicker(r.config.PollingInterval)
	defer ticker.Stop()

	wake := make(chan struct{}, 1)
	if p.waker != nil {
		sub, err := p.waker.Subscribe(r.jobName, wake)
		if err != nil {
			p.logger.Warn("wake subscribe failed, falling back to interval polling", "job_name", r.jobName, "err", err)
		} else if sub != nil {
			defer sub.Unsubscribe()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := p.q.Dequeue(ctx, r.jobName, r.config.BatchSize)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				p.logger.Error("dequeue failed", "job_name", r.jobName, "err", err)
				select {
				case <-time.After(2 * r.config.PollingInterval):
				case <-ctx.Done():
					return
				}
				continue
			}
		} else if len(jobs) > 0 {
			p.processBatch(ctx, r, jobs)
		}

		select {
		case <-ticker.C:
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) processBatch(ctx context.Context, r registration, jobs []queue.Job) {
	stage := fn.BatchStage(r.config.BatchSize, func(ctx context.Context, job queue.Job) fn.Result[struct{}] {
		p.processJob(ctx, r, job)
		return fn.Ok(struct{}{})
	})
	stage(ctx, jobs)
}

func (p *Pool) processJob(ctx context.Context, r registration, job queue.Job) {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.IncActiveJobs(r.jobName)
		defer p.metrics.DecActiveJobs(r.jobName)
	}
	output, err := r.handler(ctx, job)
	if p.metrics != nil {
		p.metrics.ObserveJobDuration(r.jobName, time.Since(start).Seconds())
	}
	if err != nil {
		p.logger.Warn("job failed", "job_name", r.jobName, "job_id", job.ID, "attempt", job.Attempts, "err", err, "duration", time.Since(start))
		if failErr := p.q.Fail(ctx, job, err); failErr != nil {
			p.logger.Error("failed to record job failure", "job_id", job.ID, "err", failErr)
		}
		return
	}
	if completeErr := p.q.Complete(ctx, job.ID, output); completeErr != nil {
		p.logger.Error("failed to mark job complete", "job_id", job.ID, "err", completeErr)
		return
	}
	p.logger.Info("job completed", "job_name", r.jobName, "job_id", job.ID, "retry_count", job.Attempts, "duration", time.Since(start))
}
