package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envzilla_jobs_processed_total",
		Help: "Jobs processed by kind and outcome.",
	}, []string{"kind", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "envzilla_job_duration_seconds",
		Help:    "Job execution time by kind.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind"})
)

// NonRetryableError marks a failure that must bypass the retry schedule,
// such as decrypt-error or invalid-container-id.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// NoRetry wraps err so the pool dead-letters the job immediately.
func NoRetry(err error) error {
	return &NonRetryableError{Err: err}
}

// Handler executes one job. report publishes progress (0..100) and doubles
// as the stall heartbeat; handlers should call it at every phase boundary.
type Handler func(ctx context.Context, job *Job, report func(pct int)) error

// Pool runs a fixed number of workers against the queue plus the two
// maintenance loops (delayed promotion, stall re-delivery).
type Pool struct {
	queue       *Queue
	handlers    map[Kind]Handler
	concurrency int
	jobTimeout  map[Kind]time.Duration
	log         *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. jobTimeout bounds each kind's runtime;
// kinds without an entry get no per-job deadline beyond the pool context.
func NewPool(q *Queue, concurrency int, jobTimeout map[Kind]time.Duration, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Pool{
		queue:       q,
		handlers:    make(map[Kind]Handler),
		concurrency: concurrency,
		jobTimeout:  jobTimeout,
		log:         log,
	}
}

// Register installs the handler for a job kind. Must be called before Start.
func (p *Pool) Register(kind Kind, h Handler) {
	p.handlers[kind] = h
}

// Start launches the workers and maintenance loops.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workLoop(ctx, i)
	}

	p.wg.Add(2)
	go p.maintenanceLoop(ctx, time.Second, func(c context.Context) {
		if _, err := p.queue.PromoteDelayed(c); err != nil {
			p.log.Error("promote delayed", "error", err)
		}
	})
	go p.maintenanceLoop(ctx, 30*time.Second, func(c context.Context) {
		if n, err := p.queue.RequeueStalled(c); err != nil {
			p.log.Error("requeue stalled", "error", err)
		} else if n > 0 {
			p.log.Warn("re-delivered stalled jobs", "count", n)
		}
	})
}

// Stop drains the pool: workers finish their in-flight job, then exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// maintenanceLoop runs fn on a fixed interval until the pool context is
// cancelled. Both background loops (delayed promotion, stall re-delivery)
// run through here.
func (p *Pool) maintenanceLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (p *Pool) workLoop(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("dequeue", "worker", id, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		p.execute(ctx, job)
	}
}

// execute runs one job. The handler never panics across the queue boundary:
// panics become failed attempts like any other error.
func (p *Pool) execute(ctx context.Context, job *Job) {
	log := p.log.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	handler, ok := p.handlers[job.Kind]
	if !ok {
		log.Error("no handler registered")
		p.finish(job, fmt.Errorf("no handler for kind %s", job.Kind), false)
		return
	}

	jobCtx := ctx
	if timeout, ok := p.jobTimeout[job.Kind]; ok {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	report := func(pct int) {
		if err := p.queue.Progress(context.WithoutCancel(ctx), job.ID, pct); err != nil {
			log.Warn("publish progress", "error", err)
		}
	}

	start := time.Now()
	err := p.runHandler(jobCtx, handler, job, report)
	jobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	retryable := true
	var noRetry *NonRetryableError
	if errors.As(err, &noRetry) {
		retryable = false
	}
	p.finish(job, err, retryable)

	switch {
	case err == nil:
		log.Info("job completed", "duration", time.Since(start))
	default:
		log.Warn("job failed", "error", err, "retryable", retryable)
	}
}

func (p *Pool) runHandler(ctx context.Context, handler Handler, job *Job, report func(int)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal: handler panic: %v", r)
		}
	}()
	return handler(ctx, job, report)
}

// finish records the terminal outcome of this attempt. Bookkeeping uses a
// detached context so a cancelled pool can still write results.
func (p *Pool) finish(job *Job, err error, retryable bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err == nil {
		if qerr := p.queue.Complete(ctx, job.ID); qerr != nil {
			p.log.Error("mark complete", "job_id", job.ID, "error", qerr)
		}
		jobsProcessed.WithLabelValues(string(job.Kind), "completed").Inc()
		return
	}

	if qerr := p.queue.Fail(ctx, job.ID, err.Error(), retryable); qerr != nil {
		p.log.Error("mark failed", "job_id", job.ID, "error", qerr)
	}
	jobsProcessed.WithLabelValues(string(job.Kind), "failed").Inc()
}
