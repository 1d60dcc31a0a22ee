package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cnaesz/Morphile/internal/logging"
	"github.com/cnaesz/Morphile/internal/metrics"
	"github.com/cnaesz/Morphile/internal/queue"
	"github.com/cnaesz/Morphile/internal/transfer"
)

// ErrShutdown is the cancellation cause of a job interrupted because the
// pool is stopping. Such a job is left unsettled for another worker.
var ErrShutdown = errors.New("worker shutting down")

var (
	errTimeLimit = &transfer.Error{Kind: transfer.TimeLimitExceeded, Msg: "job time limit reached"}
	errExhausted = &transfer.Error{Kind: transfer.InfrastructureError, Msg: "retries exhausted"}
)

const (
	DefaultJobTimeout    = 30 * time.Minute
	DefaultShutdownGrace = 30 * time.Second

	dequeueBackoff = time.Second
)

// Options configures a Pool.
type Options struct {
	Workers       int
	JobTimeout    time.Duration
	ShutdownGrace time.Duration
	Retry         queue.RetryPolicy
	// OnSettled, if set, is called after a job reaches a final outcome
	// (acknowledged or failed).
	OnSettled func(job *queue.Job, outcome Outcome)
}

// Pool runs a fixed number of workers against a broker.
type Pool struct {
	broker  queue.Broker
	exec    *Executor
	metrics *metrics.Metrics
	opts    Options
}

func NewPool(broker queue.Broker, exec *Executor, m *metrics.Metrics, opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	return &Pool{broker: broker, exec: exec, metrics: m, opts: opts}
}

// Run starts the workers and blocks until ctx is done and every worker has
// returned. Jobs in flight when ctx ends get ShutdownGrace to finish.
func (p *Pool) Run(ctx context.Context) {
	logging.Worker.Printf("starting %d workers", p.opts.Workers)
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	logging.Worker.Println("all workers stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		d, err := p.broker.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			logging.Worker.Printf("worker %d: dequeue: %v", id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		p.handle(ctx, d)
	}
}

func (p *Pool) handle(ctx context.Context, d queue.Delivery) {
	job, attempt := d.Job(), d.Attempt()
	if attempt > 1 {
		p.metrics.Redelivered()
	}
	done := p.metrics.JobStarted()

	// Re-deliveries after a crashed or killed worker never went through
	// Retry, so the ceiling is enforced here as well.
	if attempt > p.opts.Retry.MaxAttempts {
		p.settleExhausted(ctx, d, done)
		return
	}

	// The job outlives ctx by up to ShutdownGrace.
	base, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)
	jobCtx, cancelTimeout := context.WithTimeout(base, p.opts.JobTimeout)
	defer cancelTimeout()

	finished := make(chan struct{})
	go p.watchShutdown(ctx, finished, cancel)
	res := p.exec.Execute(jobCtx, job, attempt)
	close(finished)

	if res.Outcome != Success {
		switch {
		case errors.Is(context.Cause(jobCtx), ErrShutdown):
			logging.Worker.Printf("job=%s abandoned at shutdown, left for re-delivery", job.ID)
			done(metrics.OutcomeAbandoned, "shutdown")
			return
		case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
			res = Result{Outcome: Terminal, Err: errTimeLimit}
		}
	}

	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancelSettle()

	switch res.Outcome {
	case Success:
		if err := d.Ack(settleCtx); err != nil {
			logging.Worker.Printf("job=%s ack: %v", job.ID, err)
		}
		done(metrics.OutcomeSucceeded, "")
		p.settled(job, Success)
	case Retry:
		if p.opts.Retry.Exhausted(attempt) {
			p.fail(settleCtx, d, res.Err)
			done(metrics.OutcomeFailed, res.Err.Kind.String())
			return
		}
		delay := p.opts.Retry.Backoff(attempt)
		logging.Worker.Printf("job=%s attempt %d failed, retrying in %s: %v", job.ID, attempt, delay, res.Err)
		if err := d.Retry(settleCtx, delay, res.Err.Error()); err != nil {
			logging.Worker.Printf("job=%s retry: %v", job.ID, err)
		}
		done(metrics.OutcomeRetried, res.Err.Kind.String())
	default:
		p.fail(settleCtx, d, res.Err)
		done(metrics.OutcomeFailed, res.Err.Kind.String())
	}
}

// settleExhausted settles a job delivered past the attempt ceiling without
// running it. One that was published before its worker died still succeeds.
func (p *Pool) settleExhausted(ctx context.Context, d queue.Delivery, done func(outcome, reason string)) {
	job, attempt := d.Job(), d.Attempt()
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if _, ok := p.exec.AlreadyPublished(settleCtx, job, attempt); ok {
		if err := d.Ack(settleCtx); err != nil {
			logging.Worker.Printf("job=%s ack: %v", job.ID, err)
		}
		done(metrics.OutcomeSucceeded, "")
		p.settled(job, Success)
		return
	}

	logging.Worker.Printf("job=%s delivered for attempt %d of %d, failing without running", job.ID, attempt, p.opts.Retry.MaxAttempts)
	p.fail(settleCtx, d, errExhausted)
	done(metrics.OutcomeFailed, errExhausted.Kind.String())
}

func (p *Pool) fail(ctx context.Context, d queue.Delivery, cause *transfer.Error) {
	job := d.Job()
	p.exec.Fail(ctx, job, d.Attempt(), cause)
	if err := d.Fail(ctx, cause.Error()); err != nil {
		logging.Worker.Printf("job=%s fail: %v", job.ID, err)
	}
	p.settled(job, Terminal)
}

func (p *Pool) settled(job *queue.Job, outcome Outcome) {
	if p.opts.OnSettled != nil {
		p.opts.OnSettled(job, outcome)
	}
}

// watchShutdown cancels the running job with ErrShutdown once ctx has been
// done for ShutdownGrace.
func (p *Pool) watchShutdown(ctx context.Context, finished <-chan struct{}, cancel context.CancelCauseFunc) {
	select {
	case <-finished:
		return
	case <-ctx.Done():
	}
	timer := time.NewTimer(p.opts.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		cancel(ErrShutdown)
	}
}
