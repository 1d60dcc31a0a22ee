// Package worker runs queued transfer jobs: it resolves the source, streams
// it under the account's byte cap, charges the ledger, publishes the file and
// reports the outcome.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cnaesz/Morphile/internal/ledger"
	"github.com/cnaesz/Morphile/internal/logging"
	"github.com/cnaesz/Morphile/internal/metrics"
	"github.com/cnaesz/Morphile/internal/publish"
	"github.com/cnaesz/Morphile/internal/queue"
	"github.com/cnaesz/Morphile/internal/status"
	"github.com/cnaesz/Morphile/internal/store"
	"github.com/cnaesz/Morphile/internal/transfer"
)

// cleanupTimeout bounds reverts, deletes and settles that run after the job
// context has ended.
const cleanupTimeout = 10 * time.Second

// Outcome is what the pool should do with a delivery after a run.
type Outcome int

const (
	Success Outcome = iota
	Retry
	Terminal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retry:
		return "retry"
	default:
		return "terminal"
	}
}

// Result is the outcome of one attempt.
type Result struct {
	Outcome Outcome
	Err     *transfer.Error
	URL     string
	Bytes   int64
}

func succeeded(url string, bytes int64) Result {
	return Result{Outcome: Success, URL: url, Bytes: bytes}
}

func failed(err error) Result {
	te := transfer.AsError(err)
	if te.Retryable() {
		return Result{Outcome: Retry, Err: te}
	}
	return Result{Outcome: Terminal, Err: te}
}

type Resolver interface {
	Resolve(d transfer.Descriptor) (transfer.Strategy, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, s transfer.Strategy, byteCap int64) (*transfer.File, error)
}

type Publisher interface {
	Publish(ctx context.Context, f *transfer.File, owner publish.Owner) (*publish.Published, error)
	Delete(ctx context.Context, name string) error
}

// Deps are the collaborators an Executor drives.
type Deps struct {
	Ledger    *ledger.Ledger
	Resolver  Resolver
	Fetcher   Fetcher
	Publisher Publisher
	Reporter  status.Reporter
	Metrics   *metrics.Metrics
	// MaxFileSize caps a single transfer below the account cap. Zero means
	// the account cap alone applies.
	MaxFileSize int64
}

// Executor runs one attempt of a job.
type Executor struct {
	ledger      *ledger.Ledger
	resolver    Resolver
	fetcher     Fetcher
	publisher   Publisher
	reporter    status.Reporter
	metrics     *metrics.Metrics
	maxFileSize int64
}

func NewExecutor(d Deps) *Executor {
	return &Executor{
		ledger:      d.Ledger,
		resolver:    d.Resolver,
		fetcher:     d.Fetcher,
		publisher:   d.Publisher,
		reporter:    d.Reporter,
		metrics:     d.Metrics,
		maxFileSize: d.MaxFileSize,
	}
}

// Execute runs job once. It never settles the delivery; the caller does that
// from the returned Result. A job that already published on an earlier
// attempt is reported again and counted as a success without another charge.
func (x *Executor) Execute(ctx context.Context, job *queue.Job, attempt int) Result {
	x.report(ctx, job, status.Update{State: status.Processing, Attempt: attempt})

	charge, err := x.ledger.ChargeFor(ctx, job.ID)
	if err != nil {
		return failed(transfer.Wrap(transfer.InfrastructureError, "load charge", err))
	}
	if charge != nil {
		if charge.Published() {
			return x.republished(ctx, job, attempt, charge)
		}
		// An earlier attempt charged and then died before publishing.
		if err := x.revert(ctx, job.ID); err != nil {
			return failed(transfer.Wrap(transfer.InfrastructureError, "revert stale charge", err))
		}
	}

	strategy, err := x.resolver.Resolve(job.Source)
	if err != nil {
		return failed(err)
	}

	acct, err := x.ledger.Account(ctx, job.AccountID)
	if err != nil {
		return failed(transfer.Wrap(transfer.InfrastructureError, "load account", err))
	}
	if acct.Remaining() == 0 {
		return failed(&transfer.Error{Kind: transfer.CapacityExceeded, Msg: "no allowance left", Limit: acct.ByteCap})
	}
	byteCap := acct.ByteCap
	if x.maxFileSize > 0 && x.maxFileSize < byteCap {
		byteCap = x.maxFileSize
	}

	logging.Worker.Printf("job=%s account=%s strategy=%s attempt=%d cap=%d", job.ID, job.AccountID, strategy.Name(), attempt, byteCap)
	file, err := x.fetcher.Fetch(ctx, strategy, byteCap)
	if err != nil {
		return failed(err)
	}
	defer func() {
		if err := file.Remove(); err != nil {
			logging.Worker.Printf("job=%s remove temp file: %v", job.ID, err)
		}
	}()

	total, err := x.ledger.Charge(ctx, job.AccountID, job.ID, file.Size)
	if err != nil {
		return failed(transfer.Wrap(transfer.InfrastructureError, "charge", err))
	}
	// The cap is re-read so a concurrent grant or reset is honoured.
	acct, err = x.ledger.Account(ctx, job.AccountID)
	if err != nil {
		x.revertQuietly(ctx, job.ID)
		return failed(transfer.Wrap(transfer.InfrastructureError, "load account", err))
	}
	if total > acct.ByteCap {
		x.revertQuietly(ctx, job.ID)
		return failed(&transfer.Error{
			Kind:  transfer.CapacityExceeded,
			Msg:   "charge would pass the account cap",
			Limit: acct.ByteCap,
		})
	}

	pub, err := x.publisher.Publish(ctx, file, publish.Owner{
		AccountID: job.AccountID,
		JobID:     job.ID,
		Submitted: job.SubmittedAt,
	})
	if err != nil {
		x.revertQuietly(ctx, job.ID)
		return failed(err)
	}

	if err := x.ledger.RecordPublication(ctx, job.ID, pub.Name, pub.URL); err != nil {
		x.unpublish(ctx, job.ID, pub.Name)
		x.revertQuietly(ctx, job.ID)
		return failed(transfer.Wrap(transfer.InfrastructureError, "record publication", err))
	}

	x.metrics.Transferred(strategy.Name(), file.Size)
	x.report(ctx, job, status.Update{State: status.Succeeded, URL: pub.URL, Attempt: attempt})
	return succeeded(pub.URL, file.Size)
}

// AlreadyPublished reports the recorded URL of a job that an earlier attempt
// published. ok is false when the job has no publication to report.
func (x *Executor) AlreadyPublished(ctx context.Context, job *queue.Job, attempt int) (res Result, ok bool) {
	charge, err := x.ledger.ChargeFor(ctx, job.ID)
	if err != nil {
		logging.Worker.Printf("job=%s load charge: %v", job.ID, err)
		return Result{}, false
	}
	if charge == nil || !charge.Published() {
		return Result{}, false
	}
	return x.republished(ctx, job, attempt, charge), true
}

func (x *Executor) republished(ctx context.Context, job *queue.Job, attempt int, charge *store.Charge) Result {
	logging.Worker.Printf("job=%s already published as %s", job.ID, charge.PublishedName)
	x.report(ctx, job, status.Update{State: status.Succeeded, URL: charge.PublicURL, Attempt: attempt})
	return succeeded(charge.PublicURL, charge.Bytes)
}

// Fail finishes a job that will not run again: an unpublished charge is
// reverted and the owner is told why.
func (x *Executor) Fail(ctx context.Context, job *queue.Job, attempt int, cause *transfer.Error) {
	charge, err := x.ledger.ChargeFor(ctx, job.ID)
	if err != nil {
		logging.Worker.Printf("job=%s load charge on failure: %v", job.ID, err)
	} else if charge != nil && !charge.Published() {
		x.revertQuietly(ctx, job.ID)
	}
	logging.Worker.Printf("job=%s failed after attempt %d: %v", job.ID, attempt, cause)
	x.report(ctx, job, status.Update{State: status.Failed, Reason: cause.UserMessage(), Attempt: attempt})
}

func (x *Executor) report(ctx context.Context, job *queue.Job, u status.Update) {
	if err := x.reporter.Report(ctx, job.Status, u); err != nil {
		logging.Worker.Printf("job=%s report %s: %v", job.ID, u.State, err)
	}
}

func (x *Executor) revert(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	bytes, err := x.ledger.Revert(ctx, jobID)
	if errors.Is(err, ledger.ErrNoCharge) {
		return nil
	}
	if err != nil {
		return err
	}
	x.metrics.LedgerReverted()
	logging.Worker.Printf("job=%s reverted %d bytes", jobID, bytes)
	return nil
}

func (x *Executor) revertQuietly(ctx context.Context, jobID string) {
	if err := x.revert(ctx, jobID); err != nil {
		logging.Worker.Printf("job=%s revert: %v", jobID, err)
	}
}

func (x *Executor) unpublish(ctx context.Context, jobID, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := x.publisher.Delete(ctx, name); err != nil {
		logging.Worker.Printf("job=%s delete %s: %v", jobID, name, err)
	}
}
