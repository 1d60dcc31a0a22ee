// Package intake accepts transfer requests on the interactive path: it runs
// the cheap checks, records the job and queues it without waiting for the
// transfer.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cnaesz/Morphile/internal/ledger"
	"github.com/cnaesz/Morphile/internal/logging"
	"github.com/cnaesz/Morphile/internal/metrics"
	"github.com/cnaesz/Morphile/internal/queue"
	"github.com/cnaesz/Morphile/internal/status"
	"github.com/cnaesz/Morphile/internal/store"
	"github.com/cnaesz/Morphile/internal/transfer"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrTooManyPending = errors.New("too many pending jobs")
)

// Submission results recorded in metrics.
const (
	resultAccepted = "accepted"
	resultInvalid  = "invalid"
	resultSource   = "rejected_source"
	resultCapacity = "rejected_capacity"
	resultPending  = "rejected_pending"
	resultError    = "error"
)

type Resolver interface {
	Resolve(d transfer.Descriptor) (transfer.Strategy, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// SubmitRequest is a transfer request from the front-end. ChatID and
// MessageID point at the message that shows progress, when there is one.
type SubmitRequest struct {
	AccountID string
	Source    transfer.Descriptor
	ChatID    int64
	MessageID int64
}

// JobHandle is what the caller gets back for an accepted job.
type JobHandle struct {
	ID          string       `json:"id"`
	State       status.State `json:"state"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// Deps are the collaborators of a Service. Pending and Notifier may be nil.
type Deps struct {
	Ledger   *ledger.Ledger
	Resolver Resolver
	Jobs     store.JobStore
	Queue    Enqueuer
	Pending  *PendingLimiter
	Notifier status.Reporter
	Metrics  *metrics.Metrics
}

type Service struct {
	ledger   *ledger.Ledger
	resolver Resolver
	jobs     store.JobStore
	queue    Enqueuer
	pending  *PendingLimiter
	notifier status.Reporter
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{
		ledger:   d.Ledger,
		resolver: d.Resolver,
		jobs:     d.Jobs,
		queue:    d.Queue,
		pending:  d.Pending,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		now:      time.Now,
	}
}

// Submit validates req, records a queued job and enqueues it. The capacity
// check here is advisory; the worker's check after the download decides.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*JobHandle, error) {
	if req.AccountID == "" {
		s.metrics.Submitted(resultInvalid)
		return nil, fmt.Errorf("%w: missing account", ErrInvalidRequest)
	}
	if err := req.Source.Validate(); err != nil {
		s.metrics.Submitted(resultInvalid)
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	// Fail fast on sources no worker could fetch.
	if _, err := s.resolver.Resolve(req.Source); err != nil {
		s.metrics.Submitted(resultSource)
		return nil, err
	}

	ok, err := s.ledger.CheckCapacity(ctx, req.AccountID, req.Source.EstimatedSize())
	if err != nil {
		s.metrics.Submitted(resultError)
		return nil, err
	}
	if !ok {
		s.metrics.Submitted(resultCapacity)
		acct, err := s.ledger.Account(ctx, req.AccountID)
		if err != nil {
			return nil, err
		}
		return nil, &transfer.Error{Kind: transfer.CapacityExceeded, Msg: "pre-check", Limit: acct.ByteCap}
	}

	if s.pending != nil && !s.pending.CanSubmit(req.AccountID) {
		s.metrics.Submitted(resultPending)
		return nil, fmt.Errorf("%w: %d of %d in progress", ErrTooManyPending,
			s.pending.PendingCount(req.AccountID), s.pending.MaxPending())
	}

	now := s.now().UTC()
	job := &queue.Job{
		ID:        uuid.NewString(),
		AccountID: req.AccountID,
		Source:    req.Source,
		Status: status.Ref{
			ChatID:    req.ChatID,
			MessageID: req.MessageID,
		},
		SubmittedAt: now,
	}
	job.Status.JobID = job.ID

	if err := s.jobs.CreateJob(ctx, &store.JobRecord{
		ID:         job.ID,
		AccountID:  job.AccountID,
		SourceKind: string(req.Source.Kind),
		Source:     req.Source.String(),
		Status:     string(status.Queued),
		ChatID:     req.ChatID,
		MessageID:  req.MessageID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		s.metrics.Submitted(resultError)
		return nil, fmt.Errorf("create job record: %w", err)
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.metrics.Submitted(resultError)
		if uerr := s.jobs.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, string(status.Failed),
			"could not be queued", "", 0); uerr != nil {
			logging.Internal.Printf("job=%s mark unqueued job failed: %v", job.ID, uerr)
		}
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	if s.pending != nil {
		s.pending.Track(job.AccountID, job.ID)
	}
	if s.notifier != nil {
		if err := s.notifier.Report(ctx, job.Status, status.Update{State: status.Queued}); err != nil {
			logging.Internal.Printf("job=%s queued notice: %v", job.ID, err)
		}
	}
	s.metrics.Submitted(resultAccepted)
	logging.Internal.Printf("job=%s account=%s queued source=%s", job.ID, job.AccountID, req.Source.Kind)

	return &JobHandle{ID: job.ID, State: status.Queued, SubmittedAt: now}, nil
}

// Job returns the status record of a job.
func (s *Service) Job(ctx context.Context, id string) (*store.JobRecord, error) {
	return s.jobs.GetJob(ctx, id)
}

// Release stops counting a finished job against its account's pending limit.
func (s *Service) Release(jobID string) {
	if s.pending != nil {
		s.pending.Release(jobID)
	}
}

// Reconcile releases pending entries whose job records are final. Workers in
// another process cannot call Release directly, so the server runs this
// periodically. maxAge bounds entries whose record is never updated.
func (s *Service) Reconcile(ctx context.Context, maxAge time.Duration) int {
	if s.pending == nil {
		return 0
	}
	released := 0
	for _, id := range s.pending.Tracked() {
		rec, err := s.jobs.GetJob(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			logging.Internal.Printf("job=%s reconcile: %v", id, err)
			continue
		case !status.State(rec.Status).Terminal():
			continue
		}
		s.pending.Release(id)
		released++
	}
	if maxAge > 0 {
		released += s.pending.CleanupExpired(maxAge)
	}
	return released
}
