// Package queue provides durable at-least-once delivery of transfer jobs.
// A delivered job is leased to one worker; if the worker disappears without
// settling it, the job becomes deliverable again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cnaesz/Morphile/internal/status"
	"github.com/cnaesz/Morphile/internal/transfer"
)

var (
	ErrClosed    = errors.New("queue closed")
	ErrLeaseLost = errors.New("lease no longer held")
)

// Job is one queued transfer.
type Job struct {
	ID          string              `json:"id"`
	AccountID   string              `json:"account_id"`
	Source      transfer.Descriptor `json:"source"`
	Status      status.Ref          `json:"status"`
	SubmittedAt time.Time           `json:"submitted_at"`
}

func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

func Decode(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if j.ID == "" || j.AccountID == "" {
		return nil, errors.New("decode job: missing id or account")
	}
	return &j, nil
}

// Delivery is a leased job. Exactly one of Ack, Retry or Fail settles it;
// a delivery that is never settled is re-delivered after the lease expires.
type Delivery interface {
	Job() *Job
	// Attempt is 1 for the first delivery and grows with every re-delivery.
	Attempt() int
	Ack(ctx context.Context) error
	// Retry returns the job to the queue, deliverable again after delay.
	Retry(ctx context.Context, delay time.Duration, reason string) error
	// Fail settles the job terminally and keeps it for inspection.
	Fail(ctx context.Context, reason string) error
}

// Broker is a durable job queue.
type Broker interface {
	// Enqueue durably records job and returns without waiting for a worker.
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks until a job is leased or ctx is done.
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}

// RetryPolicy bounds re-delivery of retryable failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Exhausted reports whether a job that failed on attempt may not run again.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Backoff is the delay before the attempt after attempt: BaseDelay doubled
// per completed attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
