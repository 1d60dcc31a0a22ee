package store

import (
	"context"
	"time"
)

// Account is the quota-holding identity.
type Account struct {
	ID              string
	BytesUsed       int64
	ByteCap         int64
	PremiumExpiry   *time.Time
	PeriodStartedAt time.Time
	CreatedAt       time.Time
}

// Charge records the bytes a single job added to its account.
type Charge struct {
	JobID         string
	AccountID     string
	Bytes         int64
	PublishedName string
	PublicURL     string
	CreatedAt     time.Time
}

// Published reports whether the charged job already produced a public object.
func (c *Charge) Published() bool {
	return c.PublicURL != ""
}

// JobRecord is the status record the front-end and workers share for a job.
type JobRecord struct {
	ID         string
	AccountID  string
	SourceKind string
	Source     string
	Status     string
	Reason     string
	PublicURL  string
	Attempts   int
	ChatID     int64
	MessageID  int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Stats contains aggregate statistics for the --stats command.
type Stats struct {
	Accounts        int
	PremiumAccounts int
	BytesUsed       int64
	TotalJobs       int
	QueuedJobs      int
	ProcessingJobs  int
	SucceededJobs   int
	FailedJobs      int
	ChargedBytes    int64
	OldestJob       time.Time
	NewestJob       time.Time
}

// AccountStore persists accounts and per-job charges. Every mutation of
// bytes_used is a single statement or transaction in the database.
type AccountStore interface {
	EnsureAccount(ctx context.Context, id string, defaultCap int64) (*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	ChargeJob(ctx context.Context, accountID, jobID string, bytes int64) (int64, error)
	RevertJob(ctx context.Context, jobID string) (*Charge, error)
	GetCharge(ctx context.Context, jobID string) (*Charge, error)
	RecordPublication(ctx context.Context, jobID, name, url string) error
	SetEntitlement(ctx context.Context, id string, byteCap int64, expiry time.Time) error
	ResetUsage(ctx context.Context, periodStart time.Time) (int64, error)
	ExpireEntitlements(ctx context.Context, now time.Time, defaultCap int64) (int64, error)
	PruneCharges(ctx context.Context, before time.Time) (int64, error)
}

// JobStore persists job status records.
type JobStore interface {
	CreateJob(ctx context.Context, rec *JobRecord) error
	UpdateJobStatus(ctx context.Context, id, status, reason, url string, attempts int) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)
}
