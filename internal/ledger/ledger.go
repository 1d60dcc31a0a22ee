// Package ledger owns per-account quota accounting. Every change to an
// account's bytesUsed goes through Charge, Revert, GrantEntitlement or the
// bulk period operations, each a single atomic operation in the store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cnaesz/Morphile/internal/logging"
	"github.com/cnaesz/Morphile/internal/store"
)

var (
	ErrAlreadyCharged = store.ErrAlreadyCharged
	ErrNoCharge       = errors.New("no charge recorded for job")
	ErrInvalidGrant   = errors.New("entitlement needs a positive duration and cap")
)

// Account is an account as seen through the ledger, with the effective cap applied.
type Account struct {
	ID            string
	BytesUsed     int64
	ByteCap       int64
	PremiumExpiry *time.Time
}

// Premium reports whether an entitlement is active at now.
func (a *Account) Premium(now time.Time) bool {
	return a.PremiumExpiry != nil && now.Before(*a.PremiumExpiry)
}

// Remaining is the allowance left in the current period.
func (a *Account) Remaining() int64 {
	if r := a.ByteCap - a.BytesUsed; r > 0 {
		return r
	}
	return 0
}

// Ledger is the usage ledger service.
type Ledger struct {
	store      store.AccountStore
	defaultCap int64
	now        func() time.Time
}

// New creates a ledger. defaultCap is the free daily allowance given to new
// accounts and to accounts whose entitlement has lapsed.
func New(st store.AccountStore, defaultCap int64) *Ledger {
	return &Ledger{
		store:      st,
		defaultCap: defaultCap,
		now:        time.Now,
	}
}

// DefaultCap returns the free-tier cap.
func (l *Ledger) DefaultCap() int64 {
	return l.defaultCap
}

// Account returns the account, creating it on first sight. An entitlement
// that has expired but not yet been swept by the janitor already falls back
// to the default cap here.
func (l *Ledger) Account(ctx context.Context, id string) (*Account, error) {
	acct, err := l.store.EnsureAccount(ctx, id, l.defaultCap)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	out := &Account{
		ID:            acct.ID,
		BytesUsed:     acct.BytesUsed,
		ByteCap:       acct.ByteCap,
		PremiumExpiry: acct.PremiumExpiry,
	}
	if out.PremiumExpiry != nil && !out.Premium(l.now()) {
		out.ByteCap = l.defaultCap
	}
	return out, nil
}

// CheckCapacity is the advisory pre-check done before a job is queued.
// An unknown estimate (<= 0) is allowed as long as some allowance remains.
func (l *Ledger) CheckCapacity(ctx context.Context, id string, estimatedBytes int64) (bool, error) {
	acct, err := l.Account(ctx, id)
	if err != nil {
		return false, err
	}
	if estimatedBytes <= 0 {
		return acct.BytesUsed < acct.ByteCap, nil
	}
	return acct.BytesUsed+estimatedBytes <= acct.ByteCap, nil
}

// Charge adds bytes for jobID to the account and returns the new total.
// A job is charged at most once; a repeat returns ErrAlreadyCharged.
func (l *Ledger) Charge(ctx context.Context, accountID, jobID string, bytes int64) (int64, error) {
	if _, err := l.store.EnsureAccount(ctx, accountID, l.defaultCap); err != nil {
		return 0, fmt.Errorf("load account %s: %w", accountID, err)
	}
	total, err := l.store.ChargeJob(ctx, accountID, jobID, bytes)
	if err != nil {
		return 0, err
	}
	logging.Ledger.Printf("charged account=%s job=%s bytes=%d total=%d", accountID, jobID, bytes, total)
	return total, nil
}

// Revert undoes the charge made for jobID and returns the bytes given back.
func (l *Ledger) Revert(ctx context.Context, jobID string) (int64, error) {
	charge, err := l.store.RevertJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNoCharge
	}
	if err != nil {
		return 0, err
	}
	logging.Ledger.Printf("reverted account=%s job=%s bytes=%d", charge.AccountID, jobID, charge.Bytes)
	return charge.Bytes, nil
}

// ChargeFor returns the charge recorded for jobID, or nil when the job has
// not been charged.
func (l *Ledger) ChargeFor(ctx context.Context, jobID string) (*store.Charge, error) {
	charge, err := l.store.GetCharge(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return charge, err
}

// RecordPublication ties the published object to the job's charge so a
// re-delivered job can report it instead of transferring again.
func (l *Ledger) RecordPublication(ctx context.Context, jobID, name, url string) error {
	err := l.store.RecordPublication(ctx, jobID, name, url)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoCharge
	}
	return err
}

// GrantEntitlement applies a premium cap for durationDays and resets usage.
func (l *Ledger) GrantEntitlement(ctx context.Context, id string, durationDays int, newCap int64) (*Account, error) {
	if durationDays <= 0 || newCap <= 0 {
		return nil, ErrInvalidGrant
	}
	if _, err := l.store.EnsureAccount(ctx, id, l.defaultCap); err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	expiry := l.now().Add(time.Duration(durationDays) * 24 * time.Hour)
	if err := l.store.SetEntitlement(ctx, id, newCap, expiry); err != nil {
		return nil, err
	}
	logging.Ledger.Printf("granted account=%s cap=%d until=%s", id, newCap, expiry.Format(time.RFC3339))
	return l.Account(ctx, id)
}

// ResetPeriod starts the current UTC day's period, zeroing bytesUsed for
// every account still in an earlier one. It is safe to call repeatedly.
func (l *Ledger) ResetPeriod(ctx context.Context) (int64, error) {
	return l.store.ResetUsage(ctx, PeriodStart(l.now()))
}

// PeriodStart is the start of the accounting period containing t.
func PeriodStart(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// ExpireEntitlements returns lapsed premium accounts to the default cap.
func (l *Ledger) ExpireEntitlements(ctx context.Context) (int64, error) {
	return l.store.ExpireEntitlements(ctx, l.now(), l.defaultCap)
}

// PruneCharges forgets per-job charge records older than retention.
func (l *Ledger) PruneCharges(ctx context.Context, retention time.Duration) (int64, error) {
	return l.store.PruneCharges(ctx, l.now().Add(-retention))
}
