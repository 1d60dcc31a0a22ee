package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/cnaesz/Morphile/internal/logging"
	"github.com/cnaesz/Morphile/internal/store/migrations"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyCharged = errors.New("job already charged")
)

// SQLiteStore implements AccountStore and JobStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and applies migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one connection keeps transactions from
	// tripping over each other and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func dsn(dbPath string) string {
	params := "_busy_timeout=5000&_txlock=immediate"
	if dbPath != ":memory:" {
		params += "&_journal_mode=WAL"
	}
	if strings.HasPrefix(dbPath, "file:") {
		return dbPath + "?" + params
	}
	return "file:" + dbPath + "?" + params
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(logging.Internal)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// DB exposes the underlying handle so the SQLite queue backend can share it.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const accountColumns = `id, bytes_used, byte_cap, premium_expiry, period_started_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var acct Account
	var expiry sql.NullTime
	err := row.Scan(&acct.ID, &acct.BytesUsed, &acct.ByteCap, &expiry, &acct.PeriodStartedAt, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		t := expiry.Time
		acct.PremiumExpiry = &t
	}
	return &acct, nil
}

// EnsureAccount creates the account with the default cap on first sight and returns it.
func (s *SQLiteStore) EnsureAccount(ctx context.Context, id string, defaultCap int64) (*Account, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, bytes_used, byte_cap, period_started_at, created_at)
		VALUES (?, 0, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, id, defaultCap, now, now)
	if err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, id)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ChargeJob adds bytes to the account on behalf of jobID and returns the new total.
// A job can be charged once; a second call returns ErrAlreadyCharged and changes nothing.
func (s *SQLiteStore) ChargeJob(ctx context.Context, accountID, jobID string, bytes int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO charges (job_id, account_id, bytes, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING
	`, jobID, accountID, bytes, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, ErrAlreadyCharged
	}

	var total int64
	err = tx.QueryRowContext(ctx, `
		UPDATE accounts SET bytes_used = bytes_used + ? WHERE id = ?
		RETURNING bytes_used
	`, bytes, accountID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// RevertJob removes the charge recorded for jobID and subtracts its bytes
// when the charge belongs to the account's current period.
func (s *SQLiteStore) RevertJob(ctx context.Context, jobID string) (*Charge, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	charge, err := scanCharge(tx.QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM charges WHERE job_id = ?`, jobID))
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM charges WHERE job_id = ?`, jobID); err != nil {
		return nil, err
	}

	// A charge made before the current period began is no longer part of
	// bytes_used: the reset or grant that started the period zeroed it.
	var periodStart time.Time
	err = tx.QueryRowContext(ctx, `SELECT period_started_at FROM accounts WHERE id = ?`, charge.AccountID).Scan(&periodStart)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !charge.CreatedAt.Before(periodStart) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET bytes_used = MAX(bytes_used - ?, 0) WHERE id = ?
		`, charge.Bytes, charge.AccountID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return charge, nil
}

const chargeColumns = `job_id, account_id, bytes, published_name, public_url, created_at`

func scanCharge(row scanner) (*Charge, error) {
	var c Charge
	err := row.Scan(&c.JobID, &c.AccountID, &c.Bytes, &c.PublishedName, &c.PublicURL, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) GetCharge(ctx context.Context, jobID string) (*Charge, error) {
	return scanCharge(s.db.QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM charges WHERE job_id = ?`, jobID))
}

// RecordPublication attaches the published object to the job's charge.
func (s *SQLiteStore) RecordPublication(ctx context.Context, jobID, name, url string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE charges SET published_name = ?, public_url = ? WHERE job_id = ?
	`, name, url, jobID)
	return expectOneRow(result, err)
}

// SetEntitlement applies a premium cap until expiry and starts a fresh allowance.
func (s *SQLiteStore) SetEntitlement(ctx context.Context, id string, byteCap int64, expiry time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET byte_cap = ?, premium_expiry = ?, bytes_used = 0, period_started_at = ?
		WHERE id = ?
	`, byteCap, expiry.UTC(), time.Now().UTC(), id)
	return expectOneRow(result, err)
}

// ResetUsage starts the period beginning at periodStart for every account
// whose current period began earlier. Repeated calls for the same period
// change nothing.
func (s *SQLiteStore) ResetUsage(ctx context.Context, periodStart time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET bytes_used = 0, period_started_at = ?
		WHERE period_started_at < ?
	`, periodStart.UTC(), periodStart.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ExpireEntitlements reverts accounts whose premium has lapsed to the default cap.
func (s *SQLiteStore) ExpireEntitlements(ctx context.Context, now time.Time, defaultCap int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET byte_cap = ?, premium_expiry = NULL
		WHERE premium_expiry IS NOT NULL AND premium_expiry < ?
	`, defaultCap, now.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PruneCharges drops charge records older than before. They only matter while
// the queue can still re-deliver the job.
func (s *SQLiteStore) PruneCharges(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM charges WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, rec *JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, account_id, source_kind, source, status, reason, public_url,
			attempts, chat_id, message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.AccountID, rec.SourceKind, rec.Source, rec.Status, rec.Reason, rec.PublicURL,
		rec.Attempts, rec.ChatID, rec.MessageID, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	return err
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status, reason, url string, attempts int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, reason = ?, public_url = ?, attempts = MAX(attempts, ?), updated_at = ?
		WHERE id = ?
	`, status, reason, url, attempts, time.Now().UTC(), id)
	return expectOneRow(result, err)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, source_kind, source, status, reason, public_url,
			attempts, chat_id, message_id, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)

	var rec JobRecord
	err := row.Scan(&rec.ID, &rec.AccountID, &rec.SourceKind, &rec.Source, &rec.Status, &rec.Reason,
		&rec.PublicURL, &rec.Attempts, &rec.ChatID, &rec.MessageID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN premium_expiry IS NOT NULL AND premium_expiry > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(bytes_used), 0)
		FROM accounts
	`, time.Now().UTC()).Scan(&stats.Accounts, &stats.PremiumAccounts, &stats.BytesUsed)
	if err != nil {
		return nil, err
	}

	var oldest, newest sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			MIN(created_at),
			MAX(created_at)
		FROM jobs
	`).Scan(&stats.TotalJobs, &stats.QueuedJobs, &stats.ProcessingJobs, &stats.SucceededJobs,
		&stats.FailedJobs, &oldest, &newest)
	if err != nil {
		return nil, err
	}
	stats.OldestJob = parseTimestamp(oldest)
	stats.NewestJob = parseTimestamp(newest)

	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(bytes), 0) FROM charges`).Scan(&stats.ChargedBytes)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// parseTimestamp handles aggregate results, which SQLite returns as text.
func parseTimestamp(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, v.String); err == nil {
			return t
		}
	}
	return time.Time{}
}

func expectOneRow(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
