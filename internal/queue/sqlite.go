package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cnaesz/Morphile/internal/logging"
)

const (
	stateQueued = "queued"
	stateLeased = "leased"
	stateFailed = "failed"
)

// SQLiteBroker keeps the queue in the queue_jobs table of the shared
// database. Workers in other processes poll the same file.
type SQLiteBroker struct {
	db     *sql.DB
	lease  time.Duration
	poll   time.Duration
	now    func() time.Time
	notify chan struct{}
	closed chan struct{}
}

type SQLiteOptions struct {
	LeaseTimeout time.Duration
	PollInterval time.Duration
}

// NewSQLiteBroker uses db, which must already carry the queue_jobs schema.
func NewSQLiteBroker(db *sql.DB, opts SQLiteOptions) *SQLiteBroker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &SQLiteBroker{
		db:     db,
		lease:  opts.LeaseTimeout,
		poll:   opts.PollInterval,
		now:    time.Now,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (b *SQLiteBroker) Enqueue(ctx context.Context, job *Job) error {
	payload, err := job.Encode()
	if err != nil {
		return err
	}
	now := b.now().UnixMilli()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, payload, attempts, state, available_at, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?, ?)
	`, job.ID, payload, stateQueued, now, now, now)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}

	// Wake a local waiter; remote workers find it on their next poll.
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *SQLiteBroker) Dequeue(ctx context.Context) (Delivery, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.closed:
			return nil, ErrClosed
		case <-b.notify:
		case <-timer.C:
		}

		d, err := b.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		timer.Reset(b.poll)
	}
}

// claim leases the oldest ready job: queued and due, or leased with an
// expired lease. It returns nil when nothing is ready.
func (b *SQLiteBroker) claim(ctx context.Context) (*sqliteDelivery, error) {
	for {
		now := b.now().UnixMilli()
		token := uuid.NewString()

		var (
			id       string
			payload  []byte
			attempts int
		)
		err := b.db.QueryRowContext(ctx, `
			UPDATE queue_jobs
			SET state = ?, lease_token = ?, lease_until = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = (
				SELECT id FROM queue_jobs
				WHERE (state = ? AND available_at <= ?) OR (state = ? AND lease_until <= ?)
				ORDER BY available_at, created_at
				LIMIT 1
			)
			RETURNING id, payload, attempts
		`, stateLeased, token, now+b.lease.Milliseconds(), now,
			stateQueued, now, stateLeased, now).Scan(&id, &payload, &attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}

		d := &sqliteDelivery{broker: b, id: id, token: token, attempt: attempts}
		job, err := Decode(payload)
		if err != nil {
			logging.Queue.Printf("dropping undecodable job %s: %v", id, err)
			if ferr := d.Fail(ctx, err.Error()); ferr != nil {
				return nil, ferr
			}
			continue
		}
		d.job = job
		if attempts > 1 {
			logging.Queue.Printf("re-delivering job=%s attempt=%d", id, attempts)
		}
		return d, nil
	}
}

func (b *SQLiteBroker) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

// Depth returns the number of jobs waiting or leased.
func (b *SQLiteBroker) Depth(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_jobs WHERE state != ?`, stateFailed).Scan(&n)
	return n, err
}

type sqliteDelivery struct {
	broker  *SQLiteBroker
	id      string
	token   string
	attempt int
	job     *Job
}

func (d *sqliteDelivery) Job() *Job    { return d.job }
func (d *sqliteDelivery) Attempt() int { return d.attempt }

func (d *sqliteDelivery) Ack(ctx context.Context) error {
	return d.settle(ctx, `DELETE FROM queue_jobs WHERE id = ? AND lease_token = ?`, d.id, d.token)
}

func (d *sqliteDelivery) Retry(ctx context.Context, delay time.Duration, reason string) error {
	now := d.broker.now()
	return d.settle(ctx, `
		UPDATE queue_jobs
		SET state = ?, available_at = ?, lease_token = NULL, lease_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND lease_token = ?
	`, stateQueued, now.Add(delay).UnixMilli(), reason, now.UnixMilli(), d.id, d.token)
}

func (d *sqliteDelivery) Fail(ctx context.Context, reason string) error {
	return d.settle(ctx, `
		UPDATE queue_jobs
		SET state = ?, lease_token = NULL, lease_until = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND lease_token = ?
	`, stateFailed, reason, d.broker.now().UnixMilli(), d.id, d.token)
}

func (d *sqliteDelivery) settle(ctx context.Context, query string, args ...any) error {
	result, err := d.broker.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
