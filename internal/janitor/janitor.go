// Package janitor reclaims what the pipeline leaves behind: expired public
// objects, lapsed entitlements, the previous day's usage, old charge rows
// and temp files orphaned by crashed workers.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cnaesz/Morphile/internal/ledger"
	"github.com/cnaesz/Morphile/internal/logging"
	"github.com/cnaesz/Morphile/internal/metrics"
)

const (
	DefaultRetention       = 24 * time.Hour
	DefaultChargeRetention = 7 * 24 * time.Hour
)

// Sweeper deletes public objects created before cutoff.
type Sweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

type Options struct {
	// Retention is how long a published object stays public.
	Retention time.Duration
	// ChargeRetention is how long per-job charge rows are kept. It must
	// outlast the longest time a job can still be re-delivered.
	ChargeRetention time.Duration
	// TempDir holds in-flight downloads; OrphanAge is how old an entry must
	// be before it counts as abandoned.
	TempDir   string
	OrphanAge time.Duration
}

// Report counts what one pass did.
type Report struct {
	ObjectsDeleted      int
	EntitlementsExpired int64
	AccountsReset       int64
	ChargesPruned       int64
	TempFilesRemoved    int
}

func (r Report) String() string {
	return fmt.Sprintf("objects=%d entitlements=%d resets=%d charges=%d temp=%d",
		r.ObjectsDeleted, r.EntitlementsExpired, r.AccountsReset, r.ChargesPruned, r.TempFilesRemoved)
}

type Janitor struct {
	ledger  *ledger.Ledger
	sweeper Sweeper
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
}

func New(l *ledger.Ledger, sweeper Sweeper, m *metrics.Metrics, opts Options) *Janitor {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.ChargeRetention <= 0 {
		opts.ChargeRetention = DefaultChargeRetention
	}
	return &Janitor{ledger: l, sweeper: sweeper, metrics: m, opts: opts, now: time.Now}
}

// RunOnce performs every cleanup step. A failing step does not stop the
// others; their errors are joined.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
		err    error
	)

	report.ObjectsDeleted, err = j.sweeper.Sweep(ctx, j.now().Add(-j.opts.Retention))
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep objects: %w", err))
	}
	j.metrics.ObjectsExpired(report.ObjectsDeleted)

	if report.EntitlementsExpired, err = j.ledger.ExpireEntitlements(ctx); err != nil {
		errs = append(errs, fmt.Errorf("expire entitlements: %w", err))
	}
	if report.AccountsReset, err = j.ledger.ResetPeriod(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reset period: %w", err))
	}
	if report.ChargesPruned, err = j.ledger.PruneCharges(ctx, j.opts.ChargeRetention); err != nil {
		errs = append(errs, fmt.Errorf("prune charges: %w", err))
	}
	if j.opts.TempDir != "" && j.opts.OrphanAge > 0 {
		if report.TempFilesRemoved, err = j.removeOrphans(); err != nil {
			errs = append(errs, fmt.Errorf("remove orphans: %w", err))
		}
	}

	logging.Janitor.Printf("pass done: %s", report)
	return report, errors.Join(errs...)
}

// Run calls RunOnce now and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := j.RunOnce(ctx); err != nil {
			logging.Janitor.Printf("pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// removeOrphans deletes download temp files and extractor work directories
// older than OrphanAge. A live job never holds one that long because
// OrphanAge exceeds the job time limit.
func (j *Janitor) removeOrphans() (int, error) {
	entries, err := os.ReadDir(j.opts.TempDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := j.now().Add(-j.opts.OrphanAge)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "dl-") && !strings.HasPrefix(name, "extract-") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(j.opts.TempDir, name)); err != nil {
			logging.Janitor.Printf("failed to remove orphan %s: %v", name, err)
			continue
		}
		removed++
	}
	return removed, nil
}
