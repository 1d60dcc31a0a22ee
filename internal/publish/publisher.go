// Package publish moves finished downloads into the public store under
// collision-free, path-safe names.
package publish

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/cnaesz/Morphile/internal/logging"
	"github.com/cnaesz/Morphile/internal/transfer"
)

const (
	maxStemLen = 80
	maxExtLen  = 10
)

// Owner identifies whose job a file belongs to. It makes the public name
// unique per job and stable across re-deliveries of the same job.
type Owner struct {
	AccountID string
	JobID     string
	Submitted time.Time
}

// Published is a file in the public store.
type Published struct {
	Name      string
	URL       string
	Size      int64
	CreatedAt time.Time
}

// Publisher relocates temp files into a Storage backend.
type Publisher struct {
	storage Storage
	now     func() time.Time
}

func New(storage Storage) *Publisher {
	return &Publisher{storage: storage, now: time.Now}
}

// Publish moves f into the public store and returns its public reference.
// f.Path does not exist afterwards when publishing succeeds.
func (p *Publisher) Publish(ctx context.Context, f *transfer.File, owner Owner) (*Published, error) {
	name := ObjectName(f.Name, owner)
	if err := p.storage.Put(ctx, name, f.Path, f.Size); err != nil {
		if errors.Is(err, ErrInvalidName) {
			return nil, transfer.Wrap(transfer.PermanentSourceError, "unusable file name", err)
		}
		return nil, transfer.Wrap(transfer.InfrastructureError, "publish", err)
	}
	logging.Publish.Printf("published job=%s account=%s name=%s bytes=%d", owner.JobID, owner.AccountID, name, f.Size)
	return &Published{
		Name:      name,
		URL:       p.storage.URL(name),
		Size:      f.Size,
		CreatedAt: p.now(),
	}, nil
}

// Delete removes a published object. A missing object is not an error.
func (p *Publisher) Delete(ctx context.Context, name string) error {
	err := p.storage.Delete(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Sweep deletes objects created before cutoff and returns how many went.
func (p *Publisher) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	objects, err := p.storage.List(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, obj := range objects {
		if !obj.CreatedAt.Before(cutoff) {
			continue
		}
		if err := p.Delete(ctx, obj.Name); err != nil {
			logging.Publish.Printf("failed to delete expired %s: %v", obj.Name, err)
			continue
		}
		deleted++
	}

	if ps, ok := p.storage.(partialSweeper); ok {
		if n, err := ps.RemovePartials(cutoff); err != nil {
			logging.Publish.Printf("failed to remove partial copies: %v", err)
		} else if n > 0 {
			logging.Publish.Printf("removed %d partial copies", n)
		}
	}
	return deleted, nil
}

// partialSweeper is implemented by backends that stage copies next to the
// published objects.
type partialSweeper interface {
	RemovePartials(before time.Time) (int, error)
}

// ObjectName builds the public name for a job's file:
// <safe stem>_<account>_<submitted>_<job><ext>.
func ObjectName(original string, owner Owner) string {
	base := filepath.Base(original)
	rawExt := filepath.Ext(base)
	ext := keepSafe(rawExt)
	if len(ext) < 2 || len(ext) > maxExtLen {
		ext = ""
	}
	stem := strings.Trim(keepSafe(strings.TrimSuffix(base, rawExt)), "._-")
	if len(stem) > maxStemLen {
		stem = stem[:maxStemLen]
	}
	if stem == "" {
		stem = "file"
	}

	job := keepSafe(owner.JobID)
	if len(job) > 8 {
		job = job[:8]
	}
	return stem + "_" + keepSafe(owner.AccountID) + "_" + owner.Submitted.UTC().Format("20060102T150405") + "_" + job + ext
}

// SafeName keeps only ASCII letters, digits, '.', '_' and '-', and strips
// leading dots so the result can never be hidden or climb out of a directory.
func SafeName(name string) string {
	return strings.TrimLeft(keepSafe(filepath.Base(name)), ".")
}

func keepSafe(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	return b.String()
}
