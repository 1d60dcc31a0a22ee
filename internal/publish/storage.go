package publish

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrInvalidName = errors.New("invalid object name")
)

// Object is a published file as listed by a storage backend.
type Object struct {
	Name      string
	Size      int64
	CreatedAt time.Time
}

// ProgressFunc is called during upload with bytes written and total size.
// If total is -1, the total size is unknown.
type ProgressFunc func(written, total int64)

// Storage is the public store. Put relocates a local file into the store:
// the source path no longer exists once Put succeeds.
type Storage interface {
	Put(ctx context.Context, name, srcPath string, size int64) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Object, error)
	URL(name string) string
}
