package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/cnaesz/Morphile/internal/logging"
)

// validNamePattern matches the public name charset (no path separators possible).
var validNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

const partialSuffix = ".incoming"

// FSStorage implements Storage on a directory served over HTTP.
type FSStorage struct {
	basePath string
	baseURL  string
	rename   func(oldpath, newpath string) error
}

// NewFSStorage creates the public directory if needed. baseURL is the address
// the directory is served under.
func NewFSStorage(basePath, baseURL string) (*FSStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &FSStorage{
		basePath: basePath,
		baseURL:  strings.TrimRight(baseURL, "/"),
		rename:   os.Rename,
	}, nil
}

// Dir returns the public directory.
func (s *FSStorage) Dir() string {
	return s.basePath
}

func validateName(name string) error {
	if name == "" || len(name) > 255 || strings.HasPrefix(name, ".") || !validNamePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

func (s *FSStorage) path(name string) string {
	return filepath.Join(s.basePath, name)
}

// Put moves srcPath into the public directory. When the two directories are on
// different filesystems the file is copied and the source removed.
func (s *FSStorage) Put(ctx context.Context, name, srcPath string, size int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	dst := s.path(name)

	err := s.rename(srcPath, dst)
	if errors.Is(err, syscall.EXDEV) {
		logging.Publish.Printf("%s is on another device, copying", srcPath)
		err = s.copyAcross(ctx, srcPath, dst)
	}
	if err != nil {
		return err
	}

	// The modification time is the publish time the janitor expires by.
	now := time.Now()
	if err := os.Chtimes(dst, now, now); err != nil {
		logging.Publish.Printf("failed to stamp %s: %v", name, err)
	}
	return nil
}

// copyAcross copies into a partial file next to dst, renames it into place and
// only then removes the source.
func (s *FSStorage) copyAcross(ctx context.Context, srcPath, dst string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := dst + partialSuffix
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: src}); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(srcPath)
}

func (s *FSStorage) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *FSStorage) List(ctx context.Context) ([]Object, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	objects := make([]Object, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || validateName(entry.Name()) != nil || strings.HasSuffix(entry.Name(), partialSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		objects = append(objects, Object{Name: entry.Name(), Size: info.Size(), CreatedAt: info.ModTime()})
	}
	return objects, nil
}

// RemovePartials deletes copies left in the public directory by a publish
// that crashed before its final rename.
func (s *FSStorage) RemovePartials(before time.Time) (int, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), partialSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(before) {
			continue
		}
		if err := os.Remove(s.path(entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *FSStorage) URL(name string) string {
	return s.baseURL + "/" + name
}

// ctxReader stops a long copy when the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
