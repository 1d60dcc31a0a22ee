package publish

import (
	"context"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cnaesz/Morphile/internal/logging"
)

// objectClient is the part of *minio.Client the S3 backend uses.
type objectClient interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// S3Storage implements Storage on an S3-compatible bucket (Backblaze B2,
// MinIO, AWS) with public read access.
type S3Storage struct {
	client    objectClient
	bucket    string
	prefix    string
	publicURL string // e.g. "https://f005.backblazeb2.com/file/mybucket"
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Endpoint  string // S3_ENDPOINT, host[:port] without scheme
	KeyID     string // S3_KEY_ID
	Secret    string // S3_SECRET
	Bucket    string // S3_BUCKET
	Prefix    string // S3_PREFIX - optional folder prefix for all objects
	PublicURL string // S3_PUBLIC_URL - base URL objects are readable under
	Insecure  bool   // S3_INSECURE - plain HTTP, for local MinIO
}

// NewS3Storage creates a new bucket-backed public store.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	logging.Publish.Printf("initializing s3 storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, cfg.Endpoint)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.Secret, ""),
		Secure: !cfg.Insecure,
	})
	if err != nil {
		logging.Publish.Printf("failed to create client: %v", err)
		return nil, err
	}

	return newS3Storage(client, cfg), nil
}

func newS3Storage(client objectClient, cfg S3Config) *S3Storage {
	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "https"
		if cfg.Insecure {
			scheme = "http"
		}
		publicURL = scheme + "://" + cfg.Endpoint + "/" + cfg.Bucket
	}
	return &S3Storage{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

func (s *S3Storage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Put uploads srcPath and removes it once the upload is stored.
func (s *S3Storage) Put(ctx context.Context, name, srcPath string, size int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	key := s.key(name)
	logging.Publish.Printf("uploading %s to bucket %s", key, s.bucket)

	lastPct := int64(-1)
	reader := &progressReader{
		reader: f,
		total:  size,
		onProgress: func(written, total int64) {
			if total <= 0 {
				return
			}
			if pct := written * 100 / total; pct/25 != lastPct/25 {
				lastPct = pct
				logging.Publish.Printf("upload %s: %d%%", key, pct)
			}
		},
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		logging.Publish.Printf("upload failed for %s: %v", key, err)
		return err
	}
	logging.Publish.Printf("uploaded %s successfully (%d bytes)", key, info.Size)

	f.Close()
	if err := os.Remove(srcPath); err != nil {
		logging.Publish.Printf("failed to remove uploaded source %s: %v", srcPath, err)
	}
	return nil
}

// progressReader wraps an io.Reader and reports progress as data is read.
type progressReader struct {
	reader     io.Reader
	total      int64
	read       int64
	onProgress ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		if pr.onProgress != nil {
			pr.onProgress(pr.read, pr.total)
		}
	}
	return n, err
}

func (s *S3Storage) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	key := s.key(name)
	logging.Publish.Printf("deleting %s from bucket %s", key, s.bucket)

	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		logging.Publish.Printf("failed to delete %s: %v", key, err)
		return err
	}
	return nil
}

func (s *S3Storage) List(ctx context.Context) ([]Object, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := minio.ListObjectsOptions{Recursive: true}
	if s.prefix != "" {
		opts.Prefix = s.prefix + "/"
	}

	var objects []Object
	for info := range s.client.ListObjects(ctx, s.bucket, opts) {
		if info.Err != nil {
			return nil, info.Err
		}
		name := strings.TrimPrefix(info.Key, opts.Prefix)
		if validateName(name) != nil {
			continue
		}
		objects = append(objects, Object{Name: name, Size: info.Size, CreatedAt: info.LastModified})
	}
	return objects, nil
}

// URL returns the public URL for an object.
func (s *S3Storage) URL(name string) string {
	return s.publicURL + "/" + s.key(name)
}
