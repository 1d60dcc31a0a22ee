package transfer

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cnaesz/Morphile/internal/logging"
)

const (
	DefaultChunkSize = 1 << 20
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	tempPattern = "dl-*.part"
)

// File is a completed download waiting in the temporary directory.
type File struct {
	Path string
	Size int64
	Name string // original file name, if the source offered one
}

// Remove deletes the temporary file.
func (f *File) Remove() error {
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Stream is an open read from a content source. Size is -1 when unknown.
// Closing Body releases everything the source acquired for the read.
type Stream struct {
	Body io.ReadCloser
	Size int64
	Name string
}

// ContentRef addresses an attachment. Bot sources use FileID; privileged
// sources use the message coordinates.
type ContentRef struct {
	FileID    string
	ChatID    int64
	MessageID int64
}

// ContentSource opens attachment content with one credential.
type ContentSource interface {
	Open(ctx context.Context, ref ContentRef) (*Stream, error)
}

// Extractor downloads a media page into workDir and returns the path of the
// final output. It must stop once the bytes it has fetched exceed byteCap.
type Extractor interface {
	Extract(ctx context.Context, pageURL, workDir string, byteCap int64) (string, error)
}

type Options struct {
	TempDir    string
	ChunkSize  int64
	UserAgent  string
	HTTPClient *http.Client

	Extractor   Extractor
	Attachments ContentSource
	Privileged  ContentSource
}

// Engine runs fetch strategies into the temporary directory under a byte cap.
type Engine struct {
	tempDir     string
	chunkSize   int64
	userAgent   string
	client      *http.Client
	extractor   Extractor
	attachments ContentSource
	privileged  ContentSource
}

func NewEngine(opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}
	return &Engine{
		tempDir:     opts.TempDir,
		chunkSize:   opts.ChunkSize,
		userAgent:   opts.UserAgent,
		client:      opts.HTTPClient,
		extractor:   opts.Extractor,
		attachments: opts.Attachments,
		privileged:  opts.Privileged,
	}
}

// TempDir is where in-flight downloads are written.
func (e *Engine) TempDir() string {
	return e.tempDir
}

// Fetch runs s and returns a file of at most byteCap bytes, or a typed error.
// On error nothing written by the fetch is left on disk.
func (e *Engine) Fetch(ctx context.Context, s Strategy, byteCap int64) (*File, error) {
	if byteCap <= 0 {
		return nil, sizeExceeded(byteCap, "no allowance left")
	}
	if err := os.MkdirAll(e.tempDir, 0755); err != nil {
		return nil, newError(InfrastructureError, "create temp dir", err)
	}

	start := time.Now()
	f, err := s.fetch(ctx, e, byteCap)
	if err != nil {
		logging.Transfer.Printf("fetch %s failed after %s: %v", s.Name(), time.Since(start).Round(time.Millisecond), err)
		return nil, err
	}
	logging.Transfer.Printf("fetch %s done: %d bytes in %s", s.Name(), f.Size, time.Since(start).Round(time.Millisecond))
	return f, nil
}

func (s GenericStrategy) fetch(ctx context.Context, e *Engine, byteCap int64) (*File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, newError(PermanentSourceError, "build request", err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, ClassifyTransport(err)
	}
	defer resp.Body.Close()

	if err := ClassifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	return e.save(ctx, &Stream{
		Body: resp.Body,
		Size: resp.ContentLength,
		Name: responseFileName(resp),
	}, byteCap)
}

func (s AttachmentStrategy) fetch(ctx context.Context, e *Engine, byteCap int64) (*File, error) {
	if e.attachments == nil {
		return nil, newError(PermanentSourceError, "attachment", ErrNoAttachmentCredential)
	}
	if s.FileSize > byteCap {
		return nil, sizeExceeded(byteCap, "declared attachment size over cap")
	}
	return e.openAndSave(ctx, e.attachments, ContentRef{FileID: s.FileID}, s.FileName, byteCap)
}

func (s PrivilegedStrategy) fetch(ctx context.Context, e *Engine, byteCap int64) (*File, error) {
	if e.privileged == nil {
		return nil, newError(PermanentSourceError, "forwarded content", ErrNoPrivilegedCredential)
	}
	return e.openAndSave(ctx, e.privileged, ContentRef{ChatID: s.ChatID, MessageID: s.MessageID}, s.FileName, byteCap)
}

func (e *Engine) openAndSave(ctx context.Context, src ContentSource, ref ContentRef, name string, byteCap int64) (*File, error) {
	stream, err := src.Open(ctx, ref)
	if err != nil {
		return nil, ClassifyTransport(err)
	}
	defer stream.Body.Close()

	if stream.Name == "" {
		stream.Name = name
	}
	return e.save(ctx, stream, byteCap)
}

func (s ExtractorStrategy) fetch(ctx context.Context, e *Engine, byteCap int64) (*File, error) {
	if e.extractor == nil {
		return nil, Errorf(PermanentSourceError, "no extractor configured")
	}

	workDir, err := os.MkdirTemp(e.tempDir, "extract-*")
	if err != nil {
		return nil, newError(InfrastructureError, "create work dir", err)
	}
	defer os.RemoveAll(workDir)

	out, err := e.extractor.Extract(ctx, s.URL, workDir, byteCap)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(out)
	if err != nil {
		return nil, newError(InfrastructureError, "stat extractor output", err)
	}
	if info.Size() > byteCap {
		return nil, sizeExceeded(byteCap, "merged output over cap")
	}

	// Move the output out of the work dir before it is removed.
	tmp, err := os.CreateTemp(e.tempDir, tempPattern)
	if err != nil {
		return nil, newError(InfrastructureError, "create temp file", err)
	}
	tmp.Close()
	if err := os.Rename(out, tmp.Name()); err != nil {
		os.Remove(tmp.Name())
		return nil, newError(InfrastructureError, "move extractor output", err)
	}
	return &File{Path: tmp.Name(), Size: info.Size(), Name: filepath.Base(out)}, nil
}

// save streams src into a new temp file in chunks, enforcing byteCap against
// both the declared size and the bytes actually received.
func (e *Engine) save(ctx context.Context, src *Stream, byteCap int64) (*File, error) {
	if src.Size > byteCap {
		return nil, sizeExceeded(byteCap, "declared size over cap")
	}

	out, err := os.CreateTemp(e.tempDir, tempPattern)
	if err != nil {
		return nil, newError(InfrastructureError, "create temp file", err)
	}
	abort := func(err error) (*File, error) {
		out.Close()
		os.Remove(out.Name())
		return nil, err
	}

	buf := make([]byte, e.chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return abort(ClassifyTransport(err))
		}

		n, rerr := readChunk(src.Body, buf)
		if n > 0 {
			if written+int64(n) > byteCap {
				logging.Transfer.Printf("aborting at %d bytes: cap %d reached (declared %d)", written+int64(n), byteCap, src.Size)
				return abort(sizeExceeded(byteCap, "stream exceeded cap"))
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return abort(newError(InfrastructureError, "write temp file", err))
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return abort(ClassifyTransport(rerr))
		}
	}

	if src.Size >= 0 && written < src.Size {
		return abort(newError(TransientNetwork, "stream ended early", io.ErrUnexpectedEOF))
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return nil, newError(InfrastructureError, "close temp file", err)
	}
	return &File{Path: out.Name(), Size: written, Name: src.Name}, nil
}

// readChunk fills buf from r and returns early only on error. A clean end of
// stream is io.EOF, possibly with n > 0.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// responseFileName takes the name from Content-Disposition, falling back to
// the last path segment of the final URL.
func responseFileName(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return path.Base(params["filename"])
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if name, err := url.PathUnescape(path.Base(resp.Request.URL.Path)); err == nil && name != "/" && name != "." {
			return name
		}
	}
	return ""
}
