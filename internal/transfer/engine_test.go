package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kb = 1 << 10

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	opts.TempDir = t.TempDir()
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 4 * kb
	}
	return NewEngine(opts)
}

func assertNoResidue(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp dir should be empty")
}

func TestFetchGenericWithContentLength(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 50*kb)
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	e := newTestEngine(t, Options{})
	f, err := e.Fetch(context.Background(), GenericStrategy{URL: srv.URL + "/dir/report.pdf"}, 100*kb)
	require.NoError(t, err)
	defer f.Remove()

	assert.Equal(t, int64(50*kb), f.Size)
	assert.Equal(t, "report.pdf", f.Name)
	assert.Equal(t, DefaultUserAgent, ua.Load())

	got, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, e.TempDir(), filepath.Dir(f.Path))
}

func TestFetchUsesContentDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="../../etc/passwd"`)
		w.Write([]byte("hi"))
	}))
	defer srv.Close()

	e := newTestEngine(t, Options{})
	f, err := e.Fetch(context.Background(), GenericStrategy{URL: srv.URL + "/download"}, kb)
	require.NoError(t, err)
	defer f.Remove()
	assert.Equal(t, "passwd", f.Name)
}

func TestFetchDeclaredSizeOverCapWritesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(200*kb))
		w.Write(make([]byte, 200*kb))
	}))
	defer srv.Close()

	e := newTestEngine(t, Options{})
	_, err := e.Fetch(context.Background(), GenericStrategy{URL: srv.URL}, 100*kb)
	require.Error(t, err)
	assert.Equal(t, SizeExceeded, KindOf(err))
	assert.Equal(t, int64(100*kb), AsError(err).Limit)
	assertNoResidue(t, e.TempDir())
}

func TestFetchUndeclaredStreamAbortsAtCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Content-Length: chunked, size only known by reading.
		chunk := make([]byte, 10*kb)
		for i := 0; i < 15; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	e := newTestEngine(t, Options{})
	_, err := e.Fetch(context.Background(), GenericStrategy{URL: srv.URL}, 100*kb)
	require.Error(t, err)
	assert.Equal(t, SizeExceeded, KindOf(err))
	assertNoResidue(t, e.TempDir())
}

func TestFetchExactlyAtCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 8*kb))
	}))
	defer srv.Close()

	e := newTestEngine(t, Options{})
	f, err := e.Fetch(context.Background(), GenericStrategy{URL: srv.URL}, 8*kb)
	require.NoError(t, err)
	defer f.Remove()
	assert.Equal(t, int64(8*kb), f.Size)
}

func TestFetchStatusErrors(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{http.StatusNotFound, SourceUnavailable},
		{http.StatusForbidden, PermanentSourceError},
		{http.StatusServiceUnavailable, TransientNetwork},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
			}))
			defer srv.Close()

			e := newTestEngine(t, Options{})
			_, err := e.Fetch(context.Background(), GenericStrategy{URL: srv.URL}, kb)
			assert.Equal(t, tc.want, KindOf(err))
			assertNoResidue(t, e.TempDir())
		})
	}
}

func TestFetchConnectionDroppedMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(64*kb))
		w.Write(make([]byte, 8*kb))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	e := newTestEngine(t, Options{})
	_, err := e.Fetch(context.Background(), GenericStrategy{URL: srv.URL}, 100*kb)
	require.Error(t, err)
	assert.Equal(t, TransientNetwork, KindOf(err))
	assertNoResidue(t, e.TempDir())
}

func TestFetchUnreachableHostIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	e := newTestEngine(t, Options{})
	_, err := e.Fetch(context.Background(), GenericStrategy{URL: addr}, kb)
	assert.Equal(t, TransientNetwork, KindOf(err))
}

func TestFetchZeroCap(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, err := e.Fetch(context.Background(), GenericStrategy{URL: "http://example.invalid"}, 0)
	assert.Equal(t, SizeExceeded, KindOf(err))
}

type fakeSource struct {
	declared int64
	body     []byte
	name     string
	err      error
	closed   atomic.Bool
	gotRef   ContentRef
}

func (s *fakeSource) Open(ctx context.Context, ref ContentRef) (*Stream, error) {
	s.gotRef = ref
	if s.err != nil {
		return nil, s.err
	}
	return &Stream{
		Body: closeFunc{Reader: bytes.NewReader(s.body), close: func() { s.closed.Store(true) }},
		Size: s.declared,
		Name: s.name,
	}, nil
}

type closeFunc struct {
	io.Reader
	close func()
}

func (c closeFunc) Close() error {
	c.close()
	return nil
}

func TestFetchMisreportedSizeAbortsAtCap(t *testing.T) {
	// Declares 10 KiB but streams 150 KiB against a 100 KiB cap.
	src := &fakeSource{declared: 10 * kb, body: make([]byte, 150*kb)}
	e := newTestEngine(t, Options{Privileged: src})

	_, err := e.Fetch(context.Background(), PrivilegedStrategy{ChatID: 1, MessageID: 2}, 100*kb)
	require.Error(t, err)
	assert.Equal(t, SizeExceeded, KindOf(err))
	assert.True(t, src.closed.Load(), "source must be released")
	assert.Equal(t, ContentRef{ChatID: 1, MessageID: 2}, src.gotRef)
	assertNoResidue(t, e.TempDir())
}

func TestFetchAttachment(t *testing.T) {
	src := &fakeSource{declared: 3, body: []byte("abc")}
	e := newTestEngine(t, Options{Attachments: src})

	f, err := e.Fetch(context.Background(), AttachmentStrategy{FileID: "F", FileName: "notes.txt", FileSize: 3}, kb)
	require.NoError(t, err)
	defer f.Remove()
	assert.Equal(t, "notes.txt", f.Name)
	assert.Equal(t, int64(3), f.Size)
	assert.Equal(t, "F", src.gotRef.FileID)
	assert.True(t, src.closed.Load())
}

func TestFetchAttachmentDeclaredTooLarge(t *testing.T) {
	src := &fakeSource{}
	e := newTestEngine(t, Options{Attachments: src})

	_, err := e.Fetch(context.Background(), AttachmentStrategy{FileID: "F", FileSize: 2 * kb}, kb)
	assert.Equal(t, SizeExceeded, KindOf(err))
	assert.Empty(t, src.gotRef.FileID, "source should not be opened")
}

func TestFetchShortStream(t *testing.T) {
	src := &fakeSource{declared: 100, body: []byte("only a bit")}
	e := newTestEngine(t, Options{Privileged: src})

	_, err := e.Fetch(context.Background(), PrivilegedStrategy{ChatID: 1, MessageID: 1}, kb)
	assert.Equal(t, TransientNetwork, KindOf(err))
	assertNoResidue(t, e.TempDir())
}

func TestFetchSourceOpenError(t *testing.T) {
	src := &fakeSource{err: Errorf(SourceUnavailable, "message has no media")}
	e := newTestEngine(t, Options{Privileged: src})

	_, err := e.Fetch(context.Background(), PrivilegedStrategy{ChatID: 1, MessageID: 1}, kb)
	assert.Equal(t, SourceUnavailable, KindOf(err))
}

func TestFetchWithoutPrivilegedSource(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, err := e.Fetch(context.Background(), PrivilegedStrategy{ChatID: 1, MessageID: 1}, kb)
	assert.ErrorIs(t, err, ErrNoPrivilegedCredential)
}

type fakeExtractor struct {
	size int
	err  error
	dir  string
}

func (x *fakeExtractor) Extract(ctx context.Context, pageURL, workDir string, byteCap int64) (string, error) {
	x.dir = workDir
	if x.err != nil {
		os.WriteFile(filepath.Join(workDir, "video.f137.mp4.part"), []byte("partial"), 0644)
		return "", x.err
	}
	os.WriteFile(filepath.Join(workDir, "audio.m4a"), []byte("aud"), 0644)
	out := filepath.Join(workDir, "My_Video.mp4")
	return out, os.WriteFile(out, make([]byte, x.size), 0644)
}

func TestFetchExtractor(t *testing.T) {
	x := &fakeExtractor{size: 5 * kb}
	e := newTestEngine(t, Options{Extractor: x})

	f, err := e.Fetch(context.Background(), ExtractorStrategy{URL: "https://youtu.be/x"}, 10*kb)
	require.NoError(t, err)
	defer f.Remove()

	assert.Equal(t, int64(5*kb), f.Size)
	assert.Equal(t, "My_Video.mp4", f.Name)
	assert.NoDirExists(t, x.dir, "work dir is removed")

	entries, err := os.ReadDir(e.TempDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFetchExtractorMergedOutputOverCap(t *testing.T) {
	x := &fakeExtractor{size: 11 * kb}
	e := newTestEngine(t, Options{Extractor: x})

	_, err := e.Fetch(context.Background(), ExtractorStrategy{URL: "https://youtu.be/x"}, 10*kb)
	assert.Equal(t, SizeExceeded, KindOf(err))
	assertNoResidue(t, e.TempDir())
}

func TestFetchExtractorFailureCleansWorkDir(t *testing.T) {
	x := &fakeExtractor{err: Errorf(TransientNetwork, "yt-dlp exited 1")}
	e := newTestEngine(t, Options{Extractor: x})

	_, err := e.Fetch(context.Background(), ExtractorStrategy{URL: "https://youtu.be/x"}, 10*kb)
	assert.Equal(t, TransientNetwork, KindOf(err))
	assertNoResidue(t, e.TempDir())
}

func TestFetchCancelledContext(t *testing.T) {
	src := &fakeSource{declared: -1, body: make([]byte, 64*kb)}
	e := newTestEngine(t, Options{Privileged: src})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Fetch(ctx, PrivilegedStrategy{ChatID: 1, MessageID: 1}, 100*kb)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assertNoResidue(t, e.TempDir())
}

func TestReadChunk(t *testing.T) {
	buf := make([]byte, 4)
	r := strings.NewReader("abcdef")

	n, err := readChunk(r, buf)
	assert.Equal(t, 4, n)
	assert.NoError(t, err)

	n, err = readChunk(r, buf)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.EOF)
}
