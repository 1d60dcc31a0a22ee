package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/cnaesz/Morphile/internal/logging"
)

const DefaultYtdlpFormat = "best/bestvideo+bestaudio"

var errExtractCap = errors.New("extracted streams exceeded cap")

// YtdlpExtractor runs yt-dlp for pages on known media hosts. Separate audio
// and video streams are merged into one mp4.
type YtdlpExtractor struct {
	Format string
	// MaxFileSize is passed to yt-dlp so it skips formats it already knows
	// are too large.
	MaxFileSize int64
}

func (x *YtdlpExtractor) Extract(ctx context.Context, pageURL, workDir string, byteCap int64) (string, error) {
	limit := x.limit(byteCap)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	meter := newStreamMeter(limit)
	dl := x.command(workDir, limit)
	dl.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
		if meter.observe(update.Filename, int64(update.DownloadedBytes)) {
			cancel(errExtractCap)
		}
	})

	result, err := dl.Run(ctx, pageURL)
	if errors.Is(context.Cause(ctx), errExtractCap) {
		return "", sizeExceeded(byteCap, "extracted streams over cap")
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ClassifyTransport(ctxErr)
		}
		return "", classifyExtractor(err)
	}

	if result != nil {
		if infos, err := result.GetExtractedInfo(); err == nil {
			for _, info := range infos {
				if info.Filename != nil && fileExists(*info.Filename) {
					return *info.Filename, nil
				}
			}
		}
	}
	out, err := largestFile(workDir)
	if err != nil {
		return "", err
	}
	logging.Transfer.Printf("extracted %s into %s", pageURL, filepath.Base(out))
	return out, nil
}

// limit is the smaller of the job's remaining cap and MaxFileSize.
func (x *YtdlpExtractor) limit(byteCap int64) int64 {
	if x.MaxFileSize > 0 && x.MaxFileSize < byteCap {
		return x.MaxFileSize
	}
	return byteCap
}

func (x *YtdlpExtractor) command(workDir string, limit int64) *ytdlp.Command {
	format := x.Format
	if format == "" {
		format = DefaultYtdlpFormat
	}
	return ytdlp.New().
		Format(format).
		NoPlaylist().
		MergeOutputFormat("mp4").
		MaxFileSize(strconv.FormatInt(limit, 10)).
		ForceOverwrites().
		RestrictFilenames().
		Output(filepath.Join(workDir, "%(title)s.%(ext)s"))
}

var permanentExtractorErrors = []string{
	"unsupported url",
	"is not a valid url",
	"video unavailable",
	"private video",
	"http error 404",
	"no video formats",
}

// classifyExtractor sorts yt-dlp failures. Pages that do not exist or have no
// downloadable media are permanent; the rest are retried.
func classifyExtractor(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "larger than max-filesize") {
		return newError(SizeExceeded, "extractor refused oversized format", err)
	}
	for _, s := range permanentExtractorErrors {
		if strings.Contains(msg, s) {
			return newError(PermanentSourceError, "extractor cannot resolve source", err)
		}
	}
	return newError(TransientNetwork, "extractor failed", err)
}

// streamMeter sums the peak size of every stream yt-dlp has downloaded so the
// cap applies to the merged job, not to each stream.
type streamMeter struct {
	mu    sync.Mutex
	limit int64
	peaks map[string]int64
}

func newStreamMeter(limit int64) *streamMeter {
	return &streamMeter{limit: limit, peaks: make(map[string]int64)}
}

// observe records progress for a stream and reports whether the total is over the limit.
func (m *streamMeter) observe(stream string, downloaded int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if downloaded > m.peaks[stream] {
		m.peaks[stream] = downloaded
	}
	var total int64
	for _, n := range m.peaks {
		total += n
	}
	return total > m.limit
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// largestFile returns the biggest finished file in dir. After a merge that is
// the merged output.
func largestFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", newError(InfrastructureError, "read work dir", err)
	}
	var best string
	var bestSize int64 = -1
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasSuffix(entry.Name(), ".part") || strings.HasSuffix(entry.Name(), ".ytdl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = filepath.Join(dir, entry.Name()), info.Size()
		}
	}
	if best == "" {
		return "", Errorf(PermanentSourceError, "extractor produced no file")
	}
	return best, nil
}
