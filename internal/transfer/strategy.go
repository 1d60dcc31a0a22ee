package transfer

import "context"

// Strategy is a resolved fetch plan. The set of strategies is closed: the
// resolver picks one once per job and the engine runs it.
type Strategy interface {
	// Name is a stable label for logs and metrics.
	Name() string
	fetch(ctx context.Context, e *Engine, byteCap int64) (*File, error)
}

// GenericStrategy is a plain streaming HTTP GET.
type GenericStrategy struct {
	URL string
}

func (GenericStrategy) Name() string { return "generic" }

// ExtractorStrategy hands a media page to the extractor, which may download
// and merge several streams.
type ExtractorStrategy struct {
	URL string
}

func (ExtractorStrategy) Name() string { return "extractor" }

// AttachmentStrategy fetches a file the caller owns through the bot credential.
type AttachmentStrategy struct {
	FileID   string
	FileName string
	FileSize int64
}

func (AttachmentStrategy) Name() string { return "attachment" }

// PrivilegedStrategy re-fetches forwarded content through the user-session
// credential, addressed by message coordinates.
type PrivilegedStrategy struct {
	ChatID    int64
	MessageID int64
	FileName  string
}

func (PrivilegedStrategy) Name() string { return "privileged" }
