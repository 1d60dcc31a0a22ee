package transfer

import (
	"errors"
	"fmt"
)

// SourceKind says where a job's content lives.
type SourceKind string

const (
	SourceURL        SourceKind = "url"
	SourceAttachment SourceKind = "attachment"
)

// Descriptor is the immutable description of where to fetch a job's content.
// It travels inside the queued job.
type Descriptor struct {
	Kind SourceKind `json:"kind"`

	URL string `json:"url,omitempty"`

	// Attachment fields. FileID addresses the file through the bot
	// credential; ChatID and MessageID address the original message for a
	// privileged re-fetch.
	FileID    string `json:"file_id,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	FileSize  int64  `json:"file_size,omitempty"`
	ChatID    int64  `json:"chat_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`

	// Forwarded marks content the bot credential cannot retrieve.
	Forwarded bool `json:"forwarded,omitempty"`
}

var errEmptyDescriptor = errors.New("descriptor has no source")

// Validate checks that the descriptor carries what its kind needs.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case SourceURL:
		if d.URL == "" {
			return errEmptyDescriptor
		}
	case SourceAttachment:
		if d.Forwarded {
			if d.ChatID == 0 || d.MessageID == 0 {
				return errors.New("forwarded attachment needs chat and message ids")
			}
		} else if d.FileID == "" {
			return errors.New("attachment needs a file id")
		}
	default:
		return fmt.Errorf("unknown source kind %q", d.Kind)
	}
	return nil
}

// EstimatedSize is the size declared by the caller, or 0 when unknown.
func (d Descriptor) EstimatedSize() int64 {
	if d.FileSize > 0 {
		return d.FileSize
	}
	return 0
}

// String is a short form for logs and status records.
func (d Descriptor) String() string {
	switch {
	case d.Kind == SourceURL:
		return d.URL
	case d.Forwarded:
		return fmt.Sprintf("message %d/%d", d.ChatID, d.MessageID)
	default:
		return "file " + d.FileID
	}
}
