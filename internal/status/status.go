// Package status carries job progress from workers to whoever is watching:
// the job record in the database and the chat message the request came from.
package status

import (
	"context"
	"errors"

	"github.com/cnaesz/Morphile/internal/store"
)

// State is the user-visible state of a job.
type State string

const (
	Queued     State = "queued"
	Processing State = "processing"
	Succeeded  State = "succeeded"
	Failed     State = "failed"
)

// Terminal reports whether no further updates follow s.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

// Ref is the status-record handle a job carries. ChatID and MessageID are
// zero when the job was not submitted from a chat.
type Ref struct {
	JobID     string `json:"job_id"`
	ChatID    int64  `json:"chat_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
}

// HasMessage reports whether the ref points at a chat message to edit.
func (r Ref) HasMessage() bool {
	return r.ChatID != 0 && r.MessageID != 0
}

// Update is one status change. URL is set on success, Reason on failure.
type Update struct {
	State   State
	URL     string
	Reason  string
	Attempt int
}

// Reporter delivers status updates. Delivery is at-least-once; a repeated
// update carries the same content.
type Reporter interface {
	Report(ctx context.Context, ref Ref, u Update) error
}

// Text renders an update for a chat message.
func Text(u Update) string {
	switch u.State {
	case Queued:
		return "📥 Your file is queued."
	case Processing:
		if u.Attempt > 1 {
			return "⏳ File processing started (retrying)..."
		}
		return "⏳ File processing started..."
	case Succeeded:
		return "✅ File processed successfully!\n\nYour direct link is:\n" + u.URL
	case Failed:
		return "❌ " + u.Reason
	default:
		return string(u.State)
	}
}

// Recorder persists updates to the job record.
type Recorder struct {
	jobs store.JobStore
}

func NewRecorder(jobs store.JobStore) *Recorder {
	return &Recorder{jobs: jobs}
}

func (r *Recorder) Report(ctx context.Context, ref Ref, u Update) error {
	return r.jobs.UpdateJobStatus(ctx, ref.JobID, string(u.State), u.Reason, u.URL, u.Attempt)
}

// Multi fans an update out to several reporters. Every reporter is tried.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, ref Ref, u Update) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, ref, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
