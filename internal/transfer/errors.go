package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/dustin/go-humanize"
)

// Kind classifies why a transfer failed.
type Kind int

const (
	KindUnknown Kind = iota
	SizeExceeded
	SourceUnavailable
	PermanentSourceError
	TransientNetwork
	CapacityExceeded
	InfrastructureError
	TimeLimitExceeded
)

func (k Kind) String() string {
	switch k {
	case SizeExceeded:
		return "size_exceeded"
	case SourceUnavailable:
		return "source_unavailable"
	case PermanentSourceError:
		return "permanent_source_error"
	case TransientNetwork:
		return "transient_network"
	case CapacityExceeded:
		return "capacity_exceeded"
	case InfrastructureError:
		return "infrastructure_error"
	case TimeLimitExceeded:
		return "time_limit_exceeded"
	default:
		return "unknown"
	}
}

// Retryable reports whether the queue should re-deliver a job failing with k.
func (k Kind) Retryable() bool {
	return k == TransientNetwork || k == InfrastructureError
}

// Error is a typed transfer failure. Msg is safe to log; UserMessage is safe
// to show to the account owner.
type Error struct {
	Kind  Kind
	Msg   string
	Limit int64 // byte limit involved, for SizeExceeded and CapacityExceeded
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth another attempt.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// UserMessage is a short description that never includes internal detail.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case SizeExceeded:
		if e.Limit > 0 {
			return fmt.Sprintf("The file is larger than the %s you can transfer.", humanize.IBytes(uint64(e.Limit)))
		}
		return "The file is too large."
	case CapacityExceeded:
		return "This file would exceed your daily transfer limit."
	case SourceUnavailable:
		return "The source could not be found or is no longer available."
	case PermanentSourceError:
		return "The source cannot be downloaded."
	case TransientNetwork:
		return "The source could not be reached. Please try again later."
	case TimeLimitExceeded:
		return "The transfer took too long and was stopped."
	default:
		return "Something went wrong on our side. Please try again later."
	}
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Errorf builds a typed error without an underlying cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err.
func Wrap(kind Kind, msg string, err error) *Error {
	return newError(kind, msg, err)
}

func sizeExceeded(limit int64, msg string) *Error {
	return &Error{Kind: SizeExceeded, Msg: msg, Limit: limit}
}

// KindOf returns the kind carried by err. Untyped errors count as
// infrastructure failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return InfrastructureError
}

// AsError returns err as a typed error, wrapping untyped errors as
// infrastructure failures.
func AsError(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return newError(InfrastructureError, "internal failure", err)
}

// ClassifyStatus maps a non-2xx HTTP status from a source to a typed error.
// It returns nil for success codes.
func ClassifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return Errorf(SourceUnavailable, "source returned %d", code)
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return Errorf(TransientNetwork, "source returned %d", code)
	default:
		return Errorf(PermanentSourceError, "source returned %d", code)
	}
}

// ClassifyTransport maps an error from dialing or reading a source to a
// typed error. Typed errors pass through unchanged.
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return newError(PermanentSourceError, "host not found", err)
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(TransientNetwork, "transfer interrupted", err)
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return newError(TransientNetwork, "connection failed", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(TransientNetwork, "timeout", err)
	}
	// Other wire failures are retried up to the attempt ceiling.
	return newError(TransientNetwork, "network error", err)
}
