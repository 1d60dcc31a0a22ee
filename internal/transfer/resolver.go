package transfer

import (
	"errors"
	"net/url"
	"strings"
)

// ErrNoPrivilegedCredential is returned when forwarded content is submitted
// but no user-session credential is configured.
var ErrNoPrivilegedCredential = errors.New("privileged credential not configured")

// ErrNoAttachmentCredential is returned when an attachment is submitted but no
// bot credential is configured.
var ErrNoAttachmentCredential = errors.New("bot credential not configured")

type ResolverOptions struct {
	ExtractorHosts []string
	Attachments    bool
	Privileged     bool
}

// Resolver picks a Strategy for a descriptor by pattern matching only.
type Resolver struct {
	hosts       []string
	attachments bool
	privileged  bool
}

func NewResolver(opts ResolverOptions) *Resolver {
	hosts := make([]string, 0, len(opts.ExtractorHosts))
	for _, h := range opts.ExtractorHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &Resolver{
		hosts:       hosts,
		attachments: opts.Attachments,
		privileged:  opts.Privileged,
	}
}

// Resolve returns the strategy for d. It performs no I/O.
func (r *Resolver) Resolve(d Descriptor) (Strategy, error) {
	if err := d.Validate(); err != nil {
		return nil, newError(PermanentSourceError, "invalid descriptor", err)
	}

	if d.Kind == SourceAttachment {
		if d.Forwarded {
			if !r.privileged {
				return nil, newError(PermanentSourceError, "forwarded content", ErrNoPrivilegedCredential)
			}
			return PrivilegedStrategy{ChatID: d.ChatID, MessageID: d.MessageID, FileName: d.FileName}, nil
		}
		if !r.attachments {
			return nil, newError(PermanentSourceError, "attachment", ErrNoAttachmentCredential)
		}
		return AttachmentStrategy{FileID: d.FileID, FileName: d.FileName, FileSize: d.FileSize}, nil
	}

	u, err := url.Parse(strings.TrimSpace(d.URL))
	if err != nil {
		return nil, newError(PermanentSourceError, "malformed url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, Errorf(PermanentSourceError, "unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, Errorf(PermanentSourceError, "url has no host")
	}
	if r.isExtractorHost(u.Hostname()) {
		return ExtractorStrategy{URL: u.String()}, nil
	}
	return GenericStrategy{URL: u.String()}, nil
}

func (r *Resolver) isExtractorHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range r.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
