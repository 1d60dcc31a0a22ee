package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	r := NewResolver(ResolverOptions{
		ExtractorHosts: []string{"youtube.com", "youtu.be", " Vimeo.com "},
		Attachments:    true,
		Privileged:     true,
	})

	tests := []struct {
		name string
		desc Descriptor
		want Strategy
	}{
		{
			name: "plain url",
			desc: Descriptor{Kind: SourceURL, URL: "https://example.com/a.zip"},
			want: GenericStrategy{URL: "https://example.com/a.zip"},
		},
		{
			name: "extractor host",
			desc: Descriptor{Kind: SourceURL, URL: "https://youtu.be/abc"},
			want: ExtractorStrategy{URL: "https://youtu.be/abc"},
		},
		{
			name: "extractor subdomain",
			desc: Descriptor{Kind: SourceURL, URL: "https://www.youtube.com/watch?v=abc"},
			want: ExtractorStrategy{URL: "https://www.youtube.com/watch?v=abc"},
		},
		{
			name: "host list is case insensitive",
			desc: Descriptor{Kind: SourceURL, URL: "https://VIMEO.com/1"},
			want: ExtractorStrategy{URL: "https://VIMEO.com/1"},
		},
		{
			name: "lookalike host is generic",
			desc: Descriptor{Kind: SourceURL, URL: "https://notyoutube.com/x"},
			want: GenericStrategy{URL: "https://notyoutube.com/x"},
		},
		{
			name: "owned attachment",
			desc: Descriptor{Kind: SourceAttachment, FileID: "F1", FileName: "a.pdf", FileSize: 10},
			want: AttachmentStrategy{FileID: "F1", FileName: "a.pdf", FileSize: 10},
		},
		{
			name: "forwarded attachment",
			desc: Descriptor{Kind: SourceAttachment, Forwarded: true, ChatID: -100, MessageID: 5, FileName: "b.mp4"},
			want: PrivilegedStrategy{ChatID: -100, MessageID: 5, FileName: "b.mp4"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Resolve(tc.desc)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveRejects(t *testing.T) {
	r := NewResolver(ResolverOptions{Attachments: true})

	tests := []struct {
		name string
		desc Descriptor
	}{
		{"empty url", Descriptor{Kind: SourceURL}},
		{"ftp scheme", Descriptor{Kind: SourceURL, URL: "ftp://example.com/file"}},
		{"no host", Descriptor{Kind: SourceURL, URL: "http:///path"}},
		{"bad escape", Descriptor{Kind: SourceURL, URL: "http://example.com/%zz"}},
		{"unknown kind", Descriptor{Kind: "carrier-pigeon"}},
		{"attachment without id", Descriptor{Kind: SourceAttachment}},
		{"forwarded without coordinates", Descriptor{Kind: SourceAttachment, Forwarded: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Resolve(tc.desc)
			require.Error(t, err)
			assert.Equal(t, PermanentSourceError, KindOf(err))
		})
	}
}

func TestResolvePrivilegedWithoutCredentialFailsFast(t *testing.T) {
	r := NewResolver(ResolverOptions{Attachments: true})

	_, err := r.Resolve(Descriptor{Kind: SourceAttachment, Forwarded: true, ChatID: 1, MessageID: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPrivilegedCredential)
	assert.False(t, AsError(err).Retryable())
}

func TestResolveAttachmentWithoutBot(t *testing.T) {
	r := NewResolver(ResolverOptions{})

	_, err := r.Resolve(Descriptor{Kind: SourceAttachment, FileID: "x"})
	assert.ErrorIs(t, err, ErrNoAttachmentCredential)
}
