package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cnaesz/Morphile/internal/logging"
	"github.com/cnaesz/Morphile/internal/transfer"
)

// RelayConfig is the user-session credential for the MTProto relay.
type RelayConfig struct {
	URL     string
	APIID   string
	APIHash string
	Session string
}

// RelayDialer fetches forwarded media through a user-session relay. Every
// Open logs a session in and the returned stream logs it out when closed, so
// no session outlives a single fetch.
type RelayDialer struct {
	cfg    RelayConfig
	client *http.Client
}

func NewRelayDialer(cfg RelayConfig, client *http.Client) *RelayDialer {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if client == nil {
		client = &http.Client{}
	}
	return &RelayDialer{cfg: cfg, client: client}
}

type sessionRequest struct {
	APIID   string `json:"api_id"`
	APIHash string `json:"api_hash"`
	Session string `json:"session"`
}

type sessionResponse struct {
	ID string `json:"id"`
}

// Open implements transfer.ContentSource using message coordinates.
func (r *RelayDialer) Open(ctx context.Context, ref transfer.ContentRef) (*transfer.Stream, error) {
	id, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := r.media(ctx, id, ref)
	if err != nil {
		r.disconnect(id)
		return nil, err
	}
	return stream, nil
}

func (r *RelayDialer) connect(ctx context.Context) (string, error) {
	body, err := json.Marshal(sessionRequest{APIID: r.cfg.APIID, APIHash: r.cfg.APIHash, Session: r.cfg.Session})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", transfer.Wrap(transfer.InfrastructureError, "build relay request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", transfer.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// A rejected session string will not start working on retry.
		return "", transfer.Errorf(transfer.PermanentSourceError, "relay rejected session (%d)", resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", transfer.Errorf(transfer.InfrastructureError, "relay connect returned %d", resp.StatusCode)
	}

	var s sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil || s.ID == "" {
		return "", transfer.Wrap(transfer.InfrastructureError, "relay connect: bad response", err)
	}
	logging.Telegram.Printf("relay session %s opened", s.ID)
	return s.ID, nil
}

func (r *RelayDialer) media(ctx context.Context, id string, ref transfer.ContentRef) (*transfer.Stream, error) {
	u := fmt.Sprintf("%s/sessions/%s/messages/%d/%d/media", r.cfg.URL, url.PathEscape(id), ref.ChatID, ref.MessageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, transfer.Wrap(transfer.InfrastructureError, "build relay request", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, transfer.ClassifyTransport(err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, transfer.Errorf(transfer.SourceUnavailable, "message %d/%d has no media", ref.ChatID, ref.MessageID)
	}
	if err := transfer.ClassifyStatus(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return &transfer.Stream{
		Body: &sessionBody{ReadCloser: resp.Body, release: func() { r.disconnect(id) }},
		Size: resp.ContentLength,
		Name: resp.Header.Get("X-File-Name"),
	}, nil
}

// disconnect ends a session. It runs on its own short deadline so a
// cancelled job still logs out.
func (r *RelayDialer) disconnect(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.cfg.URL+"/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		logging.Telegram.Printf("relay session %s: disconnect failed: %v", id, err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	logging.Telegram.Printf("relay session %s closed", id)
}

// sessionBody releases the relay session when the media stream is closed.
type sessionBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *sessionBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
