// Package telegram talks to Telegram on the pipeline's behalf: the Bot API
// for attachments the caller owns and for status messages, and a user-session
// relay for forwarded content the bot cannot see.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cnaesz/Morphile/internal/logging"
	"github.com/cnaesz/Morphile/internal/status"
	"github.com/cnaesz/Morphile/internal/transfer"
)

const DefaultAPIURL = "https://api.telegram.org"

// APIError is an unsuccessful Bot API response.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Bot is a minimal Bot API client.
type Bot struct {
	token  string
	apiURL string
	client *http.Client
}

func NewBot(token, apiURL string, client *http.Client) *Bot {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Bot{token: token, apiURL: strings.TrimRight(apiURL, "/"), client: client}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

func (b *Bot) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL+"/bot"+b.token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return redact(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return redact(err)
	}
	defer resp.Body.Close()

	var r apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("telegram %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !r.OK {
		code := r.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: r.Description}
	}
	if out != nil {
		return json.Unmarshal(r.Result, out)
	}
	return nil
}

// redact strips the request URL, which carries the bot token, from transport errors.
func redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = "<redacted>"
	}
	return err
}

// File is the Bot API file object.
type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

func (b *Bot) GetFile(ctx context.Context, fileID string) (*File, error) {
	var f File
	if err := b.call(ctx, "getFile", map[string]string{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// FileURL is the download address of a file path returned by GetFile.
func (b *Bot) FileURL(filePath string) string {
	return b.apiURL + "/file/bot" + b.token + "/" + filePath
}

// Open streams a caller-owned attachment. It implements transfer.ContentSource.
func (b *Bot) Open(ctx context.Context, ref transfer.ContentRef) (*transfer.Stream, error) {
	f, err := b.GetFile(ctx, ref.FileID)
	if err != nil {
		return nil, classifyAPI(err)
	}
	if f.FilePath == "" {
		return nil, transfer.Errorf(transfer.SourceUnavailable, "file %s has no download path", ref.FileID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.FileURL(f.FilePath), nil)
	if err != nil {
		return nil, transfer.Wrap(transfer.PermanentSourceError, "build request", redact(err))
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, transfer.ClassifyTransport(redact(err))
	}
	if err := transfer.ClassifyStatus(resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}

	size := resp.ContentLength
	if size < 0 && f.FileSize > 0 {
		size = f.FileSize
	}
	name := f.FilePath
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return &transfer.Stream{Body: resp.Body, Size: size, Name: name}, nil
}

// classifyAPI maps Bot API failures onto the transfer error kinds.
func classifyAPI(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return transfer.ClassifyTransport(err)
	}
	desc := strings.ToLower(apiErr.Description)
	switch {
	case strings.Contains(desc, "file is too big"):
		return transfer.Wrap(transfer.PermanentSourceError, "bot cannot download files this large", err)
	case strings.Contains(desc, "invalid file_id"), strings.Contains(desc, "wrong file_id"):
		return transfer.Wrap(transfer.SourceUnavailable, "unknown file", err)
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
		return transfer.Wrap(transfer.TransientNetwork, "bot api unavailable", err)
	default:
		return transfer.Wrap(transfer.PermanentSourceError, "bot api rejected request", err)
	}
}

// EditMessageText replaces the text of a message the bot sent. Editing to
// the text it already has succeeds.
func (b *Bot) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	err := b.call(ctx, "editMessageText", map[string]any{
		"chat_id":                  chatID,
		"message_id":               messageID,
		"text":                     text,
		"disable_web_page_preview": true,
	}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
		return nil
	}
	return err
}

// StatusReporter shows job progress by editing the chat message the request
// was acknowledged with.
type StatusReporter struct {
	bot *Bot
}

func NewStatusReporter(bot *Bot) *StatusReporter {
	return &StatusReporter{bot: bot}
}

func (r *StatusReporter) Report(ctx context.Context, ref status.Ref, u status.Update) error {
	if !ref.HasMessage() {
		return nil
	}
	if err := r.bot.EditMessageText(ctx, ref.ChatID, ref.MessageID, status.Text(u)); err != nil {
		logging.Telegram.Printf("status edit failed job=%s chat=%d: %v", ref.JobID, ref.ChatID, err)
		return err
	}
	return nil
}
