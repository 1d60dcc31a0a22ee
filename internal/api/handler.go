package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cnaesz/Morphile/internal/intake"
	"github.com/cnaesz/Morphile/internal/ledger"
	"github.com/cnaesz/Morphile/internal/logging"
	"github.com/cnaesz/Morphile/internal/publish"
	"github.com/cnaesz/Morphile/internal/store"
	"github.com/cnaesz/Morphile/internal/transfer"
)

var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 64 << 10

// Options configures the optional parts of the HTTP surface.
type Options struct {
	// AdminToken guards the entitlement endpoint. Empty disables it.
	AdminToken string
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// PublicDir is served under /files/ when set.
	PublicDir string
}

// Handler handles HTTP requests.
type Handler struct {
	intake *intake.Service
	ledger *ledger.Ledger
	opts   Options
	mux    *http.ServeMux
}

func NewHandler(svc *intake.Service, l *ledger.Ledger, opts Options) *Handler {
	h := &Handler{
		intake: svc,
		ledger: l,
		opts:   opts,
		mux:    http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/jobs", h.handleSubmit)
	h.mux.HandleFunc("GET /api/jobs/{id}", h.handleJob)
	h.mux.HandleFunc("GET /api/accounts/{id}", h.handleAccount)
	h.mux.HandleFunc("POST /api/accounts/{id}/entitlements", h.handleGrant)
	if h.opts.Metrics != nil {
		h.mux.Handle("GET /metrics", h.opts.Metrics)
	}
	if h.opts.PublicDir != "" {
		h.mux.HandleFunc("GET /files/{name}", h.handleFile)
		h.mux.HandleFunc("HEAD /files/{name}", h.handleFile)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func isValidID(id string) bool {
	return id != "" && len(id) <= 64 && validIDPattern.MatchString(id)
}

// SubmitJobRequest is the request body for queuing a transfer.
type SubmitJobRequest struct {
	AccountID string              `json:"account_id"`
	Source    transfer.Descriptor `json:"source"`
	ChatID    int64               `json:"chat_id,omitempty"`
	MessageID int64               `json:"message_id,omitempty"`
}

// ErrorResponse carries a short reason a client can show.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !isValidID(req.AccountID) {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	handle, err := h.intake.Submit(r.Context(), intake.SubmitRequest{
		AccountID: req.AccountID,
		Source:    req.Source,
		ChatID:    req.ChatID,
		MessageID: req.MessageID,
	})
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, handle)
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, err error) {
	var te *transfer.Error
	switch {
	case errors.Is(err, intake.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, intake.ErrTooManyPending):
		writeError(w, http.StatusTooManyRequests, "you have too many transfers in progress, please wait for one to finish")
	case errors.As(err, &te) && te.Kind == transfer.CapacityExceeded:
		writeError(w, http.StatusForbidden, te.UserMessage())
	case errors.As(err, &te) && !te.Retryable():
		writeError(w, http.StatusUnprocessableEntity, te.UserMessage())
	default:
		logging.Internal.Printf("submit failed kind=%s: %v", transfer.KindOf(err), err)
		writeError(w, http.StatusInternalServerError, "failed to queue transfer")
	}
}

// JobResponse is the status of a job.
type JobResponse struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	URL       string    `json:"url,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	rec, err := h.intake.Job(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		logging.Internal.Printf("failed to load job %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, JobResponse{
		ID:        rec.ID,
		AccountID: rec.AccountID,
		State:     rec.Status,
		Reason:    rec.Reason,
		URL:       rec.PublicURL,
		Attempts:  rec.Attempts,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
}

// AccountResponse is an account's usage in the current period.
type AccountResponse struct {
	ID            string     `json:"id"`
	BytesUsed     int64      `json:"bytes_used"`
	ByteCap       int64      `json:"byte_cap"`
	Remaining     int64      `json:"remaining"`
	Premium       bool       `json:"premium"`
	PremiumExpiry *time.Time `json:"premium_expiry,omitempty"`
	// FreeCap is the cap the account returns to when its entitlement lapses.
	FreeCap       int64      `json:"free_cap"`
}

func (h *Handler) accountResponse(a *ledger.Account) AccountResponse {
	return AccountResponse{
		ID:            a.ID,
		BytesUsed:     a.BytesUsed,
		ByteCap:       a.ByteCap,
		Remaining:     a.Remaining(),
		Premium:       a.Premium(time.Now()),
		PremiumExpiry: a.PremiumExpiry,
		FreeCap:       h.ledger.DefaultCap(),
	}
}

func (h *Handler) handleAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	acct, err := h.ledger.Account(r.Context(), id)
	if err != nil {
		logging.Internal.Printf("failed to load account %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}
	writeJSON(w, http.StatusOK, h.accountResponse(acct))
}

// GrantRequest activates a premium entitlement. Cap accepts human sizes
// such as "50GB".
type GrantRequest struct {
	Days int    `json:"days"`
	Cap  string `json:"cap"`
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	if !h.authorizedAdmin(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	var req GrantRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	byteCap, err := humanize.ParseBytes(req.Cap)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cap")
		return
	}

	acct, err := h.ledger.GrantEntitlement(r.Context(), id, req.Days, int64(byteCap))
	if errors.Is(err, ledger.ErrInvalidGrant) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logging.Internal.Printf("failed to grant entitlement to %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to grant entitlement")
		return
	}

	logging.Internal.Printf("entitlement granted account=%s days=%d cap=%s", id, req.Days, humanize.IBytes(byteCap))
	writeJSON(w, http.StatusOK, h.accountResponse(acct))
}

func (h *Handler) authorizedAdmin(r *http.Request) bool {
	if h.opts.AdminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AdminToken)) == 1
}

// handleFile serves a published object from the local public directory.
func (h *Handler) handleFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || publish.SafeName(name) != name {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Disposition", "attachment")
	http.ServeFile(w, r, filepath.Join(h.opts.PublicDir, name))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Internal.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
