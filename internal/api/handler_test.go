package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cnaesz/Morphile/internal/intake"
	"github.com/cnaesz/Morphile/internal/ledger"
	"github.com/cnaesz/Morphile/internal/metrics"
	"github.com/cnaesz/Morphile/internal/queue"
	"github.com/cnaesz/Morphile/internal/store"
	"github.com/cnaesz/Morphile/internal/transfer"
)

const testAdminToken = "s3cret"

type testEnv struct {
	handler   *Handler
	store     *store.SQLiteStore
	ledger    *ledger.Ledger
	broker    *queue.SQLiteBroker
	publicDir string
}

func setupTestHandler(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	l := ledger.New(st, 100<<20)
	broker := queue.NewSQLiteBroker(st.DB(), queue.SQLiteOptions{LeaseTimeout: time.Minute})
	t.Cleanup(func() { broker.Close() })
	m := metrics.New()

	svc := intake.NewService(intake.Deps{
		Ledger:   l,
		Resolver: transfer.NewResolver(transfer.ResolverOptions{}),
		Jobs:     st,
		Queue:    broker,
		Pending:  intake.NewPendingLimiter(2),
		Metrics:  m,
	})

	publicDir := t.TempDir()
	return &testEnv{
		handler: NewHandler(svc, l, Options{
			AdminToken: testAdminToken,
			Metrics:    m.Handler(),
			PublicDir:  publicDir,
		}),
		store:     st,
		ledger:    l,
		broker:    broker,
		publicDir: publicDir,
	}
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	return resp.Error
}

func TestHandler_SubmitAndPoll(t *testing.T) {
	env := setupTestHandler(t)

	rec := env.do("POST", "/api/jobs", `{"account_id":"42","source":{"kind":"url","url":"https://example.com/a.zip"},"chat_id":5,"message_id":6}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var handle intake.JobHandle
	if err := json.NewDecoder(rec.Body).Decode(&handle); err != nil {
		t.Fatalf("failed to decode handle: %v", err)
	}
	if handle.ID == "" || handle.State != "queued" {
		t.Errorf("unexpected handle %+v", handle)
	}

	depth, err := env.broker.Depth(context.Background())
	if err != nil || depth != 1 {
		t.Errorf("expected 1 queued job, got %d (%v)", depth, err)
	}

	rec = env.do("GET", "/api/jobs/"+handle.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var job JobResponse
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("failed to decode job: %v", err)
	}
	if job.State != "queued" || job.AccountID != "42" {
		t.Errorf("unexpected job %+v", job)
	}

	if err := env.store.UpdateJobStatus(context.Background(), handle.ID, "succeeded", "", "https://files.example/x.zip", 1); err != nil {
		t.Fatal(err)
	}
	rec = env.do("GET", "/api/jobs/"+handle.ID, "")
	json.NewDecoder(rec.Body).Decode(&job)
	if job.State != "succeeded" || job.URL != "https://files.example/x.zip" {
		t.Errorf("unexpected job after success %+v", job)
	}
}

func TestHandler_SubmitErrors(t *testing.T) {
	env := setupTestHandler(t)
	if _, err := env.ledger.Charge(context.Background(), "full", "earlier", 100<<20); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"invalid account", `{"account_id":"../x","source":{"kind":"url","url":"https://a.b/c"}}`, http.StatusBadRequest},
		{"empty source", `{"account_id":"42","source":{"kind":"url"}}`, http.StatusBadRequest},
		{"unsupported scheme", `{"account_id":"42","source":{"kind":"url","url":"file:///etc/passwd"}}`, http.StatusUnprocessableEntity},
		{"attachment without bot", `{"account_id":"42","source":{"kind":"attachment","file_id":"abc"}}`, http.StatusUnprocessableEntity},
		{"no allowance", `{"account_id":"full","source":{"kind":"url","url":"https://a.b/c"}}`, http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do("POST", "/api/jobs", tc.body)
			if rec.Code != tc.code {
				t.Errorf("expected %d, got %d: %s", tc.code, rec.Code, rec.Body.String())
			}
		})
	}

	depth, _ := env.broker.Depth(context.Background())
	if depth != 0 {
		t.Errorf("nothing should be queued, got %d", depth)
	}
}

func TestHandler_SubmitPendingLimit(t *testing.T) {
	env := setupTestHandler(t)
	body := `{"account_id":"7","source":{"kind":"url","url":"https://example.com/f"}}`

	for i := 0; i < 2; i++ {
		if rec := env.do("POST", "/api/jobs", body); rec.Code != http.StatusAccepted {
			t.Fatalf("submission %d: expected 202, got %d", i+1, rec.Code)
		}
	}
	rec := env.do("POST", "/api/jobs", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
}

func TestHandler_JobNotFound(t *testing.T) {
	env := setupTestHandler(t)

	if rec := env.do("GET", "/api/jobs/does-not-exist", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := env.do("GET", "/api/jobs/bad.id", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Account(t *testing.T) {
	env := setupTestHandler(t)
	if _, err := env.ledger.Charge(context.Background(), "42", "j1", 10<<20); err != nil {
		t.Fatal(err)
	}

	rec := env.do("GET", "/api/accounts/42", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var acct AccountResponse
	if err := json.NewDecoder(rec.Body).Decode(&acct); err != nil {
		t.Fatal(err)
	}
	if acct.BytesUsed != 10<<20 || acct.ByteCap != 100<<20 || acct.Remaining != 90<<20 || acct.Premium || acct.FreeCap != 100<<20 {
		t.Errorf("unexpected account %+v", acct)
	}
}

func TestHandler_GrantEntitlement(t *testing.T) {
	env := setupTestHandler(t)
	auth := []string{"Authorization", "Bearer " + testAdminToken}

	if rec := env.do("POST", "/api/accounts/42/entitlements", `{"days":30,"cap":"50GB"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	if rec := env.do("POST", "/api/accounts/42/entitlements", `{"days":30,"cap":"50GB"}`, "Authorization", "Bearer nope"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := env.do("POST", "/api/accounts/42/entitlements", `{"days":0,"cap":"50GB"}`, auth...); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero days, got %d", rec.Code)
	}
	if rec := env.do("POST", "/api/accounts/42/entitlements", `{"days":30,"cap":"lots"}`, auth...); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad cap, got %d", rec.Code)
	}

	rec := env.do("POST", "/api/accounts/42/entitlements", `{"days":30,"cap":"50GB"}`, auth...)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, decodeError(t, rec))
	}
	var acct AccountResponse
	json.NewDecoder(rec.Body).Decode(&acct)
	if !acct.Premium || acct.ByteCap != 50_000_000_000 || acct.PremiumExpiry == nil || acct.FreeCap != 100<<20 {
		t.Errorf("unexpected account %+v", acct)
	}
}

func TestHandler_GrantDisabledWithoutToken(t *testing.T) {
	env := setupTestHandler(t)
	env.handler.opts.AdminToken = ""

	rec := env.do("POST", "/api/accounts/42/entitlements", `{"days":30,"cap":"50GB"}`, "Authorization", "Bearer ")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestHandler_Metrics(t *testing.T) {
	env := setupTestHandler(t)
	env.do("POST", "/api/jobs", `{"account_id":"42","source":{"kind":"url","url":"https://example.com/a"}}`)

	rec := env.do("GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `morphile_submissions_total{result="accepted"} 1`) {
		t.Errorf("metrics missing accepted submission:\n%s", rec.Body.String())
	}
}

func TestHandler_ServeFile(t *testing.T) {
	env := setupTestHandler(t)
	if err := os.WriteFile(filepath.Join(env.publicDir, "report_42_x.pdf"), []byte("pdf bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.publicDir, ".hidden.incoming"), []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := env.do("GET", "/files/report_42_x.pdf", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "pdf bytes" {
		t.Errorf("expected file contents, got %d %q", rec.Code, rec.Body.String())
	}
	if rec := env.do("GET", "/files/.hidden.incoming", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for hidden file, got %d", rec.Code)
	}
	if rec := env.do("GET", "/files/missing.bin", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCORS_AllowAll(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	corsHandler := CORS(CORSConfig{})(handler)

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("Origin", "https://evil.com")
	rec := httptest.NewRecorder()

	corsHandler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected *, got %q", got)
	}
}

func TestCORS_RestrictedOrigins(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	corsHandler := CORS(CORSConfig{
		AllowedOrigins: []string{"https://morphile.app"},
	})(handler)

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("Origin", "https://morphile.app")
		rec := httptest.NewRecorder()
		corsHandler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://morphile.app" {
			t.Errorf("expected https://morphile.app, got %q", got)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("Origin", "https://evil.com")
		rec := httptest.NewRecorder()
		corsHandler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
	})

	t.Run("preflight request", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/api/test", nil)
		req.Header.Set("Origin", "https://morphile.app")
		rec := httptest.NewRecorder()
		corsHandler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200 for preflight, got %d", rec.Code)
		}
	})
}

func TestRateLimit(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rateLimiter := NewRateLimiter(RateLimitConfig{
		RequestsPerSecond:       1,
		BurstSize:               2,
		SubmitRequestsPerMinute: 1,
		SubmitBurstSize:         1,
	})
	defer rateLimiter.Stop()
	limited := rateLimiter.Middleware(handler)

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			req := httptest.NewRequest("GET", "/api/jobs/x", nil)
			req.RemoteAddr = "10.0.0.1:12345"
			rec := httptest.NewRecorder()
			limited.ServeHTTP(rec, req)

			if i < 2 && rec.Code != http.StatusOK {
				t.Errorf("request %d: expected 200, got %d", i, rec.Code)
			}
			if i >= 2 && rec.Code != http.StatusTooManyRequests {
				t.Errorf("request %d: expected 429, got %d", i, rec.Code)
			}
		}
	})

	t.Run("submissions have their own stricter limit", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			req := httptest.NewRequest("POST", "/api/jobs", nil)
			req.RemoteAddr = "10.0.0.2:12345"
			rec := httptest.NewRecorder()
			limited.ServeHTTP(rec, req)

			if i == 0 && rec.Code != http.StatusOK {
				t.Errorf("first submission: expected 200, got %d", rec.Code)
			}
			if i == 1 && rec.Code != http.StatusTooManyRequests {
				t.Errorf("second submission: expected 429, got %d", rec.Code)
			}
		}
	})

	t.Run("uses X-Forwarded-For header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		req.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")
		rec := httptest.NewRecorder()
		limited.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func TestRateLimiterCleanupPreservesActive(t *testing.T) {
	// lastSeen has one-second resolution.
	rl := newIPRateLimiterWithTTL(10, 5, 2*time.Second)
	defer rl.Stop()

	rl.getLimiter("192.168.1.2")
	time.Sleep(3 * time.Second)
	rl.getLimiter("192.168.1.1")

	rl.cleanup()

	var remaining []string
	rl.limiters.Range(func(key, _ any) bool {
		remaining = append(remaining, key.(string))
		return true
	})

	if len(remaining) != 1 || remaining[0] != "192.168.1.1" {
		t.Errorf("expected only 192.168.1.1 to remain, got: %v", remaining)
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := newIPRateLimiterWithTTL(10, 5, 10*time.Millisecond)

	// Calling Stop multiple times should not panic
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()

	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
		t.Error("general limits should be positive")
	}
	if cfg.SubmitRequestsPerMinute <= 0 || cfg.SubmitBurstSize <= 0 {
		t.Error("submission limits should be positive")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"remote addr only", "192.168.1.1:12345", "", "", "192.168.1.1"},
		{"X-Forwarded-For single", "127.0.0.1:80", "203.0.113.50", "", "203.0.113.50"},
		{"X-Forwarded-For chain", "127.0.0.1:80", "203.0.113.50, 70.41.3.18", "", "203.0.113.50"},
		{"X-Real-IP", "127.0.0.1:80", "", "203.0.113.100", "203.0.113.100"},
		{"X-Forwarded-For takes precedence", "127.0.0.1:80", "1.2.3.4", "5.6.7.8", "1.2.3.4"},
		{"IPv6", "[::1]:8080", "", "", "[::1]"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xri != "" {
				req.Header.Set("X-Real-IP", tc.xri)
			}

			if got := extractIP(req); got != tc.want {
				t.Errorf("extractIP() = %q, want %q", got, tc.want)
			}
		})
	}
}
