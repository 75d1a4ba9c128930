package inspector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func newTestAdminAPI(t *testing.T, cfg PipelineConfig) *AdminAPI {
	t.Helper()
	p, err := NewPipeline(nil, cfg)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	a := NewAdminAPI(p)
	a.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return a
}

func doAdmin(t *testing.T, a *AdminAPI, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return v
}

// ---------------------------------------------------------------------------
// GET /api/status
// ---------------------------------------------------------------------------

func TestAdminStatus(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{
		Domains: []string{"bing.com", "youtube.com"},
		Words:   []string{"bomb"},
	})
	a.Pipeline.Filter.Decide("www.bing.com")

	rec := doAdmin(t, a, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	resp := decodeJSON[StatusResponse](t, rec)
	if resp.Status != "ok" {
		t.Errorf("want status ok, got %q", resp.Status)
	}
	if resp.Domains != 2 || resp.Words != 1 {
		t.Errorf("want 2 domains and 1 word, got %d and %d", resp.Domains, resp.Words)
	}
	if resp.Blocked != 1 {
		t.Errorf("want blocked 1, got %d", resp.Blocked)
	}
	if resp.Parser == "" {
		t.Error("parser not reported")
	}
	if resp.Upstream != nil {
		t.Error("upstream stats reported without a transport")
	}
}

func TestAdminStatus_Upstream(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{})
	a.Upstream = NewUpstreamTransport()

	resp := decodeJSON[StatusResponse](t, doAdmin(t, a, http.MethodGet, "/api/status"))
	if resp.Upstream == nil {
		t.Fatal("want upstream stats")
	}
}

// ---------------------------------------------------------------------------
// GET /api/blocklist, /api/words
// ---------------------------------------------------------------------------

func TestAdminBlocklist(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{Domains: []string{"youtube.com", "bing.com"}})

	resp := decodeJSON[ListResponse](t, doAdmin(t, a, http.MethodGet, "/api/blocklist"))
	if resp.Count != 2 {
		t.Fatalf("want 2 entries, got %d", resp.Count)
	}
	if resp.Entries[0] != "bing.com" || resp.Entries[1] != "youtube.com" {
		t.Errorf("entries = %v", resp.Entries)
	}
}

func TestAdminBlocklist_Empty(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{})

	rec := doAdmin(t, a, http.MethodGet, "/api/blocklist")
	if !strings.Contains(rec.Body.String(), `"entries":[]`) {
		t.Errorf("empty list should encode as [], got %s", rec.Body.String())
	}
}

func TestAdminWords(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{Words: []string{"bomb", "attack"}})

	resp := decodeJSON[ListResponse](t, doAdmin(t, a, http.MethodGet, "/api/words"))
	if resp.Count != 2 {
		t.Errorf("want 2 words, got %d: %v", resp.Count, resp.Entries)
	}
}

func TestAdminWords_RewriteDisabled(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{Words: []string{"bomb"}, DisableRewrite: true})

	resp := decodeJSON[ListResponse](t, doAdmin(t, a, http.MethodGet, "/api/words"))
	if resp.Count != 0 {
		t.Errorf("want 0 words, got %d", resp.Count)
	}
}

// ---------------------------------------------------------------------------
// POST /api/reload
// ---------------------------------------------------------------------------

func TestAdminReload(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{Domains: []string{"old.com"}})
	a.Pipeline.DomainSource = NewStaticListLoader("new.com")

	rec := doAdmin(t, a, http.MethodPost, "/api/reload")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON[MessageResponse](t, rec)
	if resp.Message != "reload successful" {
		t.Errorf("message = %q", resp.Message)
	}
	if !a.Pipeline.Filter.Decide("new.com").Denied {
		t.Error("reload did not apply the new list")
	}
}

func TestAdminReload_Error(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{})
	a.ReloadFunc = func(context.Context) error { return errors.New("source down") }

	rec := doAdmin(t, a, http.MethodPost, "/api/reload")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rec.Code)
	}
	resp := decodeJSON[ErrorResponse](t, rec)
	if resp.Error != "reload failed: source down" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestAdminReload_NotConfigured(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{})
	a.ReloadFunc = nil

	rec := doAdmin(t, a, http.MethodPost, "/api/reload")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("want 501, got %d", rec.Code)
	}
}

func TestAdminReload_WrongMethod(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{})

	rec := doAdmin(t, a, http.MethodGet, "/api/reload")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("want 405, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestAdminHealthz(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{})

	rec := doAdmin(t, a, http.MethodGet, "/api/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if resp := decodeJSON[HealthResponse](t, rec); resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestAdminReadyz(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{})

	rec := doAdmin(t, a, http.MethodGet, "/api/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503 before SetReady, got %d", rec.Code)
	}

	a.SetReady(true)
	rec = doAdmin(t, a, http.MethodGet, "/api/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 after SetReady, got %d", rec.Code)
	}

	a.ReadinessChecks = append(a.ReadinessChecks, func() error { return errors.New("cache cold") })
	rec = doAdmin(t, a, http.MethodGet, "/api/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503 with failing check, got %d", rec.Code)
	}
	resp := decodeJSON[HealthResponse](t, rec)
	if len(resp.Details) != 1 || resp.Details[0] != "cache cold" {
		t.Errorf("details = %v", resp.Details)
	}
}

func TestActivityLogReady(t *testing.T) {
	if err := ActivityLogReady(NewActivityLogger(io.Discard, slog.LevelInfo))(); err == nil {
		t.Error("logger without a file should not be ready")
	}

	al, err := OpenActivityLog(ActivityLogConfig{Path: filepath.Join(t.TempDir(), "proxy.log")})
	if err != nil {
		t.Fatal(err)
	}
	check := ActivityLogReady(al)
	if err := check(); err != nil {
		t.Errorf("open log not ready: %v", err)
	}
	al.Close()
	if err := check(); err == nil {
		t.Error("closed log reported ready")
	}
}

// ---------------------------------------------------------------------------
// GET /api/blockpage, routing, compression
// ---------------------------------------------------------------------------

func TestAdminBlockPagePreview(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{})

	rec := doAdmin(t, a, http.MethodGet, "/api/blockpage?domain=www.bing.com")
	if rec.Code != http.StatusForbidden {
		t.Errorf("want 403, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "www.bing.com") {
		t.Error("preview does not contain the domain")
	}
}

func TestAdminUnknownRoute(t *testing.T) {
	a := newTestAdminAPI(t, PipelineConfig{})

	rec := doAdmin(t, a, http.MethodGet, "/api/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("want 404, got %d", rec.Code)
	}
}

func TestAdminCompressesLargeResponses(t *testing.T) {
	domains := make([]string, 500)
	for i := range domains {
		domains[i] = "blocked-" + strings.Repeat("x", i%20) + "-" + string(rune('a'+i%26)) + ".example.com"
	}
	a := newTestAdminAPI(t, PipelineConfig{Domains: domains})

	req := httptest.NewRequest(http.MethodGet, "/api/blocklist", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("want gzip, got %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	var resp ListResponse
	if err := json.NewDecoder(zr).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count == 0 {
		t.Error("empty decoded list")
	}
}
