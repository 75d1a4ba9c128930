package inspector

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPipeline(t *testing.T, cfg PipelineConfig) (*Pipeline, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	p, err := NewPipeline(NewActivityLogger(&buf, slog.LevelInfo), cfg)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p, &buf
}

func newTestFlow(t *testing.T, rawURL string) *Flow {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return &Flow{
		Request: &Request{
			Method: http.MethodGet,
			URL:    u,
			Proto:  "HTTP/1.1",
			Header: http.Header{"User-Agent": {"test"}},
			host:   u.Host,
		},
		StartTime: time.Now(),
	}
}

func TestPipeline_BlocksDeniedHost(t *testing.T) {
	p, logBuf := newTestPipeline(t, PipelineConfig{Domains: []string{"bing.com"}})

	f := newTestFlow(t, "https://www.bing.com/search?q=x")
	p.Request(f)

	if f.Response == nil {
		t.Fatal("expected short-circuit response")
	}
	if f.Response.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", f.Response.StatusCode)
	}
	if ct := f.Response.ContentType(); ct != "text/html" {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !bytes.Contains(f.Response.Body, []byte("www.bing.com")) {
		t.Error("block page does not name the domain")
	}
	if !strings.Contains(logBuf.String(), "[WARNING] Blocked request to www.bing.com") {
		t.Errorf("log = %q", logBuf.String())
	}
	if strings.Contains(logBuf.String(), "REQ →") {
		t.Error("blocked request must not be logged as forwarded")
	}
	if got := p.Stats().Blocked; got != 1 {
		t.Errorf("Blocked = %d, want 1", got)
	}
}

func TestPipeline_BlocksMixedCaseHostHeader(t *testing.T) {
	p, logBuf := newTestPipeline(t, PipelineConfig{Domains: []string{"bing.com"}})

	// Requests inside a tunnel carry the client's Host header verbatim.
	f := &Flow{
		Request: &Request{
			Method: http.MethodGet,
			URL:    &url.URL{Scheme: "https", Path: "/search"},
			Proto:  "HTTP/1.1",
			Header: http.Header{},
			host:   "WWW.Bing.COM:443",
		},
		StartTime: time.Now(),
	}
	p.Request(f)

	if f.Response == nil || f.Response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for mixed-case host, got %+v", f.Response)
	}
	if !strings.Contains(logBuf.String(), "Blocked request to www.bing.com") {
		t.Errorf("log = %q", logBuf.String())
	}
}

func TestRequest_Host(t *testing.T) {
	tests := []struct {
		name string
		host string
		url  string
		want string
	}{
		{"header with port", "Example.COM:8443", "", "example.com"},
		{"header without port", "EXAMPLE.com", "", "example.com"},
		{"from url", "", "http://Foo.Example:80/x", "foo.example"},
		{"ipv6", "[::1]:443", "", "::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Request{host: tt.host}
			if tt.url != "" {
				u, err := url.Parse(tt.url)
				if err != nil {
					t.Fatal(err)
				}
				r.URL = u
			}
			if got := r.Host(); got != tt.want {
				t.Errorf("Host() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPipeline_AllowsOtherHosts(t *testing.T) {
	p, logBuf := newTestPipeline(t, PipelineConfig{Domains: []string{"bing.com"}})

	f := newTestFlow(t, "https://example.com/")
	p.Request(f)

	if f.Response != nil {
		t.Fatalf("unexpected response %d", f.Response.StatusCode)
	}
	if !strings.Contains(logBuf.String(), "[INFO] REQ → GET https://example.com/") {
		t.Errorf("log = %q", logBuf.String())
	}
}

func TestPipeline_RewritesHTML(t *testing.T) {
	p, logBuf := newTestPipeline(t, PipelineConfig{Words: []string{"bomb"}})

	f := newTestFlow(t, "https://news.example.com/")
	f.Response = NewResponse(http.StatusOK, "text/html; charset=iso-8859-1",
		[]byte("<html><body><p>A bomb threat</p><script>var bomb=1</script></body></html>"))
	p.Response(f)

	body := string(f.Response.Body)
	if !strings.Contains(body, "A [FILTERED] threat") {
		t.Errorf("body not redacted: %s", body)
	}
	if !strings.Contains(body, "var bomb=1") {
		t.Errorf("script was modified: %s", body)
	}
	if ct := f.Response.ContentType(); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cl := f.Response.Header.Get("Content-Length"); cl != strconv.Itoa(len(f.Response.Body)) {
		t.Errorf("Content-Length = %s, body is %d bytes", cl, len(f.Response.Body))
	}

	out := logBuf.String()
	if !strings.Contains(out, "[INFO] RES ← 200 https://news.example.com/") {
		t.Errorf("missing response line: %q", out)
	}
	if !strings.Contains(out, "[WARNING] Filtered content in https://news.example.com/") {
		t.Errorf("missing filter line: %q", out)
	}
	if got := p.Stats().Filtered; got != 1 {
		t.Errorf("Filtered = %d, want 1", got)
	}
}

func TestPipeline_LeavesCleanHTMLAlone(t *testing.T) {
	p, logBuf := newTestPipeline(t, PipelineConfig{Words: []string{"bomb"}})

	original := "<html><body><p>Nothing to see</p></body></html>"
	f := newTestFlow(t, "http://example.com/")
	f.Response = NewResponse(http.StatusOK, "text/html", []byte(original))
	p.Response(f)

	if string(f.Response.Body) != original {
		t.Errorf("clean body changed: %s", f.Response.Body)
	}
	if strings.Contains(logBuf.String(), "Filtered content") {
		t.Error("clean page logged as filtered")
	}
}

func TestPipeline_SkipsNonHTML(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{Words: []string{"bomb"}})

	tests := []struct {
		name        string
		contentType string
	}{
		{"json", "application/json"},
		{"plain", "text/plain"},
		{"missing", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFlow(t, "http://example.com/")
			f.Response = NewResponse(http.StatusOK, tt.contentType, []byte(`{"word":"bomb"}`))
			p.Response(f)
			if string(f.Response.Body) != `{"word":"bomb"}` {
				t.Errorf("non-HTML body changed: %s", f.Response.Body)
			}
		})
	}
}

func TestPipeline_SkipsOversizedBody(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{Words: []string{"bomb"}, MaxBodySize: 64})
	m := NewMetrics()
	p.SetMetrics(m)

	body := "<p>bomb</p>" + strings.Repeat("x", 100)
	f := newTestFlow(t, "http://example.com/")
	f.Response = NewResponse(http.StatusOK, "text/html", []byte(body))
	p.Response(f)

	if string(f.Response.Body) != body {
		t.Error("oversized body was rewritten")
	}
	if got := metricValue(t, m, `inspector_rewrite_skipped_total{reason="too_large"}`); got != 1 {
		t.Errorf("skipped metric = %v, want 1", got)
	}
}

func TestPipeline_DefaultMaxBodySizeCoversBufferedBodies(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{Words: []string{"bomb"}})
	if p.MaxBodySize != DefaultMaxBufferSize {
		t.Fatalf("MaxBodySize = %d, want engine buffer limit %d", p.MaxBodySize, DefaultMaxBufferSize)
	}

	body := "<p>bomb</p><p>" + strings.Repeat("x ", 6<<20) + "</p>"
	f := newTestFlow(t, "http://example.com/")
	f.Response = NewResponse(http.StatusOK, "text/html", []byte(body))
	p.Response(f)

	if head := f.Response.Body[:64]; !bytes.Contains(head, []byte("[FILTERED]")) {
		t.Errorf("12 MiB page was not filtered: %q", head)
	}
}

func TestPipeline_DisableRewrite(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{Words: []string{"bomb"}, DisableRewrite: true})
	if p.Rewriter != nil {
		t.Fatal("Rewriter should be nil")
	}

	f := newTestFlow(t, "http://example.com/")
	f.Response = NewResponse(http.StatusOK, "text/html", []byte("<p>bomb</p>"))
	p.Response(f)
	if string(f.Response.Body) != "<p>bomb</p>" {
		t.Errorf("body changed with rewriting disabled: %s", f.Response.Body)
	}
	if s := p.Stats(); s.Words != 0 || s.Parser != "" {
		t.Errorf("Stats = %+v", s)
	}
}

func TestPipeline_InvalidReplacement(t *testing.T) {
	_, err := NewPipeline(nil, PipelineConfig{Words: []string{"bomb"}, Replacement: "bomb"})
	if err == nil {
		t.Error("expected error when the replacement is itself a forbidden word")
	}
}

func TestPipeline_Reload(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{Domains: []string{"old.com"}, Words: []string{"old"}})

	var reloads atomic.Int32
	p.OnReload = func(domains, words int) {
		reloads.Add(1)
		if domains != 2 || words != 1 {
			t.Errorf("OnReload(%d, %d)", domains, words)
		}
	}
	p.DomainSource = NewStaticListLoader("bing.com", "youtube.com")
	p.WordSource = NewStaticListLoader("attack")

	if err := p.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if reloads.Load() != 1 {
		t.Errorf("OnReload called %d times", reloads.Load())
	}
	if p.Filter.Decide("old.com").Denied {
		t.Error("old entry still blocked")
	}
	if !p.Filter.Decide("m.youtube.com").Denied {
		t.Error("new entry not blocked")
	}
	if got := p.Rewriter.Words().Words(); len(got) != 1 || got[0] != "attack" {
		t.Errorf("words = %v", got)
	}
}

func TestPipeline_ReloadFailureKeepsLists(t *testing.T) {
	p, logBuf := newTestPipeline(t, PipelineConfig{Domains: []string{"bing.com"}, Words: []string{"bomb"}})
	m := NewMetrics()
	p.SetMetrics(m)

	p.DomainSource = NewStaticListLoader("new.com")
	p.WordSource = ListLoaderFunc(func(context.Context) ([]string, error) {
		return nil, errors.New("source unreachable")
	})

	if err := p.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if !p.Filter.Decide("www.bing.com").Denied {
		t.Error("blocklist swapped despite failed reload")
	}
	if p.Filter.Decide("new.com").Denied {
		t.Error("partial reload applied")
	}
	if !strings.Contains(logBuf.String(), "[ERROR] List reload failed") {
		t.Errorf("log = %q", logBuf.String())
	}
	if got := metricValue(t, m, "inspector_list_reload_errors_total"); got != 1 {
		t.Errorf("reload errors = %v, want 1", got)
	}
}

func TestPipeline_ReloadWithoutSources(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{})
	if err := p.Reload(context.Background()); err == nil {
		t.Error("expected error with no sources")
	}
}

func TestPipeline_StartAutoReload(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{})

	var loads atomic.Int32
	p.DomainSource = ListLoaderFunc(func(context.Context) ([]string, error) {
		loads.Add(1)
		return []string{"bing.com"}, nil
	})

	cancel := p.StartAutoReload(context.Background(), 10*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for loads.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if loads.Load() < 2 {
		t.Fatalf("loads = %d, want at least 2", loads.Load())
	}
	if !p.Filter.Decide("www.bing.com").Denied {
		t.Error("auto reload did not apply the list")
	}
}

func TestPipeline_TLSHandshakeFailed(t *testing.T) {
	p, logBuf := newTestPipeline(t, PipelineConfig{})
	p.TLSHandshakeFailed("10.0.0.5:51234", &HandshakeError{
		Side: SideClient,
		Host: "example.com",
		Err:  errors.New("remote error: tls: unknown certificate authority"),
	})
	if !strings.Contains(logBuf.String(), "[ERROR] TLS handshake failed with 10.0.0.5:51234") {
		t.Errorf("log = %q", logBuf.String())
	}
}

func TestPipeline_Stats(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{
		Domains: []string{"a.com", "b.com"},
		Words:   []string{"x", "y", "z"},
	})
	s := p.Stats()
	if s.Domains != 2 || s.Words != 3 {
		t.Errorf("Stats = %+v", s)
	}
	if s.Parser == "" {
		t.Error("Stats should name the selected parser")
	}
}
