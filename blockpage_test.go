package inspector

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewBlockPage(t *testing.T) {
	bp := NewBlockPage()
	if bp == nil {
		t.Fatal("NewBlockPage returned nil")
	}
	if bp.template == nil {
		t.Fatal("template is nil")
	}
}

func TestNewBlockPageFromTemplate(t *testing.T) {
	tmpl := `<html><body>{{.Domain}} blocked at {{.Timestamp}}</body></html>`
	bp, err := NewBlockPageFromTemplate(tmpl)
	if err != nil {
		t.Fatalf("NewBlockPageFromTemplate failed: %v", err)
	}

	result, err := bp.RenderString(BlockPageData{Domain: "example.com", Timestamp: "noon"})
	if err != nil {
		t.Fatalf("RenderString failed: %v", err)
	}

	if !strings.Contains(result, "example.com blocked at noon") {
		t.Errorf("unexpected output: %s", result)
	}
}

func TestNewBlockPageFromTemplate_Invalid(t *testing.T) {
	_, err := NewBlockPageFromTemplate("{{.Invalid")
	if err == nil {
		t.Error("expected error for invalid template")
	}
}

func TestBlockPage_Render(t *testing.T) {
	bp := NewBlockPage()
	data := BlockPageData{
		Domain: "blocked.example.com",
		URL:    "https://blocked.example.com/path",
	}

	var sb strings.Builder
	if err := bp.Render(&sb, data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	result := sb.String()

	checks := []string{
		"<!DOCTYPE html>",
		"Access Denied: <strong>blocked.example.com</strong>",
		"The site blocked.example.com has been blocked by the Network Administrator.",
	}

	for _, check := range checks {
		if !strings.Contains(result, check) {
			t.Errorf("missing %q in output", check)
		}
	}
}

func TestBlockPage_ServeHTTP(t *testing.T) {
	bp := NewBlockPage()

	req := httptest.NewRequest(http.MethodGet, "/blockpage?domain=evil.com", nil)
	rec := httptest.NewRecorder()

	bp.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html" {
		t.Errorf("unexpected content-type: %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "evil.com") {
		t.Error("missing domain in body")
	}
}

func TestDefaultBlockPageHTML(t *testing.T) {
	if !strings.Contains(DefaultBlockPageHTML, "<!DOCTYPE html>") {
		t.Error("missing DOCTYPE")
	}
	if n := strings.Count(DefaultBlockPageHTML, "{{.Domain}}"); n != 2 {
		t.Errorf("{{.Domain}} appears %d times, want 2", n)
	}
}

func BenchmarkBlockPage_RenderString(b *testing.B) {
	bp := NewBlockPage()
	data := BlockPageData{
		Domain:    "blocked.example.com",
		URL:       "https://blocked.example.com/path/to/resource",
		Timestamp: "Mon, 01 Jan 2024 12:00:00 UTC",
	}

	for b.Loop() {
		_, _ = bp.RenderString(data)
	}
}

func TestNewBlockPageFromFile(t *testing.T) {
	tmplContent := `<html><body>Blocked: {{.Domain}} ({{.URL}})</body></html>`
	path := filepath.Join(t.TempDir(), "block.html")

	if err := os.WriteFile(path, []byte(tmplContent), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	bp, err := NewBlockPageFromFile(path)
	if err != nil {
		t.Fatalf("NewBlockPageFromFile failed: %v", err)
	}

	result, err := bp.RenderString(BlockPageData{Domain: "evil.com", URL: "https://evil.com/"})
	if err != nil {
		t.Fatalf("RenderString failed: %v", err)
	}

	if !strings.Contains(result, "Blocked: evil.com (https://evil.com/)") {
		t.Errorf("unexpected output: %s", result)
	}
}

func TestNewBlockPageFromFile_Error(t *testing.T) {
	_, err := NewBlockPageFromFile("/nonexistent/path/block.html")
	if err == nil {
		t.Error("expected error for missing file")
	}
}
