package inspector

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI provides REST endpoints for inspecting and reloading the
// pipeline at runtime. It is mounted at PathPrefix (default "/api") and
// uses [chi] for routing. Responses are JSON and compressed when the
// client accepts it.
type AdminAPI struct {
	// Pipeline is the pipeline to manage.
	Pipeline *Pipeline

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	// ReloadFunc is called when POST /reload is invoked. If nil, the
	// reload endpoint returns 501 Not Implemented.
	ReloadFunc ReloadFunc

	// Upstream, if set, adds upstream request counters to /status.
	Upstream *UpstreamTransport

	// ReadinessChecks must all return nil for /readyz to pass.
	ReadinessChecks []ReadinessCheck

	ready     atomic.Bool
	startTime time.Time
	handler   http.Handler
}

// ReadinessCheck returns nil if a component is ready, or an error
// describing why it is not.
type ReadinessCheck func() error

// NewAdminAPI creates an AdminAPI wired to the given pipeline. Its
// reload endpoint calls Pipeline.Reload.
func NewAdminAPI(p *Pipeline) *AdminAPI {
	a := &AdminAPI{
		Pipeline:   p,
		Logger:     slog.Default(),
		PathPrefix: "/api",
		ReloadFunc: p.Reload,
		startTime:  time.Now(),
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/status", a.handleStatus)
		r.Get("/blocklist", a.handleBlocklist)
		r.Get("/words", a.handleWords)
		r.Post("/reload", a.handleReload)
		r.Get("/healthz", a.handleHealthz)
		r.Get("/readyz", a.handleReadyz)
	})
	r.Get("/blockpage", a.handleBlockPage)

	a.handler = NewCompressHandler(r)
}

// SetReady marks the proxy as ready to serve traffic.
func (a *AdminAPI) SetReady(ready bool) {
	a.ready.Store(ready)
}

// Handler returns an http.Handler for the admin API routes.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.handler)
}

// ServeHTTP implements http.Handler by delegating to the internal router
// after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	PipelineStats
	Upstream *UpstreamStats `json:"upstream,omitempty"`
}

// ListResponse is returned by GET /blocklist and GET /words.
type ListResponse struct {
	Count   int      `json:"count"`
	Entries []string `json:"entries"`
}

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Details []string `json:"details,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

func (a *AdminAPI) uptime() string {
	return time.Since(a.startTime).Truncate(time.Second).String()
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status:        "ok",
		Uptime:        a.uptime(),
		PipelineStats: a.Pipeline.Stats(),
	}
	if a.Upstream != nil {
		stats := a.Upstream.Stats()
		resp.Upstream = &stats
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleBlocklist(w http.ResponseWriter, _ *http.Request) {
	entries := a.Pipeline.Filter.Blocklist().Entries()
	a.writeJSON(w, http.StatusOK, listResponse(entries))
}

func (a *AdminAPI) handleWords(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, listResponse(a.Pipeline.words().Words()))
}

func listResponse(entries []string) ListResponse {
	if entries == nil {
		entries = []string{}
	}
	return ListResponse{Count: len(entries), Entries: entries}
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.ReloadFunc == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	if err := a.ReloadFunc(r.Context()); err != nil {
		a.Logger.Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("lists reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminAPI) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Uptime: a.uptime()})
}

func (a *AdminAPI) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	var failures []string
	if !a.ready.Load() {
		failures = append(failures, "proxy not yet ready")
	}
	for _, check := range a.ReadinessChecks {
		if err := check(); err != nil {
			failures = append(failures, err.Error())
		}
	}

	if len(failures) > 0 {
		a.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "not ready",
			Uptime:  a.uptime(),
			Details: failures,
		})
		return
	}
	a.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Uptime: a.uptime()})
}

// handleBlockPage previews the block page for ?domain=.
func (a *AdminAPI) handleBlockPage(w http.ResponseWriter, r *http.Request) {
	a.Pipeline.Filter.blockPage.ServeHTTP(w, r)
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}

// ActivityLogReady reports whether the activity log file is open.
func ActivityLogReady(al *ActivityLogger) ReadinessCheck {
	return func() error {
		if al == nil || al.File() == nil {
			return errors.New("activity log not open")
		}
		if err := al.File().Check(); err != nil {
			return fmt.Errorf("activity log: %w", err)
		}
		return nil
	}
}
