// ABOUTME: chi REST facade over the conductor: run lifecycle, approvals, event
// ABOUTME: streaming, reports, graphs, catalog listing, and health.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389-research/drover/conductor"
	"github.com/2389-research/drover/executor"
	"github.com/2389-research/drover/pipeline"
	"github.com/2389-research/drover/render"
)

// graphCacheTTL bounds how long rendered graphs are reused. Dashboards poll
// run graphs, so even a short TTL spares most graphviz invocations.
const graphCacheTTL = 30 * time.Second

// Orchestrator is the slice of the conductor runner the API drives. The
// production implementation is *conductor.Runner.
type Orchestrator interface {
	QueueRun(ctx context.Context, pipelineID, task string, inputs map[string]string, scenario string) (conductor.Run, error)
	Stop(runID string) error
	Pause(runID string) error
	Resume(runID string) error
	ResolveApproval(runID, approvalID string, decision conductor.ApprovalStatus, note string) (conductor.Run, error)
}

// RunCounter supplies aggregate run counts for the health payload. The
// SQLite run index implements it; leaving it nil omits the counts.
type RunCounter interface {
	RunCounts(ctx context.Context) (map[string]int, error)
}

// Config holds the collaborators the server exposes over HTTP.
type Config struct {
	Addr      string // listen address (default: "127.0.0.1:4334")
	Runner    Orchestrator
	Runs      conductor.RunStore
	Catalog   conductor.Catalog
	Counts    RunCounter              // optional
	Providers executor.ProviderStatus // startup detection snapshot for /api/health
}

// Server serves the drover REST API.
type Server struct {
	runner    Orchestrator
	runs      conductor.RunStore
	catalog   conductor.Catalog
	counts    RunCounter
	providers executor.ProviderStatus
	graphs    *render.RenderCache
	router    chi.Router
	addr      string
}

// NewServer creates a Server over the given collaborators and sets up routing.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("Runner must not be nil")
	}
	if cfg.Runs == nil {
		return nil, fmt.Errorf("Runs must not be nil")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("Catalog must not be nil")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:4334"
	}

	s := &Server{
		runner:    cfg.Runner,
		runs:      cfg.Runs,
		catalog:   cfg.Catalog,
		counts:    cfg.Counts,
		providers: cfg.Providers,
		graphs:    render.NewRenderCache(render.Render, graphCacheTTL),
		addr:      cfg.Addr,
	}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks serving HTTP until ctx is cancelled or the listener
// fails. Write timeout is generous because SSE streams stay open for the
// life of a run. Cancellation closes the server and returns nil.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/pipelines", s.handlePipelineList)
		r.Get("/pipelines/{pipelineID}/graph", s.handlePipelineGraph)

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleRunCreate)
			r.Get("/", s.handleRunList)

			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleRunGet)
				r.Post("/stop", s.handleRunStop)
				r.Post("/pause", s.handleRunPause)
				r.Post("/resume", s.handleRunResume)
				r.Post("/approvals/{approvalID}", s.handleApprovalResolve)
				r.Get("/events", s.handleRunEvents)
				r.Get("/report", s.handleRunReport)
				r.Get("/graph", s.handleRunGraph)
			})
		})
	})

	return r
}

// handleHealth reports provider availability, run counts from the index, and
// whether graphviz rendering is on the PATH.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"providers": s.providers,
		"graphviz":  render.GraphvizAvailable(),
	}
	if s.counts != nil {
		counts, err := s.counts.RunCounts(r.Context())
		if err != nil {
			log.Printf("component=web action=run_counts_error error=%v", err)
		} else {
			resp["runs"] = counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// pipelineSummary is the catalog listing shape. Definitions stay on disk and
// in SQLite; the API lists what is runnable, not the full YAML.
type pipelineSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Version   int    `json:"version,omitempty"`
	Steps     int    `json:"steps"`
	Gates     int    `json:"gates"`
	Scheduled bool   `json:"scheduled"`
	Cron      string `json:"cron,omitempty"`
}

func summarizePipeline(p *pipeline.Pipeline) pipelineSummary {
	sum := pipelineSummary{
		ID:      p.ID,
		Name:    p.Name,
		Version: p.Version,
		Steps:   len(p.Steps),
		Gates:   len(p.Gates),
	}
	if p.Schedule != nil && p.Schedule.Enabled {
		sum.Scheduled = true
		sum.Cron = p.Schedule.Cron
	}
	return sum
}

func (s *Server) handlePipelineList(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.catalog.Pipelines(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	summaries := make([]pipelineSummary, 0, len(pipelines))
	for _, p := range pipelines {
		summaries = append(summaries, summarizePipeline(p))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handlePipelineGraph(w http.ResponseWriter, r *http.Request) {
	format, ok := graphFormat(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "format must be dot, svg, or png"})
		return
	}

	p, err := s.catalog.Pipeline(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.serveGraph(w, r, render.PipelineDOT(p), format)
}

// serveGraph renders DOT text through the cache and writes it with the
// format's content type.
func (s *Server) serveGraph(w http.ResponseWriter, r *http.Request, dot string, format string) {
	data, err := s.graphs.Render(r.Context(), dot, format)
	if err != nil {
		log.Printf("component=web action=graph_render_error format=%s error=%v", format, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", graphContentType(format))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Printf("component=web action=graph_write_error error=%v", err)
	}
}

// graphFormat reads the format query parameter, defaulting to dot.
func graphFormat(r *http.Request) (string, bool) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "dot"
	}
	switch format {
	case "dot", "svg", "png":
		return format, true
	default:
		return "", false
	}
}

func graphContentType(format string) string {
	switch format {
	case "svg":
		return "image/svg+xml"
	case "png":
		return "image/png"
	default:
		return "text/vnd.graphviz; charset=utf-8"
	}
}

// writeDomainError maps conductor errors onto HTTP statuses: 404 for missing
// records, 409 for rejected transitions, and 422 (with the failed checks
// listed) for preflight failures.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var pf *conductor.PreflightError
	var tr *conductor.TransitionError

	switch {
	case errors.As(err, &pf):
		checks := make([]map[string]string, 0, len(pf.Result.Failed))
		for _, f := range pf.Result.Failed {
			checks = append(checks, map[string]string{"name": f.Name, "reason": f.Reason})
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "preflight failed",
			"checks": checks,
		})
	case errors.As(err, &tr):
		writeJSON(w, http.StatusConflict, map[string]string{"error": tr.Error()})
	case errors.Is(err, conductor.ErrRunTerminal):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, conductor.ErrRunNotFound),
		errors.Is(err, conductor.ErrPipelineNotFound),
		errors.Is(err, conductor.ErrApprovalNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("component=web action=encode_error error=%v", err)
	}
}
