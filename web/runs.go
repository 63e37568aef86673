// ABOUTME: Run endpoint handlers: queueing, listing, lifecycle operations,
// ABOUTME: approval resolution, report rendering, and the status graph.
package web

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/drover/conductor"
	"github.com/2389-research/drover/render"
)

// queueRunRequest is the POST /api/runs body.
type queueRunRequest struct {
	PipelineID string            `json:"pipelineId"`
	Task       string            `json:"task,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	Scenario   string            `json:"scenario,omitempty"`
}

// runSummary is the run index listing shape; full snapshots (steps, logs,
// approvals) come from the per-run endpoint.
type runSummary struct {
	ID           string              `json:"runId"`
	PipelineID   string              `json:"pipelineId"`
	PipelineName string              `json:"pipelineName,omitempty"`
	Status       conductor.RunStatus `json:"status"`
	Task         string              `json:"task,omitempty"`
	Error        string              `json:"error,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

func summarizeRun(run conductor.Run) runSummary {
	return runSummary{
		ID:           run.ID,
		PipelineID:   run.PipelineID,
		PipelineName: run.PipelineName,
		Status:       run.Status,
		Task:         run.Task,
		Error:        run.Error,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
	}
}

func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req queueRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.PipelineID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pipelineId is required"})
		return
	}

	run, err := s.runner.QueueRun(r.Context(), req.PipelineID, req.Task, req.Inputs, req.Scenario)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	log.Printf("component=web action=run_queued run_id=%s pipeline=%s", run.ID, run.PipelineID)
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.Runs()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	// Newest first. ULIDs order chronologically, so the id breaks ties.
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	summaries := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, summarizeRun(run))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Run(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, chi.URLParam(r, "runID"), s.runner.Stop)
}

func (s *Server) handleRunPause(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, chi.URLParam(r, "runID"), s.runner.Pause)
}

func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, chi.URLParam(r, "runID"), s.runner.Resume)
}

// lifecycleOp applies a runner operation and responds with the fresh run
// snapshot so clients see the resulting status without a second request.
func (s *Server) lifecycleOp(w http.ResponseWriter, runID string, op func(string) error) {
	if err := op(runID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	run, err := s.runs.Run(runID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	approvalID := chi.URLParam(r, "approvalID")

	var req struct {
		Decision string `json:"decision"`
		Note     string `json:"note,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	var decision conductor.ApprovalStatus
	switch req.Decision {
	case string(conductor.ApprovalApproved):
		decision = conductor.ApprovalApproved
	case string(conductor.ApprovalRejected):
		decision = conductor.ApprovalRejected
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decision must be approved or rejected"})
		return
	}

	run, err := s.runner.ResolveApproval(runID, approvalID, decision, req.Note)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	log.Printf("component=web action=approval_resolved run_id=%s approval=%s decision=%s", runID, approvalID, decision)
	writeJSON(w, http.StatusOK, run)
}

// handleRunReport serves the run report as HTML by default; format=markdown
// returns the raw markdown.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Run(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	md := render.RunReport(run)

	switch r.URL.Query().Get("format") {
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(md)); err != nil {
			log.Printf("component=web action=report_write_error error=%v", err)
		}
	default:
		html, err := render.HTML(md)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(html); err != nil {
			log.Printf("component=web action=report_write_error error=%v", err)
		}
	}
}

// handleRunGraph serves the pipeline graph with the run's step statuses
// overlaid as node colors.
func (s *Server) handleRunGraph(w http.ResponseWriter, r *http.Request) {
	format, ok := graphFormat(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "format must be dot, svg, or png"})
		return
	}

	run, err := s.runs.Run(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	p, err := s.catalog.Pipeline(r.Context(), run.PipelineID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.serveGraph(w, r, render.RunDOT(p, run), format)
}
