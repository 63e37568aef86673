// ABOUTME: SSE streaming of a run's event log: polls the store for new events,
// ABOUTME: supports Last-Event-ID resume, and closes once the run is terminal.
package web

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/drover/conductor"
)

// eventPollInterval paces the store polls backing each SSE stream. The store
// reads from an in-memory cache, so a short interval is cheap.
const eventPollInterval = 250 * time.Millisecond

// handleRunEvents streams the run's events as SSE. The event seq doubles as
// the SSE id, so a reconnecting client resumes from Last-Event-ID without
// replaying what it already saw.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.runs.Run(runID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	afterSeq := 0
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.Atoi(last); err == nil && n > 0 {
			afterSeq = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)

	for {
		events, err := s.runs.Events(runID, afterSeq)
		if err != nil {
			return
		}
		for _, ev := range events {
			writeSSE(w, ev)
			afterSeq = ev.Seq
		}
		if len(events) > 0 && canFlush {
			flusher.Flush()
		}

		run, err := s.runs.Run(runID)
		if err != nil {
			return
		}
		if run.Status.Terminal() {
			// Drain anything appended between the event read and the status
			// read, then tell the client the stream is complete.
			if tail, err := s.runs.Events(runID, afterSeq); err == nil {
				for _, ev := range tail {
					writeSSE(w, ev)
					afterSeq = ev.Seq
				}
			}
			fmt.Fprintf(w, "event: done\ndata: {\"status\":%q}\n\n", run.Status)
			if canFlush {
				flusher.Flush()
			}
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(eventPollInterval):
		}
	}
}

// writeSSE writes one event in SSE framing with the seq as the event id.
func writeSSE(w io.Writer, ev conductor.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("component=web action=sse_marshal_error run_id=%s seq=%d error=%v", ev.RunID, ev.Seq, err)
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
}
