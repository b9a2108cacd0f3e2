package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/manthysbr/comfylink/internal/core/domain"
	"github.com/manthysbr/comfylink/internal/core/services"
)

// handleRunSSE streams status and progress events of one run. The current
// status is sent first; the stream ends once the run reaches a terminal
// status or the client goes away.
// GET /v1/runs/{id}/events
func (s *Server) handleRunSSE(w http.ResponseWriter, r *http.Request) {
	id := domain.RunID(chi.URLParam(r, "id"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the snapshot so no transition falls between.
	ch, unsub := s.eventBus.Subscribe(string(id))
	defer unsub()

	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	startSSE(w, flusher)
	writeSSE(w, flusher, services.NewEvent(string(id), services.EventTypeStatus, map[string]any{"status": run.Status}))
	if run.Status.Terminal() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, flusher, evt)
			if isTerminalStatus(evt) {
				return
			}
		}
	}
}

// handleBroadcastSSE streams every event, including connection state
// changes that belong to no run.
// GET /v1/events
func (s *Server) handleBroadcastSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, unsub := s.eventBus.SubscribeGlobal()
	defer unsub()

	startSSE(w, flusher)
	state, _ := s.runs.ConnectionState()
	writeSSE(w, flusher, services.NewEvent("", services.EventTypeConnection, map[string]any{"state": state}))

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, flusher, evt)
		}
	}
}

func startSSE(w http.ResponseWriter, flusher http.Flusher) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, evt services.Event) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
	flusher.Flush()
}

func isTerminalStatus(evt services.Event) bool {
	if evt.Type != services.EventTypeStatus {
		return false
	}
	var payload struct {
		Status domain.RunStatus `json:"status"`
	}
	if err := json.Unmarshal([]byte(evt.Data), &payload); err != nil {
		return false
	}
	return payload.Status.Terminal()
}
