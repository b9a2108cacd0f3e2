// Package kernel exposes the run service over HTTP: run submission and
// lookup, live run events over SSE, input uploads and connection state.
package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/manthysbr/comfylink/internal/core/domain"
	"github.com/manthysbr/comfylink/internal/core/services"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxUploadSize    = 32 << 20
)

type Server struct {
	logger   *slog.Logger
	runs     *services.RunService
	eventBus *services.EventBus
}

func NewServer(logger *slog.Logger, runs *services.RunService, eventBus *services.EventBus) *Server {
	return &Server{
		logger:   logger,
		runs:     runs,
		eventBus: eventBus,
	}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/connection", s.handleConnection)
		r.Get("/events", s.handleBroadcastSSE)
		r.Post("/uploads", s.handleUpload)

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleCreateRun)
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
			r.Post("/{id}/cancel", s.handleCancelRun)
			r.Get("/{id}/events", s.handleRunSSE)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type createRunRequest struct {
	Workflow domain.Job `json:"workflow"`
}

type runResponse struct {
	ID     domain.RunID     `json:"id"`
	Status domain.RunStatus `json:"status"`
}

// handleCreateRun journals and schedules a workflow.
// POST /v1/runs
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	run, err := s.runs.Enqueue(r.Context(), req.Workflow)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{ID: run.ID, Status: run.Status})
}

// handleListRuns returns the most recent runs.
// GET /v1/runs?limit=50
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// GET /v1/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), domain.RunID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun stops a running run. Runs that are not executing right
// now cannot be cancelled.
// POST /v1/runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := domain.RunID(chi.URLParam(r, "id"))
	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if run.Status.Terminal() || !s.runs.Cancel(id) {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s is %s", id, run.Status))
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{ID: id, Status: run.Status})
}

// handleUpload queues an input image on the inference server and returns
// the name a workflow can reference it by.
// POST /v1/uploads (multipart, field "image")
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image file: "+err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read image: "+err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "image is empty")
		return
	}

	name := s.runs.Upload(data, filepath.Ext(header.Filename))
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

// GET /v1/connection
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	state, pending := s.runs.ConnectionState()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":           state,
		"pending_uploads": pending,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps run service errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrEmptyWorkflow):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
