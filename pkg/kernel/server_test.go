package kernel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/comfylink/internal/adapters/duckdb"
	"github.com/manthysbr/comfylink/internal/core/domain"
	"github.com/manthysbr/comfylink/internal/core/services"
)

// stubInference holds every run until gate is closed, then reports one
// progress event and a single output.
type stubInference struct {
	gate chan struct{}

	mu      sync.Mutex
	uploads map[string][]byte
}

func newStubInference() *stubInference {
	return &stubInference{gate: make(chan struct{}), uploads: make(map[string][]byte)}
}

func (s *stubInference) Run(ctx context.Context, job domain.Job, onSubmitted func(domain.PromptID), onProgress func(domain.Progress)) ([]domain.OutputAsset, error) {
	onSubmitted("prompt-1")
	select {
	case <-s.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	onProgress(domain.Progress{PromptID: "prompt-1", Node: "3", Value: 1, Max: 1})
	return []domain.OutputAsset{{Node: "9", Filename: "out.png", Type: "output", URL: "http://comfy/view?filename=out.png"}}, nil
}

func (s *stubInference) Upload(data []byte, ext string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := "upload-" + ext
	s.uploads[name] = data
	return name
}

func (s *stubInference) PendingUploads() int { return 3 }

func (s *stubInference) Fetch(ctx context.Context, asset domain.OutputAsset) ([]byte, string, error) {
	return nil, "", io.EOF
}

func (s *stubInference) State() domain.ConnState { return domain.ConnStateReady }

func (s *stubInference) release() { close(s.gate) }

type testEnv struct {
	inf     *stubInference
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	repo, err := duckdb.NewRepository("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	inf := newStubInference()
	bus := services.NewEventBus(logger)
	scheduler := services.NewJobScheduler(logger, services.SchedulerConfig{MaxConcurrentRuns: 2})
	runs := services.NewRunService(logger, inf, repo, nil, bus, scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	runs.Start(ctx)
	t.Cleanup(func() {
		cancel()
		runs.Wait()
	})

	return &testEnv{inf: inf, handler: NewServer(logger, runs, bus).Handler()}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createRun(t *testing.T) domain.RunID {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/runs", `{"workflow": {"9": {"class_type": "SaveImage", "inputs": {}}}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp runResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	assert.Equal(t, domain.RunStatusPending, resp.Status)
	return resp.ID
}

func (e *testEnv) getRun(t *testing.T, id domain.RunID) domain.Run {
	t.Helper()
	w := e.do(t, http.MethodGet, "/v1/runs/"+string(id), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var run domain.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	return run
}

func (e *testEnv) waitStatus(t *testing.T, id domain.RunID, want domain.RunStatus) domain.Run {
	t.Helper()
	var run domain.Run
	require.Eventually(t, func() bool {
		run = e.getRun(t, id)
		return run.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestServer_SubmitAndGet(t *testing.T) {
	env := newTestEnv(t)
	env.inf.release()

	id := env.createRun(t)
	run := env.waitStatus(t, id, domain.RunStatusCompleted)

	assert.Equal(t, domain.PromptID("prompt-1"), run.PromptID)
	require.Len(t, run.Outputs, 1)
	assert.Equal(t, "out.png", run.Outputs[0].Filename)
	assert.NotNil(t, run.CompletedAt)
}

func TestServer_CreateRunRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/runs", `{"workflow": {}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "workflow is empty")

	w = env.do(t, http.MethodPost, "/v1/runs", `{"workflow": `)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_GetUnknownRun(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/v1/runs/missing/events", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ListRuns(t *testing.T) {
	env := newTestEnv(t)
	env.inf.release()
	env.createRun(t)
	env.createRun(t)

	w := env.do(t, http.MethodGet, "/v1/runs?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Runs  []domain.Run `json:"runs"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Runs, 2)

	w = env.do(t, http.MethodGet, "/v1/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_CancelRun(t *testing.T) {
	env := newTestEnv(t)

	id := env.createRun(t)
	env.waitStatus(t, id, domain.RunStatusRunning)

	w := env.do(t, http.MethodPost, "/v1/runs/"+string(id)+"/cancel", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	run := env.waitStatus(t, id, domain.RunStatusCancelled)
	require.NotNil(t, run.Error)

	// finished runs are no longer cancellable
	w = env.do(t, http.MethodPost, "/v1/runs/"+string(id)+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_Upload(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "mask.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("png-bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "upload-.png", resp["name"])

	env.inf.mu.Lock()
	assert.Equal(t, []byte("png-bytes"), env.inf.uploads["upload-.png"])
	env.inf.mu.Unlock()
}

func TestServer_UploadRequiresImage(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", strings.NewReader("nope"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ConnectionAndHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/v1/connection", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"state": "ready", "pending_uploads": 3}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

type sseEvent struct {
	Type string
	Data string
}

func readEvent(t *testing.T, r *bufio.Reader) (sseEvent, error) {
	t.Helper()
	var evt sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return evt, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return evt, nil
		case strings.HasPrefix(line, "event: "):
			evt.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			evt.Data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func statusOf(t *testing.T, evt sseEvent) domain.RunStatus {
	t.Helper()
	var payload struct {
		Status domain.RunStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(evt.Data), &payload))
	return payload.Status
}

func TestServer_RunEventStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	id := env.createRun(t)

	resp, err := http.Get(srv.URL + "/v1/runs/" + string(id) + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first, err := readEvent(t, reader)
	require.NoError(t, err)
	assert.Equal(t, "status", first.Type)
	assert.False(t, statusOf(t, first).Terminal())

	env.inf.release()

	var types []string
	var last sseEvent
	for {
		evt, err := readEvent(t, reader)
		require.NoError(t, err)
		types = append(types, evt.Type)
		last = evt
		if evt.Type == "status" && statusOf(t, evt).Terminal() {
			break
		}
	}
	assert.Contains(t, types, "progress")
	assert.Equal(t, domain.RunStatusCompleted, statusOf(t, last))

	// the stream ends after the terminal status
	_, err = readEvent(t, reader)
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_FinishedRunStreamEndsImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.inf.release()
	id := env.createRun(t)
	env.waitStatus(t, id, domain.RunStatusCompleted)

	w := env.do(t, http.MethodGet, "/v1/runs/"+string(id)+"/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, strings.Count(w.Body.String(), "event: status"))
	assert.Contains(t, w.Body.String(), `"COMPLETED"`)
}
