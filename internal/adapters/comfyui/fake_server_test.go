package comfyui

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/comfylink/internal/core/domain"
)

// fakeServer mimics the parts of a ComfyUI server the client talks to.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// prefix is the path prefix the API answers on. With htmlRoot set,
	// unprefixed paths get the web UI's HTML page instead of a 404.
	prefix    string
	htmlRoot  bool
	failProbe bool

	// withholdStatus keeps the server from sending the session event.
	withholdStatus bool

	conns chan *fakeConn

	mu            sync.Mutex
	refuseWS      bool
	live          []*fakeConn
	dials         int
	prompts       []promptRequest
	promptIDs     []string
	promptStatus  int
	promptBody    string
	onPrompt      func(id string)
	uploads       []uploadRecord
	uploadStatus  int
	uploadRelease chan struct{}
	history       map[string]historyEntry
	historyStatus int
	paths         []string
	order         []string
}

type uploadRecord struct {
	Filename    string
	ContentType string
	Type        string
	Size        int
}

type fakeConn struct {
	ws  *websocket.Conn
	sid string
	mu  sync.Mutex
}

func newFakeServer(t *testing.T, configure ...func(*fakeServer)) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:       t,
		conns:   make(chan *fakeConn, 16),
		history: make(map[string]historyEntry),
	}
	for _, fn := range configure {
		fn(f)
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(func() {
		f.dropAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeServer) URL() string { return f.srv.URL }

func (f *fakeServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws" {
		f.serveWS(w, r)
		return
	}

	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.mu.Unlock()

	path := r.URL.Path
	if f.prefix != "" {
		if !strings.HasPrefix(path, f.prefix+"/") {
			if f.htmlRoot {
				w.Header().Set("Content-Type", "text/html")
				_, _ = io.WriteString(w, "<!DOCTYPE html><html><body>ComfyUI</body></html>")
				return
			}
			http.NotFound(w, r)
			return
		}
		path = strings.TrimPrefix(path, f.prefix)
	}

	switch {
	case path == "/object_info":
		if f.failProbe {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"KSampler": map[string]any{}})
	case path == "/prompt" && r.Method == http.MethodPost:
		f.servePrompt(w, r)
	case path == "/upload/image" && r.Method == http.MethodPost:
		f.serveUpload(w, r)
	case strings.HasPrefix(path, "/history/"):
		f.serveHistory(w, strings.TrimPrefix(path, "/history/"))
	case path == "/view":
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "view:"+r.URL.Query().Get("filename"))
	case path == "/system_stats":
		writeJSON(w, http.StatusOK, map[string]any{
			"system":  map[string]any{"os": "posix", "comfyui_version": "0.3.10"},
			"devices": []map[string]any{{"name": "cuda:0", "type": "cuda", "vram_total": 8 << 30, "vram_free": 4 << 30}},
		})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeServer) serveWS(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if f.refuseWS {
		f.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	f.dials++
	sid := fmt.Sprintf("sid-%d", f.dials)
	f.mu.Unlock()

	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &fakeConn{ws: ws, sid: sid}

	f.mu.Lock()
	f.live = append(f.live, conn)
	f.mu.Unlock()

	if !f.withholdStatus {
		f.sendStatus(conn, sid)
	}
	f.conns <- conn

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *fakeServer) servePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.prompts = append(f.prompts, req)
	f.order = append(f.order, "prompt")
	status, body := f.promptStatus, f.promptBody
	id := fmt.Sprintf("prompt-%d", len(f.prompts))
	if status == 0 {
		f.promptIDs = append(f.promptIDs, id)
	}
	number := len(f.promptIDs)
	hook := f.onPrompt
	f.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}
	if hook != nil {
		hook(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompt_id": id, "number": number, "node_errors": map[string]any{}})
}

func (f *fakeServer) serveUpload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	release := f.uploadRelease
	status := f.uploadStatus
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	f.mu.Lock()
	f.uploads = append(f.uploads, uploadRecord{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Type:        r.FormValue("type"),
		Size:        len(data),
	})
	f.order = append(f.order, "upload:"+header.Filename)
	f.mu.Unlock()

	if status != 0 {
		http.Error(w, "upload rejected", status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": header.Filename, "subfolder": "", "type": "input"})
}

func (f *fakeServer) serveHistory(w http.ResponseWriter, id string) {
	f.mu.Lock()
	status := f.historyStatus
	entry, ok := f.history[id]
	f.mu.Unlock()

	if status != 0 {
		http.Error(w, "history unavailable", status)
		return
	}
	if !ok {
		entry = historyEntry{Outputs: map[domain.NodeID]historyNodeOutput{}}
	}
	writeJSON(w, http.StatusOK, map[string]historyEntry{id: entry})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// nextConn waits for the next accepted streaming connection.
func (f *fakeServer) nextConn() *fakeConn {
	f.t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

func (f *fakeServer) sendStatus(conn *fakeConn, sid string) {
	f.send(conn, msgStatus, map[string]any{
		"sid":    sid,
		"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 0}},
	})
}

func (f *fakeServer) send(conn *fakeConn, typ string, data any) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	_ = conn.ws.WriteJSON(map[string]any{"type": typ, "data": data})
}

func (f *fakeServer) sendBinary(conn *fakeConn, format uint32, payload []byte) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	_ = conn.ws.WriteMessage(websocket.BinaryMessage, binaryFrame(format, payload))
}

func (f *fakeServer) dropAll() {
	f.mu.Lock()
	live := f.live
	f.live = nil
	f.mu.Unlock()
	for _, conn := range live {
		_ = conn.ws.Close()
	}
}

func (f *fakeServer) setHistory(id domain.PromptID, outputs map[domain.NodeID]historyNodeOutput) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[string(id)] = historyEntry{Outputs: outputs}
}

func (f *fakeServer) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeServer) prompt(i int) promptRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[i]
}

func (f *fakeServer) requested(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.paths {
		if p == path {
			n++
		}
	}
	return n
}

func (f *fakeServer) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func binaryFrame(format uint32, payload []byte) []byte {
	frame := make([]byte, binaryHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], 1)
	binary.BigEndian.PutUint32(frame[4:8], format)
	copy(frame[binaryHeaderSize:], payload)
	return frame
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// newTestClient connects a client to f and waits for its session.
func newTestClient(t *testing.T, f *fakeServer, opts Options) *Client {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 50 * time.Millisecond
	}
	c, err := New(f.URL(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testJob() domain.Job {
	return domain.Job{
		"3": map[string]any{"class_type": "KSampler", "inputs": map[string]any{"seed": 42}},
		"9": map[string]any{"class_type": "SaveImage", "inputs": map[string]any{"images": []any{"8", 0}}},
	}
}
