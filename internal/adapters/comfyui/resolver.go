package comfyui

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/manthysbr/comfylink/internal/core/domain"
)

// sniffLimit bounds how much of a probe response is read.
const sniffLimit = 512

// resolver detects which API path prefix the server answers on. Some
// deployments serve the API at the root, others behind "/api" with the web
// UI answering everything else with an HTML page.
type resolver struct {
	logger     *slog.Logger
	client     *http.Client
	baseURL    string
	probePath  string
	candidates []string
	timeout    time.Duration

	done   chan struct{}
	prefix string
	err    error
}

func newResolver(logger *slog.Logger, client *http.Client, baseURL, probePath string, candidates []string, timeout time.Duration) *resolver {
	return &resolver{
		logger:     logger,
		client:     client,
		baseURL:    baseURL,
		probePath:  probePath,
		candidates: candidates,
		timeout:    timeout,
		done:       make(chan struct{}),
	}
}

// run probes each candidate in order. It must be called exactly once.
func (r *resolver) run(ctx context.Context) {
	defer close(r.done)

	for _, prefix := range r.candidates {
		if r.probe(ctx, prefix) {
			r.prefix = prefix
			r.logger.Info("api prefix detected", "base_url", r.baseURL, "prefix", prefix)
			return
		}
	}

	tried := make([]string, 0, len(r.candidates))
	for _, prefix := range r.candidates {
		tried = append(tried, r.baseURL+prefix+r.probePath)
	}
	r.err = &domain.ResolutionError{BaseURL: r.baseURL, Tried: tried}
	r.prefix = ""
	r.logger.Warn("could not auto-detect api prefix, proceeding without it", "error", r.err)
}

func (r *resolver) probe(ctx context.Context, prefix string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	url := r.baseURL + prefix + r.probePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("api probe failed", "url", url, "error", err)
		return false
	}
	defer resp.Body.Close()

	head, err := io.ReadAll(io.LimitReader(resp.Body, sniffLimit))
	if err != nil {
		return false
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300 && !looksLikeHTML(head)
	r.logger.Debug("api probe", "url", url, "status", resp.StatusCode, "accepted", ok)
	return ok
}

// wait blocks until detection has concluded.
func (r *resolver) wait(ctx context.Context) (string, error) {
	select {
	case <-r.done:
		return r.prefix, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// looksLikeHTML reports whether a response body is an HTML document, which
// is what SPA fallbacks serve for unknown paths.
func looksLikeHTML(body []byte) bool {
	head := strings.TrimSpace(string(body))
	if len(head) > 32 {
		head = head[:32]
	}
	head = strings.ToLower(head)
	return strings.HasPrefix(head, "<!doctype") || strings.HasPrefix(head, "<html")
}
