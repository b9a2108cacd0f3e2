package comfyui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/manthysbr/comfylink/internal/core/domain"
	"github.com/manthysbr/comfylink/internal/core/ports"
)

const (
	DefaultReconnectDelay       = time.Second
	DefaultProbePath            = "/object_info"
	DefaultProbeTimeout         = 10 * time.Second
	DefaultUploadPrefix         = "comfylink-"
	DefaultMaxConcurrentUploads = 4
)

// DefaultPrefixes are the API path conventions probed, in order.
var DefaultPrefixes = []string{"", "/api"}

var errAborted = errors.New("aborted")

// Options tunes a Client. The zero value is usable.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	// ReconnectDelay is the fixed pause between a dropped connection and the
	// next dial. No backoff growth is applied.
	ReconnectDelay time.Duration
	// MaxReconnects bounds consecutive failed reconnects; 0 retries forever.
	MaxReconnects int

	ProbePath    string
	Prefixes     []string
	ProbeTimeout time.Duration

	UploadPrefix         string
	MaxConcurrentUploads int64

	// OnStateChange observes connection state transitions. It runs on the
	// connection goroutine and must not block.
	OnStateChange func(domain.ConnState)
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ProbePath == "" {
		o.ProbePath = DefaultProbePath
	}
	if len(o.Prefixes) == 0 {
		o.Prefixes = DefaultPrefixes
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.UploadPrefix == "" {
		o.UploadPrefix = DefaultUploadPrefix
	}
	if o.MaxConcurrentUploads <= 0 {
		o.MaxConcurrentUploads = DefaultMaxConcurrentUploads
	}
}

var _ ports.Inference = (*Client)(nil)

// Client is a session with one inference server: a streaming connection,
// its session identity, the upload queue and the set of running jobs.
type Client struct {
	logger   *slog.Logger
	http     *http.Client
	opts     Options
	baseURL  string
	wsURL    string
	resolver *resolver
	uploads  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// connDone is closed when the connection loop exits for good.
	connDone chan struct{}

	// dispatchMu serializes event dispatch with job registration so that no
	// event for a freshly submitted job is handled before its record exists.
	dispatchMu sync.Mutex

	mu             sync.Mutex
	closed         bool
	connErr        error
	conn           *websocket.Conn
	state          domain.ConnState
	sid            string
	sessionReady   *gate
	pending        map[string]struct{}
	uploadsDrained *gate
	jobs           map[domain.PromptID]*runningJob
	current        domain.PromptID
}

// New creates a client for the server at baseURL and starts API prefix
// detection and the streaming connection in the background.
func New(baseURL string, opts Options) (*Client, error) {
	base, wsURL, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		logger:         opts.Logger.With("component", "comfyui", "base_url", base),
		http:           opts.HTTPClient,
		opts:           opts,
		baseURL:        base,
		wsURL:          wsURL,
		uploads:        semaphore.NewWeighted(opts.MaxConcurrentUploads),
		ctx:            ctx,
		cancel:         cancel,
		connDone:       make(chan struct{}),
		state:          domain.ConnStateConnecting,
		sessionReady:   newGate(false),
		pending:        make(map[string]struct{}),
		uploadsDrained: newGate(true),
		jobs:           make(map[domain.PromptID]*runningJob),
	}
	c.resolver = newResolver(c.logger, c.http, base, opts.ProbePath, opts.Prefixes, opts.ProbeTimeout)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.resolver.run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		defer close(c.connDone)
		c.connectLoop(ctx)
	}()

	return c, nil
}

// parseBaseURL normalizes the HTTP base and derives the WebSocket endpoint
// from its host.
func parseBaseURL(raw string) (base string, ws string, err error) {
	base = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(base)
	if err != nil {
		return "", "", fmt.Errorf("invalid base url %q: %w", raw, err)
	}
	var scheme string
	switch u.Scheme {
	case "http":
		scheme = "ws"
	case "https":
		scheme = "wss"
	default:
		return "", "", fmt.Errorf("invalid base url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid base url %q: missing host", raw)
	}
	return base, scheme + "://" + u.Host + "/ws", nil
}

// BaseURL returns the normalized server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// State returns the current connection state.
func (c *Client) State() domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session identity of the live connection, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Prefix waits for API prefix detection and returns the result.
func (c *Client) Prefix(ctx context.Context) (string, error) {
	return c.resolver.wait(ctx)
}

// ResolutionErr reports whether prefix detection fell back to the default.
// It returns nil while detection is still running.
func (c *Client) ResolutionErr() error {
	select {
	case <-c.resolver.done:
		return c.resolver.err
	default:
		return nil
	}
}

// Running returns the number of jobs awaiting a terminal event.
func (c *Client) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Close stops the connection, waits for background work and rejects every
// outstanding job with domain.ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()

	c.failAll(domain.ErrClientClosed)
	c.setState(domain.ConnStateClosed)
	return nil
}

// endpoint joins the resolved prefix and path onto the base URL.
func (c *Client) endpoint(ctx context.Context, path string) (string, error) {
	prefix, err := c.resolver.wait(ctx)
	if err != nil {
		return "", err
	}
	return c.baseURL + prefix + path, nil
}

// terminalErr maps errAborted to the reason the client stopped.
func (c *Client) terminalErr(err error) error {
	if !errors.Is(err, errAborted) {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connErr != nil {
		return c.connErr
	}
	return domain.ErrClientClosed
}

func (c *Client) setState(s domain.ConnState) {
	if notify := c.changeState(s); notify != nil {
		notify()
	}
}

// changeState records s and returns the OnStateChange call to make once no
// client lock is held, or nil if nothing changed.
func (c *Client) changeState(s domain.ConnState) func() {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return nil
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("connection state changed", "state", s)
	if c.opts.OnStateChange == nil {
		return nil
	}
	return func() { c.opts.OnStateChange(s) }
}

// spawn runs fn in a tracked goroutine unless the client is closing.
func (c *Client) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}
