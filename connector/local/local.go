// Package local implements the user-local connector: each user may supply
// their own OpenAI-compatible inference endpoint (e.g. an Ollama server),
// cached per user id with idle eviction.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/studyloop/modelgate"
	"github.com/studyloop/modelgate/connector/hosted"
)

const defaultIdleTTL = time.Hour

// Pool is a modelgate.Connector multiplexing per-user local endpoints.
// Entries not used within the idle window are evicted and their transport
// connections released.
type Pool struct {
	name       string
	defaultURL string
	idleTTL    time.Duration
	log        *slog.Logger
	now        func() time.Time
	httpClient *http.Client

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	conn     *hosted.Connector
	endpoint string
	lastUsed time.Time
}

var (
	_ modelgate.Connector           = (*Pool)(nil)
	_ modelgate.UserEndpointUpdater = (*Pool)(nil)
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithIdleTTL overrides the idle eviction window (default 1h).
func WithIdleTTL(ttl time.Duration) Option {
	return func(p *Pool) { p.idleTTL = ttl }
}

// WithNow overrides the pool's clock.
func WithNow(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithHTTPClient sets the HTTP client used for per-user transports.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pool) { p.httpClient = c }
}

// New creates a Pool. defaultURL may be empty; users without their own
// endpoint then have no local backend.
func New(defaultURL string, opts ...Option) *Pool {
	p := &Pool{
		name:       "local",
		defaultURL: defaultURL,
		idleTTL:    defaultIdleTTL,
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

func (p *Pool) Name() string { return p.name }

// Probe checks the default endpoint. Per-user endpoints are probed when
// they are registered via SetUserEndpoint.
func (p *Pool) Probe(ctx context.Context) (modelgate.ProbeResult, error) {
	if p.defaultURL == "" {
		p.mu.Lock()
		n := len(p.entries)
		p.mu.Unlock()
		if n > 0 {
			return modelgate.ProbeResult{Available: true, Details: fmt.Sprintf("%d user endpoint(s) registered", n)}, nil
		}
		return modelgate.ProbeResult{Available: false, Details: "no local endpoint configured"}, nil
	}

	e := p.getOrCreate("", p.defaultURL)
	return e.conn.Probe(ctx)
}

// Generate resolves the caller's cached connector (or the default endpoint)
// and delegates to it.
func (p *Pool) Generate(ctx context.Context, req modelgate.GenerateRequest) (modelgate.GenerateResult, error) {
	e := p.lookup(req.UserID)
	if e == nil {
		if p.defaultURL == "" {
			return modelgate.GenerateResult{}, fmt.Errorf("%w: no local endpoint for user %q", modelgate.ErrBackendUnavailable, req.UserID)
		}
		e = p.getOrCreate(req.UserID, p.defaultURL)
	}

	p.touch(req.UserID)
	return e.conn.Generate(ctx, req)
}

// SetUserEndpoint stores a per-user endpoint, probes it, and returns the
// probe result. An existing entry for the user is replaced and its
// transport released.
func (p *Pool) SetUserEndpoint(ctx context.Context, userID, url string) (modelgate.ProbeResult, error) {
	if url == "" {
		return modelgate.ProbeResult{}, fmt.Errorf("%w: empty endpoint url", modelgate.ErrInvalidRequest)
	}

	conn := p.newClient(url)

	p.mu.Lock()
	if old, ok := p.entries[userID]; ok && old.endpoint != url {
		old.conn.CloseIdleConnections()
	}
	p.entries[userID] = &entry{conn: conn, endpoint: url, lastUsed: p.now()}
	p.mu.Unlock()

	res, err := conn.Probe(ctx)
	if err != nil {
		p.log.Warn("local endpoint probe failed", "user", userID, "url", url, "error", err)
		return res, nil
	}
	p.log.Info("local endpoint registered", "user", userID, "url", url, "available", res.Available)
	return res, nil
}

// Run sweeps idle entries until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	interval := p.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep evicts entries idle past the TTL.
func (p *Pool) Sweep() {
	cutoff := p.now().Add(-p.idleTTL)

	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			e.conn.CloseIdleConnections()
			delete(p.entries, userID)
			p.log.Debug("evicted idle local connector", "user", userID)
		}
	}
}

// Len returns the number of cached per-user entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close releases all cached transports.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, e := range p.entries {
		e.conn.CloseIdleConnections()
		delete(p.entries, userID)
	}
}

func (p *Pool) newClient(url string) *hosted.Connector {
	opts := []hosted.Option{}
	if p.httpClient != nil {
		opts = append(opts, hosted.WithHTTPClient(p.httpClient))
	}
	// Local inference servers speak the same chat-completions dialect,
	// just without an API key.
	return hosted.New(p.name, url, "", opts...)
}

func (p *Pool) lookup(userID string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[userID]
}

func (p *Pool) getOrCreate(userID, url string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[userID]; ok {
		return e
	}
	e := &entry{conn: p.newClient(url), endpoint: url, lastUsed: p.now()}
	p.entries[userID] = e
	return e
}

func (p *Pool) touch(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[userID]; ok {
		e.lastUsed = p.now()
	}
}
