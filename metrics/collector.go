package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

const (
	realtimeInterval = 5 * time.Second
	historyWindow    = 24 * time.Hour
	recentWindow     = 100
)

// Config configures a Collector.
type Config struct {
	// Interval is the snapshot persistence cadence.
	Interval time.Duration
	// RetentionDays bounds how long snapshot files are kept.
	RetentionDays int
	// LogDir is where snapshot files are written. Empty disables persistence.
	LogDir string
	// ArchivePath is an optional SQLite database recording per-request
	// model usage. Empty disables the archive.
	ArchivePath string
}

// ConnectorStats is the per-connector rollup.
type ConnectorStats struct {
	Total         int64     `json:"total"`
	Success       int64     `json:"success"`
	Failure       int64     `json:"failure"`
	AvgResponseMS float64   `json:"avg_response_ms"`
	LastUsed      time.Time `json:"last_used"`
}

// CategoryStats is the per-category rollup.
type CategoryStats struct {
	Count         int64   `json:"count"`
	Accurate      int64   `json:"accurate"`
	Checked       int64   `json:"checked"`
	ConfidenceSum float64 `json:"confidence_sum"`
}

type counters struct {
	RequestsTotal      int64   `json:"requests_total"`
	RequestsSucceeded  int64   `json:"requests_succeeded"`
	RequestsFailed     int64   `json:"requests_failed"`
	ResponseMSSum      float64 `json:"response_ms_sum"`
	RoutingTotal       int64   `json:"routing_total"`
	RoutingFallbacks   int64   `json:"routing_fallbacks"`
	RoutingMSSum       float64 `json:"routing_ms_sum"`
	Classifications    int64   `json:"classifications"`
	ClassifiedAccurate int64   `json:"classified_accurate"`
	ClassifiedChecked  int64   `json:"classified_checked"`
	ConfidenceSum      float64 `json:"confidence_sum"`
	UsageTotal         int64   `json:"usage_total"`
}

type recentRequest struct {
	at         time.Time
	responseMS float64
	success    bool
}

// Collector ingests metric events in arrival order under an internal lock.
// Derived aggregates always reflect a prefix of that order.
type Collector struct {
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	archive *Archive

	mu            sync.Mutex
	startTime     time.Time
	counters      counters
	perConnector  map[string]*ConnectorStats
	perCategory   map[string]*CategoryStats
	responseHist  []Sample
	heapHist      []Sample
	goroutineHist []Sample
	recent        []recentRequest
	realtime      Realtime

	hub *hub
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the collector's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.log = l }
}

// WithNow overrides the collector's clock.
func WithNow(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates a Collector. The archive is opened eagerly when
// configured so schema problems surface at startup.
func NewCollector(cfg Config, opts ...Option) (*Collector, error) {
	c := &Collector{
		cfg:          cfg,
		now:          time.Now,
		perConnector: make(map[string]*ConnectorStats),
		perCategory:  make(map[string]*CategoryStats),
		hub:          newHub(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.startTime = c.now()

	if cfg.ArchivePath != "" {
		a, err := OpenArchive(cfg.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("metrics: open archive: %w", err)
		}
		c.archive = a
	}

	return c, nil
}

// RecordRequest ingests a completed chat request.
func (c *Collector) RecordRequest(e RequestEvent) {
	now := c.now()

	c.mu.Lock()
	c.counters.RequestsTotal++
	if e.Success {
		c.counters.RequestsSucceeded++
	} else {
		c.counters.RequestsFailed++
	}
	c.counters.ResponseMSSum += e.ResponseMS

	cat := c.categoryStats(e.Category)
	cat.Count++

	c.responseHist = appendBounded(c.responseHist, Sample{Time: now, Value: e.ResponseMS}, now)
	c.recent = append(c.recent, recentRequest{at: now, responseMS: e.ResponseMS, success: e.Success})
	if len(c.recent) > recentWindow {
		c.recent = c.recent[len(c.recent)-recentWindow:]
	}
	c.mu.Unlock()

	c.hub.publish(Event{Kind: KindRequest, Time: now, Request: &e})
}

// RecordRouting ingests a routing decision outcome.
func (c *Collector) RecordRouting(e RoutingEvent) {
	now := c.now()

	c.mu.Lock()
	c.counters.RoutingTotal++
	if e.FallbackUsed {
		c.counters.RoutingFallbacks++
	}
	c.counters.RoutingMSSum += e.RoutingMS
	c.mu.Unlock()

	c.hub.publish(Event{Kind: KindRouting, Time: now, Routing: &e})
}

// RecordClassification ingests a classification outcome.
func (c *Collector) RecordClassification(e ClassificationEvent) {
	now := c.now()

	c.mu.Lock()
	c.counters.Classifications++
	c.counters.ConfidenceSum += e.Confidence
	cat := c.categoryStats(e.Category)
	cat.ConfidenceSum += e.Confidence
	if e.Accurate != nil {
		c.counters.ClassifiedChecked++
		cat.Checked++
		if *e.Accurate {
			c.counters.ClassifiedAccurate++
			cat.Accurate++
		}
	}
	c.mu.Unlock()

	c.hub.publish(Event{Kind: KindClassification, Time: now, Classification: &e})
}

// RecordModelUsage ingests a connector invocation.
func (c *Collector) RecordModelUsage(e ModelUsageEvent) {
	now := c.now()

	c.mu.Lock()
	c.counters.UsageTotal++
	cs, ok := c.perConnector[e.ConnectorID]
	if !ok {
		cs = &ConnectorStats{}
		c.perConnector[e.ConnectorID] = cs
	}
	cs.Total++
	if e.Success {
		cs.Success++
	} else {
		cs.Failure++
	}
	// Running mean keeps the rollup O(1) per event.
	cs.AvgResponseMS += (e.ResponseMS - cs.AvgResponseMS) / float64(cs.Total)
	cs.LastUsed = now
	c.mu.Unlock()

	if c.archive != nil {
		if err := c.archive.Insert(now, e); err != nil {
			c.log.Warn("metrics archive write failed", "error", err)
		}
	}

	c.hub.publish(Event{Kind: KindModelUsage, Time: now, ModelUsage: &e})
}

// Subscribe returns a channel receiving events of the given kind, plus an
// unsubscribe function. Slow subscribers drop events rather than blocking
// request flow.
func (c *Collector) Subscribe(kind EventKind) (<-chan Event, func()) {
	return c.hub.subscribe(kind)
}

// SubscribeRealtime returns a channel receiving the derived real-time feed.
func (c *Collector) SubscribeRealtime() (<-chan Realtime, func()) {
	return c.hub.subscribeRealtime()
}

// Run drives the periodic work: the real-time feed, snapshot persistence
// and retention cleanup. It blocks until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	rt := time.NewTicker(realtimeInterval)
	defer rt.Stop()

	interval := c.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	persist := time.NewTicker(interval)
	defer persist.Stop()

	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	c.cleanupSnapshots()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rt.C:
			c.tickRealtime()
		case <-persist.C:
			if err := c.persistSnapshot(); err != nil {
				c.log.Warn("metrics persistence degraded", "error", err)
			}
		case <-cleanup.C:
			c.cleanupSnapshots()
		}
	}
}

// tickRealtime recomputes derived metrics and publishes them.
func (c *Collector) tickRealtime() {
	now := c.now()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := float64(ms.HeapAlloc) / (1024 * 1024)
	goroutines := runtime.NumGoroutine()

	c.mu.Lock()
	// Count from the 24h history: the recent buffer is capped at
	// recentWindow entries and would undercount busy minutes.
	cutoff := now.Add(-time.Minute)
	perMinute := 0
	for i := len(c.responseHist) - 1; i >= 0; i-- {
		if !c.responseHist[i].Time.After(cutoff) {
			break
		}
		perMinute++
	}

	var sum float64
	var failed int
	for _, r := range c.recent {
		sum += r.responseMS
		if !r.success {
			failed++
		}
	}
	avg := 0.0
	errRate := 0.0
	if n := len(c.recent); n > 0 {
		avg = sum / float64(n)
		errRate = float64(failed) / float64(n)
	}

	c.realtime = Realtime{
		Time:              now,
		RequestsPerMinute: perMinute,
		AvgResponseMS:     avg,
		ErrorRate:         errRate,
		HeapMB:            heapMB,
		Goroutines:        goroutines,
	}
	c.heapHist = appendBounded(c.heapHist, Sample{Time: now, Value: heapMB}, now)
	c.goroutineHist = appendBounded(c.goroutineHist, Sample{Time: now, Value: float64(goroutines)}, now)
	rt := c.realtime
	c.mu.Unlock()

	c.hub.publishRealtime(rt)
}

// Close stops the archive.
func (c *Collector) Close() error {
	c.hub.close()
	if c.archive != nil {
		return c.archive.Close()
	}
	return nil
}

func (c *Collector) categoryStats(category string) *CategoryStats {
	cs, ok := c.perCategory[category]
	if !ok {
		cs = &CategoryStats{}
		c.perCategory[category] = cs
	}
	return cs
}

// appendBounded appends a sample and prunes entries older than the rolling
// history window.
func appendBounded(hist []Sample, s Sample, now time.Time) []Sample {
	hist = append(hist, s)
	cutoff := now.Add(-historyWindow)
	firstValid := 0
	for firstValid < len(hist) && !hist[firstValid].Time.After(cutoff) {
		firstValid++
	}
	return hist[firstValid:]
}
