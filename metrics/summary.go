package metrics

import (
	"fmt"
	"sort"
	"time"
)

// RequestSummary aggregates chat request outcomes.
type RequestSummary struct {
	Total         int64   `json:"total"`
	Successful    int64   `json:"successful"`
	Failed        int64   `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	PerHour       float64 `json:"per_hour"`
	AvgResponseMS float64 `json:"avg_response_ms"`
}

// RoutingSummary aggregates routing decisions.
type RoutingSummary struct {
	Total        int64   `json:"total"`
	Fallbacks    int64   `json:"fallbacks"`
	FallbackRate float64 `json:"fallback_rate"`
	AvgRoutingMS float64 `json:"avg_routing_ms"`
}

// ClassificationSummary aggregates classification outcomes.
type ClassificationSummary struct {
	Total         int64   `json:"total"`
	Accuracy      float64 `json:"accuracy"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// ConnectorSummary is one connector's rollup plus its id.
type ConnectorSummary struct {
	ID string `json:"id"`
	ConnectorStats
}

// Summary is the human-oriented report.
type Summary struct {
	Uptime         string                `json:"uptime"`
	Requests       RequestSummary        `json:"requests"`
	Routing        RoutingSummary        `json:"routing"`
	Classification ClassificationSummary `json:"classification"`
	Connectors     []ConnectorSummary    `json:"connectors"`
}

// Snapshot is the full detailed state of the collector.
type Snapshot struct {
	StartTime        time.Time                 `json:"start_time"`
	Uptime           string                    `json:"uptime"`
	Counters         counters                  `json:"counters"`
	Connectors       map[string]ConnectorStats `json:"connectors"`
	Categories       map[string]CategoryStats  `json:"categories"`
	ResponseHistory  []Sample                  `json:"response_history"`
	HeapHistory      []Sample                  `json:"heap_history"`
	GoroutineHistory []Sample                  `json:"goroutine_history"`
	Realtime         Realtime                  `json:"realtime"`
}

// Summary builds the aggregate report.
func (c *Collector) Summary() Summary {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ct := c.counters
	uptime := now.Sub(c.startTime)

	req := RequestSummary{
		Total:      ct.RequestsTotal,
		Successful: ct.RequestsSucceeded,
		Failed:     ct.RequestsFailed,
	}
	if ct.RequestsTotal > 0 {
		req.SuccessRate = float64(ct.RequestsSucceeded) / float64(ct.RequestsTotal)
		req.AvgResponseMS = ct.ResponseMSSum / float64(ct.RequestsTotal)
	}
	if hours := uptime.Hours(); hours > 0 {
		req.PerHour = float64(ct.RequestsTotal) / hours
	}

	rt := RoutingSummary{
		Total:     ct.RoutingTotal,
		Fallbacks: ct.RoutingFallbacks,
	}
	if ct.RoutingTotal > 0 {
		rt.FallbackRate = float64(ct.RoutingFallbacks) / float64(ct.RoutingTotal)
		rt.AvgRoutingMS = ct.RoutingMSSum / float64(ct.RoutingTotal)
	}

	cl := ClassificationSummary{Total: ct.Classifications}
	if ct.ClassifiedChecked > 0 {
		cl.Accuracy = float64(ct.ClassifiedAccurate) / float64(ct.ClassifiedChecked)
	}
	if ct.Classifications > 0 {
		cl.AvgConfidence = ct.ConfidenceSum / float64(ct.Classifications)
	}

	conns := make([]ConnectorSummary, 0, len(c.perConnector))
	for id, cs := range c.perConnector {
		conns = append(conns, ConnectorSummary{ID: id, ConnectorStats: *cs})
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })

	return Summary{
		Uptime:         FormatUptime(uptime),
		Requests:       req,
		Routing:        rt,
		Classification: cl,
		Connectors:     conns,
	}
}

// Snapshot returns the full detailed state.
func (c *Collector) Snapshot() Snapshot {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	conns := make(map[string]ConnectorStats, len(c.perConnector))
	for id, cs := range c.perConnector {
		conns[id] = *cs
	}
	cats := make(map[string]CategoryStats, len(c.perCategory))
	for cat, cs := range c.perCategory {
		cats[cat] = *cs
	}

	return Snapshot{
		StartTime:        c.startTime,
		Uptime:           FormatUptime(now.Sub(c.startTime)),
		Counters:         c.counters,
		Connectors:       conns,
		Categories:       cats,
		ResponseHistory:  append([]Sample(nil), c.responseHist...),
		HeapHistory:      append([]Sample(nil), c.heapHist...),
		GoroutineHistory: append([]Sample(nil), c.goroutineHist...),
		Realtime:         c.realtime,
	}
}

// FormatUptime renders a duration as "1d 2h 3m 4s".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
}
