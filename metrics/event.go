// Package metrics collects request, routing, classification and model-usage
// events, maintains in-memory aggregates and rolling histories, persists
// daily snapshots, and exposes summary reports plus a real-time feed.
package metrics

import "time"

// EventKind tags a metric event.
type EventKind string

const (
	KindRequest        EventKind = "requestCompleted"
	KindRouting        EventKind = "routing"
	KindClassification EventKind = "classification"
	KindModelUsage     EventKind = "modelUsage"
)

// RequestEvent records the outcome of one chat request.
type RequestEvent struct {
	Success     bool    `json:"success"`
	ResponseMS  float64 `json:"response_ms"`
	Category    string  `json:"category"`
	ConnectorID string  `json:"connector_id"`
}

// RoutingEvent records one routing decision.
type RoutingEvent struct {
	Success      bool    `json:"success"`
	FallbackUsed bool    `json:"fallback_used"`
	Category     string  `json:"category"`
	RoutingMS    float64 `json:"routing_ms"`
}

// ClassificationEvent records one classification outcome. Accurate is set
// only when ground truth is supplied (e.g. user feedback).
type ClassificationEvent struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Accurate   *bool   `json:"accurate,omitempty"`
}

// ModelUsageEvent records one connector invocation.
type ModelUsageEvent struct {
	ConnectorID string  `json:"connector_id"`
	Category    string  `json:"category"`
	ResponseMS  float64 `json:"response_ms"`
	Success     bool    `json:"success"`
}

// Event is the tagged union delivered to subscribers. Exactly one of the
// payload pointers is set, matching Kind.
type Event struct {
	Kind           EventKind            `json:"kind"`
	Time           time.Time            `json:"time"`
	Request        *RequestEvent        `json:"request,omitempty"`
	Routing        *RoutingEvent        `json:"routing,omitempty"`
	Classification *ClassificationEvent `json:"classification,omitempty"`
	ModelUsage     *ModelUsageEvent     `json:"model_usage,omitempty"`
}

// Realtime is the derived feed computed every few seconds.
type Realtime struct {
	Time              time.Time `json:"time"`
	RequestsPerMinute int       `json:"requests_per_minute"`
	AvgResponseMS     float64   `json:"avg_response_ms"`
	ErrorRate         float64   `json:"error_rate"`
	HeapMB            float64   `json:"heap_mb"`
	Goroutines        int       `json:"goroutines"`
}

// Sample is one point in a rolling history.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}
