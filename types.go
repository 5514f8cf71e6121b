package modelgate

import "time"

// Message represents a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage represents token usage reported (or estimated) for a generation.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// GenerateOptions tune a single generation call.
type GenerateOptions struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// GenerateRequest is the request handed to a connector.
type GenerateRequest struct {
	UserID  string
	Prompt  string
	History []Message
	Options GenerateOptions
}

// GenerateResult is a completed generation.
type GenerateResult struct {
	Text    string        `json:"text"`
	ModelID string        `json:"model_id"`
	Usage   *Usage        `json:"usage,omitempty"`
	Latency time.Duration `json:"latency"`
}

// ProbeResult reports whether a backend answered a cheap liveness check.
type ProbeResult struct {
	Available bool     `json:"available"`
	Details   string   `json:"details,omitempty"`
	Models    []string `json:"models,omitempty"`
}

// Descriptor describes one configured backend connector.
type Descriptor struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Provider    string     `json:"provider"`
	Specialties []Category `json:"specialties,omitempty"`
}

// ClassificationResult is the outcome of classifying one query.
type ClassificationResult struct {
	Category       Category `json:"category"`
	Confidence     float64  `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
	FallbackUsed   bool     `json:"fallback_used"`
	NeedsWebSearch bool     `json:"needs_web_search,omitempty"`
}

// RoutingDecision is the immutable result of routing one request.
type RoutingDecision struct {
	ID             string               `json:"id"`
	ConnectorID    string               `json:"connector_id"`
	Classification ClassificationResult `json:"classification"`
	Fallbacks      []string             `json:"fallbacks,omitempty"`
	FallbackUsed   bool                 `json:"fallback_used"`
	DecidedAt      time.Time            `json:"decided_at"`
	Latency        time.Duration        `json:"latency"`
	Mode           string               `json:"mode,omitempty"`
	UserID         string               `json:"user_id,omitempty"`
}

// UserContext carries per-user request metadata into routing.
// Mode is informational only and does not change routing behavior.
type UserContext struct {
	UserID string
	Mode   string
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
