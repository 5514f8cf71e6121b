// Package hosted implements the hosted-provider connector for any
// OpenAI-compatible chat completions API.
package hosted

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/studyloop/modelgate"
)

// Connector adapts one OpenAI-compatible hosted provider.
// Works with OpenAI, Grok/xAI, Groq, Together, and others.
type Connector struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

var _ modelgate.Connector = (*Connector)(nil)

// Option configures the connector.
type Option func(*Connector)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Connector) { h.httpClient = c }
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(h *Connector) { h.model = model }
}

// New creates a hosted connector.
func New(name, baseURL, apiKey string, opts ...Option) *Connector {
	h := &Connector{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewOpenAI creates a connector for OpenAI.
func NewOpenAI(apiKey string, opts ...Option) *Connector {
	return New("hosted-openai", "https://api.openai.com/v1", apiKey, opts...)
}

// NewGrok creates a connector for Grok/xAI.
func NewGrok(apiKey string, opts ...Option) *Connector {
	return New("hosted-grok", "https://api.x.ai/v1", apiKey, opts...)
}

func (h *Connector) Name() string { return h.name }

// CloseIdleConnections releases pooled transport connections.
func (h *Connector) CloseIdleConnections() {
	h.httpClient.CloseIdleConnections()
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Probe lists models as a cheap liveness check. It never consumes quota.
func (h *Connector) Probe(ctx context.Context) (modelgate.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/models", nil)
	if err != nil {
		return modelgate.ProbeResult{}, fmt.Errorf("hosted: create probe request: %w", err)
	}
	h.setHeaders(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return modelgate.ProbeResult{Available: false, Details: err.Error()}, mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return modelgate.ProbeResult{
			Available: false,
			Details:   fmt.Sprintf("status %d: %s", resp.StatusCode, string(body)),
		}, mapStatusError(resp.StatusCode, body)
	}

	var mr modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		// A live endpoint with an unexpected body still counts as available.
		return modelgate.ProbeResult{Available: true, Details: "model list unparsable"}, nil
	}

	models := make([]string, 0, len(mr.Data))
	for _, m := range mr.Data {
		models = append(models, m.ID)
	}
	return modelgate.ProbeResult{
		Available: true,
		Details:   fmt.Sprintf("%d models", len(models)),
		Models:    models,
	}, nil
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
}

type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Generate performs a synchronous chat completion.
func (h *Connector) Generate(ctx context.Context, req modelgate.GenerateRequest) (modelgate.GenerateResult, error) {
	msgs := make([]apiMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		msgs = append(msgs, apiMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, apiMessage{Role: "user", Content: req.Prompt})

	model := req.Options.Model
	if model == "" {
		model = h.model
	}

	body := apiRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
		TopP:        req.Options.TopP,
		Stop:        req.Options.Stop,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return modelgate.GenerateResult{}, fmt.Errorf("hosted: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return modelgate.GenerateResult{}, fmt.Errorf("hosted: create request: %w", err)
	}
	h.setHeaders(httpReq)

	start := time.Now()
	httpResp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return modelgate.GenerateResult{}, mapTransportError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		return modelgate.GenerateResult{}, mapStatusError(httpResp.StatusCode, respBody)
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return modelgate.GenerateResult{}, fmt.Errorf("hosted: decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return modelgate.GenerateResult{}, fmt.Errorf("hosted: empty choices in response")
	}

	usage := modelgate.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		// Some compatible servers omit usage; estimate so rollups stay sane.
		usage.PromptTokens = modelgate.EstimateTokens(req.History) + modelgate.EstimateTokens([]modelgate.Message{{Role: "user", Content: req.Prompt}})
		usage.CompletionTokens = modelgate.EstimateTokens([]modelgate.Message{{Role: "assistant", Content: resp.Choices[0].Message.Content}})
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return modelgate.GenerateResult{
		Text:    resp.Choices[0].Message.Content,
		ModelID: resp.Model,
		Usage:   &usage,
		Latency: time.Since(start),
	}, nil
}

func (h *Connector) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
}

// mapStatusError normalizes provider HTTP errors. 429 and any error body
// mentioning "quota" are reported as provider quota exhaustion so the gate
// can fast-trip for the day.
func mapStatusError(status int, body []byte) error {
	lower := strings.ToLower(string(body))
	if status == http.StatusTooManyRequests || strings.Contains(lower, "quota") {
		return fmt.Errorf("%w: status %d: %s", modelgate.ErrProviderQuota, status, strings.TrimSpace(string(body)))
	}

	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", modelgate.ErrInvalidRequest, status, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("%w: status %d", modelgate.ErrBackendUnavailable, status)
	}
}

func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", modelgate.ErrBackendTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", modelgate.ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %v", modelgate.ErrBackendUnavailable, err)
}
