// Package mock provides a configurable in-memory connector for tests.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/studyloop/modelgate"
)

// Connector is a mock backend for testing.
type Connector struct {
	name         string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	probeCount   atomic.Int64
	staticErr    error
	probeResult  modelgate.ProbeResult
	probeErr     error
	response     string
	responseFunc func(modelgate.GenerateRequest) (modelgate.GenerateResult, error)
}

var _ modelgate.Connector = (*Connector)(nil)

// Option configures a mock Connector.
type Option func(*Connector)

// New creates a mock connector with the given options.
func New(opts ...Option) *Connector {
	c := &Connector{
		name:        "mock",
		response:    "Hello from mock connector",
		probeResult: modelgate.ProbeResult{Available: true, Details: "mock"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithName sets the connector name.
func WithName(name string) Option {
	return func(c *Connector) { c.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(c *Connector) { c.latency = d }
}

// WithFailAfter makes the connector fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(c *Connector) { c.failAfter = n }
}

// WithError makes Generate always return this error.
func WithError(err error) Option {
	return func(c *Connector) { c.staticErr = err }
}

// WithResponse sets the text returned by Generate.
func WithResponse(text string) Option {
	return func(c *Connector) { c.response = text }
}

// WithProbe sets the probe outcome.
func WithProbe(res modelgate.ProbeResult, err error) Option {
	return func(c *Connector) { c.probeResult, c.probeErr = res, err }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(modelgate.GenerateRequest) (modelgate.GenerateResult, error)) Option {
	return func(c *Connector) { c.responseFunc = fn }
}

func (c *Connector) Name() string { return c.name }

// CallCount returns how many Generate calls were made.
func (c *Connector) CallCount() int64 { return c.callCount.Load() }

// ProbeCount returns how many Probe calls were made.
func (c *Connector) ProbeCount() int64 { return c.probeCount.Load() }

func (c *Connector) Probe(ctx context.Context) (modelgate.ProbeResult, error) {
	c.probeCount.Add(1)
	return c.probeResult, c.probeErr
}

func (c *Connector) Generate(ctx context.Context, req modelgate.GenerateRequest) (modelgate.GenerateResult, error) {
	n := c.callCount.Add(1)

	if c.latency > 0 {
		select {
		case <-ctx.Done():
			return modelgate.GenerateResult{}, ctx.Err()
		case <-time.After(c.latency):
		}
	}

	if c.staticErr != nil {
		return modelgate.GenerateResult{}, c.staticErr
	}
	if c.failAfter > 0 && n > int64(c.failAfter) {
		return modelgate.GenerateResult{}, modelgate.ErrBackendUnavailable
	}
	if c.responseFunc != nil {
		return c.responseFunc(req)
	}

	return modelgate.GenerateResult{
		Text:    c.response,
		ModelID: c.name + "-model",
		Usage:   &modelgate.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		Latency: c.latency,
	}, nil
}
