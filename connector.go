package modelgate

import "context"

// Connector is the interface that model backend adapters must implement.
// Connectors are stateless across calls apart from cached transport state;
// availability bookkeeping lives in the broker's tracker.
type Connector interface {
	// Name returns the connector identifier (e.g. "hosted-openai", "local").
	Name() string

	// Probe performs a cheap liveness check without consuming quota.
	Probe(ctx context.Context) (ProbeResult, error)

	// Generate performs a synchronous completion.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// UserEndpointUpdater is implemented by connectors that manage per-user
// backend endpoints (the local inference pool).
type UserEndpointUpdater interface {
	// SetUserEndpoint stores and probes a per-user endpoint URL.
	SetUserEndpoint(ctx context.Context, userID, url string) (ProbeResult, error)
}
