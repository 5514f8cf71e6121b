// Package modelgate routes chat requests across multiple model backends,
// enforcing a hard per-day request budget and publishing routing, request
// and model-usage metrics.
package modelgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studyloop/modelgate/metrics"
	"github.com/studyloop/modelgate/quota"
)

// Broker is the root composition object. It owns the quota gate, the
// metrics collector, the availability tracker, and the connector registry.
type Broker struct {
	cfg        Config
	log        *slog.Logger
	classifier Classifier
	gate       *quota.Gate
	collector  *metrics.Collector
	tracker    *Tracker
	now        func() time.Time

	mu         sync.RWMutex
	connectors map[string]*registeredConnector
}

type registeredConnector struct {
	desc Descriptor
	impl Connector
}

// Option configures a Broker.
type Option func(*brokerBuilder)

type brokerBuilder struct {
	log        *slog.Logger
	classifier Classifier
	quotaStore quota.Store
	noStore    bool
	now        func() time.Time
}

// WithLogger sets the broker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *brokerBuilder) { b.log = l }
}

// WithClassifier swaps the classifier implementation.
func WithClassifier(c Classifier) Option {
	return func(b *brokerBuilder) { b.classifier = c }
}

// WithQuotaStore overrides the quota persistence backend.
func WithQuotaStore(s quota.Store) Option {
	return func(b *brokerBuilder) { b.quotaStore = s; b.noStore = s == nil }
}

// WithNow overrides the broker's clock (propagated to the gate and tracker).
func WithNow(now func() time.Time) Option {
	return func(b *brokerBuilder) { b.now = now }
}

// New creates a Broker from the config. The default connector must be named
// in the config; connectors are registered afterwards via RegisterConnector.
func New(cfg Config, opts ...Option) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Routing.DefaultConnector == "" {
		return nil, fmt.Errorf("modelgate: config: routing.default_connector is required")
	}

	bb := &brokerBuilder{now: time.Now}
	for _, opt := range opts {
		opt(bb)
	}
	if bb.log == nil {
		bb.log = slog.Default()
	}
	if bb.classifier == nil {
		tc := NewTieredClassifier()
		tc.HistoryWindow = cfg.Routing.HistoryWindow
		bb.classifier = tc
	}

	store := bb.quotaStore
	if store == nil && !bb.noStore && cfg.Quota.StateDir != "" {
		fs, err := quota.NewFileStore(cfg.Quota.StateDir)
		if err != nil {
			return nil, err
		}
		store = fs
	}

	gate, err := quota.NewGate(
		cfg.Quota.DailyLimit,
		cfg.Quota.MinInterval(),
		cfg.Quota.ResetHourUTC,
		store,
		quota.WithLogger(bb.log),
		quota.WithNow(bb.now),
	)
	if err != nil {
		return nil, err
	}

	collector, err := metrics.NewCollector(metrics.Config{
		Interval:      cfg.Metrics.Interval(),
		RetentionDays: cfg.Metrics.RetentionDays,
		LogDir:        cfg.Metrics.LogDir,
		ArchivePath:   cfg.Metrics.ArchivePath,
	}, metrics.WithLogger(bb.log), metrics.WithNow(bb.now))
	if err != nil {
		return nil, err
	}

	tracker := NewTracker(cfg.Connectors.ProbeTTL())

	return &Broker{
		cfg:        cfg,
		log:        bb.log,
		classifier: bb.classifier,
		gate:       gate,
		collector:  collector,
		tracker:    tracker,
		now:        bb.now,
		connectors: make(map[string]*registeredConnector),
	}, nil
}

// RegisterConnector adds a backend to the registry. The descriptor id
// defaults to the implementation's name.
func (b *Broker) RegisterConnector(desc Descriptor, impl Connector) error {
	if impl == nil {
		return fmt.Errorf("modelgate: register: nil connector")
	}
	if desc.ID == "" {
		desc.ID = impl.Name()
	}
	if desc.DisplayName == "" {
		desc.DisplayName = desc.ID
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.connectors[desc.ID]; exists {
		return fmt.Errorf("modelgate: register: duplicate connector id %q", desc.ID)
	}
	b.connectors[desc.ID] = &registeredConnector{desc: desc, impl: impl}
	b.log.Info("connector registered", "id", desc.ID, "provider", desc.Provider)
	return nil
}

// Connectors lists registered descriptors with availability, ordered by id.
func (b *Broker) Connectors() []Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Descriptor, 0, len(b.connectors))
	for _, rc := range b.connectors {
		out = append(out, rc.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Availability reports the tracked state of one connector.
func (b *Broker) Availability(id string) AvailSnapshot {
	return b.tracker.Snapshot(id)
}

// Route classifies the query and selects a connector. It consumes no quota;
// permits are acquired by Dispatch. Fails with ErrNoBackendAvailable when
// nothing can serve the request.
func (b *Broker) Route(ctx context.Context, query string, history []Message, user UserContext) (RoutingDecision, error) {
	start := b.now()

	b.mu.RLock()
	total := len(b.connectors)
	b.mu.RUnlock()
	if total == 0 {
		return RoutingDecision{}, ErrNoBackendAvailable
	}

	cls, err := b.classifier.Classify(query, history)
	if err != nil {
		b.log.Warn("classification failed, degrading to unknown", "error", err)
		cls = ClassificationResult{
			Category:     CategoryUnknown,
			Confidence:   0,
			Reasoning:    "classification failed",
			FallbackUsed: true,
		}
	}
	b.collector.RecordClassification(metrics.ClassificationEvent{
		Category:   string(cls.Category),
		Confidence: cls.Confidence,
	})

	chosen, fallbacks, fallbackUsed := b.selectConnector(cls.Category)
	latency := b.now().Sub(start)

	if chosen == "" {
		b.collector.RecordRouting(metrics.RoutingEvent{
			Success:      false,
			FallbackUsed: fallbackUsed,
			Category:     string(cls.Category),
			RoutingMS:    float64(latency) / float64(time.Millisecond),
		})
		return RoutingDecision{}, fmt.Errorf("%w: check connector configuration", ErrNoBackendAvailable)
	}

	decision := RoutingDecision{
		ID:             uuid.New().String(),
		ConnectorID:    chosen,
		Classification: cls,
		Fallbacks:      fallbacks,
		FallbackUsed:   fallbackUsed,
		DecidedAt:      start,
		Latency:        latency,
		Mode:           user.Mode,
		UserID:         user.UserID,
	}

	b.collector.RecordRouting(metrics.RoutingEvent{
		Success:      true,
		FallbackUsed: fallbackUsed,
		Category:     string(cls.Category),
		RoutingMS:    float64(latency) / float64(time.Millisecond),
	})
	b.log.Debug("routed request",
		"category", cls.Category,
		"confidence", cls.Confidence,
		"connector", chosen,
		"fallback_used", fallbackUsed,
	)
	return decision, nil
}

// selectConnector applies the category's preferred ordering against the
// currently eligible connectors, then the configured default, then any
// eligible connector in id order.
func (b *Broker) selectConnector(category Category) (chosen string, fallbacks []string, fallbackUsed bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	eligible := func(id string) bool {
		_, ok := b.connectors[id]
		return ok && b.tracker.Eligible(id)
	}

	prefs := b.cfg.Routing.Preferences[string(category)]
	for _, id := range prefs {
		if !eligible(id) {
			continue
		}
		if chosen == "" {
			chosen = id
		} else {
			fallbacks = append(fallbacks, id)
		}
	}

	def := b.cfg.Routing.DefaultConnector
	if chosen == "" {
		fallbackUsed = len(prefs) > 0
		if eligible(def) {
			chosen = def
		}
	} else if def != chosen && eligible(def) && !contains(fallbacks, def) {
		fallbacks = append(fallbacks, def)
	}

	if chosen == "" {
		// Default is out too; deterministic last resort by id order.
		ids := make([]string, 0, len(b.connectors))
		for id := range b.connectors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if eligible(id) {
				chosen = id
				fallbackUsed = true
				break
			}
		}
	}
	return chosen, fallbacks, fallbackUsed
}

// Dispatch acquires a quota permit, invokes the decision's connector (with
// at most one fallback retry), and records the outcome. A provider-quota
// failure trips the gate and pins the connector out until the daily reset.
func (b *Broker) Dispatch(ctx context.Context, decision RoutingDecision, prompt string, history []Message, opts GenerateOptions) (GenerateResult, error) {
	permit, err := b.gate.RequestPermission(ctx, "chat", quota.PriorityNormal)
	if err != nil {
		return GenerateResult{}, err
	}
	if !permit.Allowed {
		switch permit.Reason {
		case quota.ReasonQuotaExceeded:
			return GenerateResult{}, fmt.Errorf("%w: %s", ErrQuotaExceeded, permit.Message)
		default:
			return GenerateResult{}, fmt.Errorf("%w: %s", ErrRateLimited, permit.Message)
		}
	}

	category := decision.Classification.Category
	req := GenerateRequest{
		UserID:  decision.UserID,
		Prompt:  prompt,
		History: history,
		Options: opts,
	}

	attempts := 1
	res, genErr := b.invoke(ctx, decision.ConnectorID, req, category)
	if genErr == nil {
		b.recordOutcome(decision, res, nil, attempts)
		return res, nil
	}

	if ctx.Err() != nil {
		// Client cancellation: no quota slot consumed, no fallback.
		b.gate.RecordFailure(genErr)
		b.recordOutcome(decision, GenerateResult{}, genErr, attempts)
		return GenerateResult{}, genErr
	}

	if IsProviderQuota(genErr) {
		return b.tripProviderQuota(decision, decision.ConnectorID, genErr, attempts)
	}

	if IsFatal(genErr) {
		b.gate.RecordFailure(genErr)
		b.recordOutcome(decision, GenerateResult{}, genErr, attempts)
		return GenerateResult{}, &DispatchError{Err: genErr, ConnectorID: decision.ConnectorID, Category: category, Attempts: attempts}
	}

	// Transient failure: at most one fallback retry.
	lastErr := genErr
	lastConnector := decision.ConnectorID
	for _, fb := range decision.Fallbacks {
		if !b.tracker.Eligible(fb) {
			continue
		}
		attempts++
		res, genErr = b.invoke(ctx, fb, req, category)
		if genErr == nil {
			fbDecision := decision
			fbDecision.ConnectorID = fb
			b.recordOutcome(fbDecision, res, nil, attempts)
			return res, nil
		}
		lastErr = genErr
		lastConnector = fb
		break
	}

	// The fallback connector can hit the provider's quota too.
	if IsProviderQuota(lastErr) {
		return b.tripProviderQuota(decision, lastConnector, lastErr, attempts)
	}

	b.gate.RecordFailure(lastErr)
	b.recordOutcome(decision, GenerateResult{}, lastErr, attempts)
	return GenerateResult{}, &DispatchError{
		Err:         fmt.Errorf("%w after %d attempt(s), please retry: %w", ErrBackendUnavailable, attempts, lastErr),
		ConnectorID: lastConnector,
		Category:    category,
		Attempts:    attempts,
	}
}

// tripProviderQuota handles provider-side quota exhaustion from any attempt:
// the gate fast-trips for the day and the connector is pinned out until the
// next reset boundary.
func (b *Broker) tripProviderQuota(decision RoutingDecision, connectorID string, genErr error, attempts int) (GenerateResult, error) {
	b.gate.RecordFailure(fmt.Errorf("%w: %v", quota.ErrProviderExhausted, genErr))
	b.tracker.PinUnavailable(connectorID, b.gate.Status().ResetAt, "provider quota exhausted")
	b.recordOutcome(decision, GenerateResult{}, genErr, attempts)
	return GenerateResult{}, &DispatchError{
		Err:         genErr,
		ConnectorID: connectorID,
		Category:    decision.Classification.Category,
		Attempts:    attempts,
	}
}

// invoke runs one connector call under the per-request timeout and records
// availability plus model-usage metrics.
func (b *Broker) invoke(ctx context.Context, id string, req GenerateRequest, category Category) (GenerateResult, error) {
	b.mu.RLock()
	rc := b.connectors[id]
	b.mu.RUnlock()
	if rc == nil {
		return GenerateResult{}, fmt.Errorf("%w: connector %q not registered", ErrBackendUnavailable, id)
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.Routing.Timeout())
	defer cancel()

	start := b.now()
	res, err := rc.impl.Generate(cctx, req)
	elapsed := b.now().Sub(start)
	if res.Latency == 0 {
		res.Latency = elapsed
	}

	responseMS := float64(elapsed) / float64(time.Millisecond)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}

	if err == nil {
		b.tracker.RecordSuccess(id)
	} else if ctx.Err() == nil {
		// Don't blame the backend for a client cancellation.
		b.tracker.RecordFailure(id, err)
	}

	b.collector.RecordModelUsage(metrics.ModelUsageEvent{
		ConnectorID: id,
		Category:    string(category),
		ResponseMS:  responseMS,
		Success:     err == nil,
	})
	return res, err
}

// recordOutcome reports the request result to the gate and the collector.
func (b *Broker) recordOutcome(decision RoutingDecision, res GenerateResult, err error, attempts int) {
	success := err == nil
	if success {
		b.gate.RecordSuccess()
	}

	responseMS := float64(res.Latency) / float64(time.Millisecond)
	b.collector.RecordRequest(metrics.RequestEvent{
		Success:     success,
		ResponseMS:  responseMS,
		Category:    string(decision.Classification.Category),
		ConnectorID: decision.ConnectorID,
	})
	if !success {
		b.log.Warn("dispatch failed",
			"connector", decision.ConnectorID,
			"category", decision.Classification.Category,
			"attempts", attempts,
			"error", err,
		)
	}
}

// UpdateUserLocalEndpoint stores and probes a per-user local endpoint. It
// requires a registered connector implementing UserEndpointUpdater.
func (b *Broker) UpdateUserLocalEndpoint(ctx context.Context, userID, url string) (ProbeResult, error) {
	b.mu.RLock()
	var updater UserEndpointUpdater
	var id string
	for connID, rc := range b.connectors {
		if u, ok := rc.impl.(UserEndpointUpdater); ok {
			updater, id = u, connID
			break
		}
	}
	b.mu.RUnlock()

	if updater == nil {
		return ProbeResult{}, fmt.Errorf("%w: no local connector registered", ErrBackendUnavailable)
	}

	res, err := updater.SetUserEndpoint(ctx, userID, url)
	if err != nil {
		return res, err
	}
	if res.Available {
		b.tracker.RecordSuccess(id)
	}
	return res, nil
}

// QuotaStatus returns the gate's snapshot with derived fields.
func (b *Broker) QuotaStatus() quota.Status {
	return b.gate.Status()
}

// MetricsSummary returns the aggregate metrics report.
func (b *Broker) MetricsSummary() metrics.Summary {
	return b.collector.Summary()
}

// MetricsSnapshot returns the full detailed metrics state.
func (b *Broker) MetricsSnapshot() metrics.Snapshot {
	return b.collector.Snapshot()
}

// SubscribeRealtime subscribes to the 5-second derived metrics feed.
func (b *Broker) SubscribeRealtime() (<-chan metrics.Realtime, func()) {
	return b.collector.SubscribeRealtime()
}

// SubscribeEvent subscribes to per-event pushes of one kind.
func (b *Broker) SubscribeEvent(kind metrics.EventKind) (<-chan metrics.Event, func()) {
	return b.collector.Subscribe(kind)
}

// runner is implemented by connectors that own background work (e.g. the
// local pool's idle sweeper).
type runner interface {
	Run(ctx context.Context)
}

// Run drives background work: the metrics loops, the availability probe
// loop, and any connector sweepers. It blocks until ctx is done.
func (b *Broker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.collector.Run(ctx)
	}()

	b.mu.RLock()
	for _, rc := range b.connectors {
		if r, ok := rc.impl.(runner); ok {
			wg.Add(1)
			go func(r runner) {
				defer wg.Done()
				r.Run(ctx)
			}(r)
		}
	}
	b.mu.RUnlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.probeLoop(ctx)
	}()

	wg.Wait()
}

// ProbeAll probes every registered connector once and records the outcomes.
func (b *Broker) ProbeAll(ctx context.Context) {
	b.mu.RLock()
	conns := make(map[string]Connector, len(b.connectors))
	for id, rc := range b.connectors {
		conns[id] = rc.impl
	}
	b.mu.RUnlock()

	for id, impl := range conns {
		pctx, cancel := context.WithTimeout(ctx, b.cfg.Routing.Timeout())
		res, err := impl.Probe(pctx)
		cancel()

		switch {
		case err != nil:
			b.tracker.RecordFailure(id, err)
		case !res.Available:
			b.tracker.RecordFailure(id, fmt.Errorf("%w: %s", ErrBackendUnavailable, res.Details))
		default:
			b.tracker.RecordSuccess(id)
		}
	}
}

func (b *Broker) probeLoop(ctx context.Context) {
	ttl := b.cfg.Connectors.ProbeTTL()
	if ttl <= 0 {
		ttl = time.Minute
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	b.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.ProbeAll(ctx)
		}
	}
}

// Close releases the gate's store and the collector's archive.
func (b *Broker) Close() error {
	err := b.gate.Close()
	if cerr := b.collector.Close(); err == nil {
		err = cerr
	}
	return err
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
