// Package quota enforces a hard per-day request budget with a minimum
// inter-request interval and durable state.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Sentinel errors.
var (
	// ErrProviderExhausted marks a failure caused by the upstream provider
	// reporting quota exhaustion. Recording it trips the gate for the day.
	ErrProviderExhausted = errors.New("quota: provider quota exhausted")
)

// Priority is recorded with a permission request but never raises the cap.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Reason explains a denied permit.
type Reason string

const (
	ReasonRateLimited   Reason = "rate_limited"
	ReasonQuotaExceeded Reason = "quota_exceeded"
)

// Level is the advisory usage level. Only the hard cap gates requests.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelExceeded Level = "exceeded"
)

// Counters are the durable request counters persisted alongside the state.
type Counters struct {
	TotalRequests      int       `json:"totalRequests"`
	SuccessfulRequests int       `json:"successfulRequests"`
	FailedRequests     int       `json:"failedRequests"`
	QuotaExceeded      int       `json:"quotaExceeded"`
	LastReset          time.Time `json:"lastReset"`
}

// State is the durable quota state. It is mutated only inside the gate's
// critical section and persisted after every mutation.
type State struct {
	Used          int       `json:"used"`
	Limit         int       `json:"limit"`
	LastRequestAt time.Time `json:"lastRequestAt"`
	ResetAt       time.Time `json:"resetAt"`
	Metrics       Counters  `json:"metrics"`
	LastSaved     time.Time `json:"lastSaved"`
}

// Permit is the gate's transient authorization to proceed.
type Permit struct {
	ID        string
	Allowed   bool
	Reason    Reason
	Wait      time.Duration
	Remaining int
	ResetAt   time.Time
	Message   string
}

// Status is a read-only snapshot of the gate with derived fields.
type Status struct {
	Used            int       `json:"used"`
	Limit           int       `json:"limit"`
	Remaining       int       `json:"remaining"`
	Percent         float64   `json:"percent"`
	LastRequestAt   time.Time `json:"lastRequestAt"`
	ResetAt         time.Time `json:"resetAt"`
	HoursUntilReset float64   `json:"hoursUntilReset"`
	Level           Level     `json:"status"`
}

// Store persists quota state.
type Store interface {
	// Load returns the stored state and whether one existed.
	Load() (State, bool, error)

	// Save durably writes the state.
	Save(State) error

	// Close releases any held resources.
	Close() error
}

// Gate is the process-wide daily request gate. All mutations of the quota
// state happen under a single mutex so the hard cap is never exceeded by
// racing callers.
type Gate struct {
	log         *slog.Logger
	store       Store
	limiter     *rate.Limiter
	minInterval time.Duration
	resetHour   int
	warnAt      float64
	critAt      float64
	now         func() time.Time

	mu        sync.Mutex
	st        State
	lastLevel Level
	seq       uint64

	persistMu sync.Mutex
	persisted uint64
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// WithNow overrides the gate's clock.
func WithNow(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithThresholds overrides the warning and critical thresholds (fractions
// of the limit). Defaults are 0.75 and 0.90.
func WithThresholds(warn, crit float64) Option {
	return func(g *Gate) { g.warnAt, g.critAt = warn, crit }
}

// NewGate creates a Gate with the given hard daily limit, minimum
// inter-request interval, and reset hour (UTC). A nil store disables
// persistence. Stored usage survives restarts; the configured limit wins
// over the stored one.
func NewGate(limit int, minInterval time.Duration, resetHourUTC int, store Store, opts ...Option) (*Gate, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("quota: limit must be > 0, got %d", limit)
	}
	if resetHourUTC < 0 || resetHourUTC > 23 {
		return nil, fmt.Errorf("quota: reset hour must be in [0,23], got %d", resetHourUTC)
	}

	g := &Gate{
		store:       store,
		minInterval: minInterval,
		resetHour:   resetHourUTC,
		warnAt:      0.75,
		critAt:      0.90,
		now:         time.Now,
		lastLevel:   LevelNormal,
		st:          State{Limit: limit},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if minInterval > 0 {
		g.limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}

	if store != nil {
		st, ok, err := store.Load()
		if err != nil {
			g.log.Warn("quota state load failed, starting fresh", "error", err)
		} else if ok {
			g.st = st
			g.st.Limit = limit
		}
	}

	now := g.now()
	if g.st.ResetAt.IsZero() || !g.st.ResetAt.After(now) {
		g.maybeResetLocked(now)
	}
	g.lastLevel = g.levelLocked()

	return g, nil
}

// RequestPermission checks the hard cap, then the minimum interval, waiting
// cooperatively for up to minInterval when required. The wait is
// cancellation-responsive. A denied permit carries the reason and a
// user-facing message; only context cancellation returns an error.
func (g *Gate) RequestPermission(ctx context.Context, kind string, priority Priority) (Permit, error) {
	g.mu.Lock()
	now := g.now()
	mutated := g.maybeResetLocked(now)
	if g.st.Used >= g.st.Limit {
		g.st.Metrics.QuotaExceeded++
		st, seq := g.snapshotLocked()
		g.mu.Unlock()
		g.persist(st, seq)
		return g.denyExceeded(st, now), nil
	}
	g.mu.Unlock()
	if mutated {
		g.persistCurrent()
	}

	var waited time.Duration
	if g.limiter != nil {
		r := g.limiter.Reserve()
		delay := r.Delay()
		if delay > g.minInterval {
			r.Cancel()
			g.log.Debug("permission rate limited", "kind", kind, "priority", int(priority), "wait_ms", delay.Milliseconds())
			return Permit{
				ID:      uuid.New().String(),
				Allowed: false,
				Reason:  ReasonRateLimited,
				Wait:    delay,
				Message: fmt.Sprintf("too many concurrent requests; retry in %d ms", delay.Milliseconds()),
			}, nil
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.Cancel()
				return Permit{}, ctx.Err()
			case <-timer.C:
			}
			waited = delay
		}
	}

	// Re-evaluate the cap after the interval wait.
	g.mu.Lock()
	now = g.now()
	g.maybeResetLocked(now)
	if g.st.Used >= g.st.Limit {
		g.st.Metrics.QuotaExceeded++
		st, seq := g.snapshotLocked()
		g.mu.Unlock()
		g.persist(st, seq)
		return g.denyExceeded(st, now), nil
	}
	g.st.LastRequestAt = now
	remaining := g.st.Limit - g.st.Used
	st, seq := g.snapshotLocked()
	g.mu.Unlock()
	g.persist(st, seq)

	g.log.Debug("permission granted", "kind", kind, "priority", int(priority), "remaining", remaining)
	return Permit{
		ID:        uuid.New().String(),
		Allowed:   true,
		Wait:      waited,
		Remaining: remaining,
		ResetAt:   st.ResetAt,
	}, nil
}

// RecordSuccess increments the used counter, guarded so racing callers can
// never push it past the limit.
func (g *Gate) RecordSuccess() {
	g.mu.Lock()
	now := g.now()
	g.maybeResetLocked(now)
	if g.st.Used < g.st.Limit {
		g.st.Used++
	}
	g.st.LastRequestAt = now
	g.st.Metrics.TotalRequests++
	g.st.Metrics.SuccessfulRequests++
	g.logThresholdLocked()
	st, seq := g.snapshotLocked()
	g.mu.Unlock()
	g.persist(st, seq)
}

// RecordFailure increments the failure counter. A provider-quota failure
// fast-trips the gate by setting used to the limit.
func (g *Gate) RecordFailure(err error) {
	g.mu.Lock()
	now := g.now()
	g.maybeResetLocked(now)
	g.st.Metrics.TotalRequests++
	g.st.Metrics.FailedRequests++
	if errors.Is(err, ErrProviderExhausted) {
		g.st.Used = g.st.Limit
		g.st.Metrics.QuotaExceeded++
		g.log.Warn("provider quota exhausted, gating requests until reset", "reset_at", g.st.ResetAt)
	}
	g.logThresholdLocked()
	st, seq := g.snapshotLocked()
	g.mu.Unlock()
	g.persist(st, seq)
}

// Status returns a read-only snapshot with derived fields.
func (g *Gate) Status() Status {
	g.mu.Lock()
	now := g.now()
	mutated := g.maybeResetLocked(now)
	st := g.st
	var seq uint64
	if mutated {
		st, seq = g.snapshotLocked()
	}
	level := g.levelLocked()
	g.mu.Unlock()
	if mutated {
		g.persist(st, seq)
	}

	remaining := st.Limit - st.Used
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Used:            st.Used,
		Limit:           st.Limit,
		Remaining:       remaining,
		Percent:         float64(st.Used) / float64(st.Limit) * 100,
		LastRequestAt:   st.LastRequestAt,
		ResetAt:         st.ResetAt,
		HoursUntilReset: st.ResetAt.Sub(now).Hours(),
		Level:           level,
	}
}

// Close releases the underlying store.
func (g *Gate) Close() error {
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}

// NextReset returns the next reset boundary strictly after now for the
// given UTC hour.
func NextReset(now time.Time, hourUTC int) time.Time {
	now = now.UTC()
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !candidate.After(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}

func (g *Gate) denyExceeded(st State, now time.Time) Permit {
	hours := st.ResetAt.Sub(now).Hours()
	msg := fmt.Sprintf("daily request limit reached (%d/%d); resets in %.1f hours", st.Used, st.Limit, hours)
	g.log.Warn("permission denied", "reason", ReasonQuotaExceeded, "used", st.Used, "limit", st.Limit)
	return Permit{
		ID:      uuid.New().String(),
		Allowed: false,
		Reason:  ReasonQuotaExceeded,
		ResetAt: st.ResetAt,
		Message: msg,
	}
}

// maybeResetLocked observes the reset boundary lazily. Returns true if a
// reset occurred. Callers must hold g.mu.
func (g *Gate) maybeResetLocked(now time.Time) bool {
	if !g.st.ResetAt.IsZero() && now.Before(g.st.ResetAt) {
		return false
	}
	g.st.Used = 0
	g.st.Metrics.LastReset = now
	g.st.ResetAt = NextReset(now, g.resetHour)
	g.lastLevel = LevelNormal
	g.log.Info("daily quota reset", "next_reset", g.st.ResetAt)
	return true
}

func (g *Gate) levelLocked() Level {
	used := float64(g.st.Used)
	limit := float64(g.st.Limit)
	switch {
	case used >= limit:
		return LevelExceeded
	case used >= limit*g.critAt:
		return LevelCritical
	case used >= limit*g.warnAt:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// logThresholdLocked logs advisory threshold crossings. Callers must hold g.mu.
func (g *Gate) logThresholdLocked() {
	level := g.levelLocked()
	if level == g.lastLevel {
		return
	}
	g.lastLevel = level
	switch level {
	case LevelWarning, LevelCritical:
		g.log.Warn("quota threshold crossed", "level", level, "used", g.st.Used, "limit", g.st.Limit)
	case LevelExceeded:
		g.log.Warn("quota exhausted", "used", g.st.Used, "limit", g.st.Limit, "reset_at", g.st.ResetAt)
	default:
		g.log.Info("quota back to normal", "used", g.st.Used, "limit", g.st.Limit)
	}
}

// snapshotLocked copies the state and assigns it a save sequence number.
// Callers must hold g.mu.
func (g *Gate) snapshotLocked() (State, uint64) {
	g.seq++
	return g.st, g.seq
}

// persist writes the state outside the gate's critical section. The sequence
// number taken under the mutex keeps racing saves ordered: a save holding an
// older state than one already written is skipped, so a restart never
// resurrects a stale counter. Persistence failures are logged, never
// surfaced to request flow.
func (g *Gate) persist(st State, seq uint64) {
	if g.store == nil {
		return
	}
	g.persistMu.Lock()
	defer g.persistMu.Unlock()
	if seq <= g.persisted {
		return
	}
	st.LastSaved = g.now()
	if err := g.store.Save(st); err != nil {
		g.log.Warn("quota persistence degraded", "error", err)
		return
	}
	g.persisted = seq
}

func (g *Gate) persistCurrent() {
	g.mu.Lock()
	st, seq := g.snapshotLocked()
	g.mu.Unlock()
	g.persist(st, seq)
}
