package modelgate

import (
	"sync"
	"time"
)

// AvailState describes the availability of one connector.
type AvailState int

const (
	StateUnknown AvailState = iota
	StateAvailable
	StateUnavailable
)

func (s AvailState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// AvailSnapshot is a read-only view of one connector's availability.
type AvailSnapshot struct {
	State       AvailState
	LastProbe   time.Time
	LastFailure string
}

// Tracker tracks per-connector availability. A connector starts Unknown,
// moves to Available on any successful probe or generation, and to
// Unavailable after two consecutive failures within the probe TTL. A
// provider-quota failure pins the connector Unavailable until the given
// deadline regardless of later probes.
type Tracker struct {
	mu    sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
	conns map[string]*connAvail
}

type connAvail struct {
	state       AvailState
	failures    []time.Time
	lastProbe   time.Time
	lastFailure string
	pinnedUntil time.Time
}

// NewTracker creates a Tracker with the given probe TTL.
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		ttl:   ttl,
		now:   time.Now,
		conns: make(map[string]*connAvail),
	}
}

// State returns the current availability state for a connector id.
func (t *Tracker) State(id string) AvailState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ca, ok := t.conns[id]
	if !ok {
		return StateUnknown
	}
	if t.pinned(ca) {
		return StateUnavailable
	}
	return ca.state
}

// Snapshot returns the availability details for a connector id.
func (t *Tracker) Snapshot(id string) AvailSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ca, ok := t.conns[id]
	if !ok {
		return AvailSnapshot{State: StateUnknown}
	}
	state := ca.state
	if t.pinned(ca) {
		state = StateUnavailable
	}
	return AvailSnapshot{
		State:       state,
		LastProbe:   ca.lastProbe,
		LastFailure: ca.lastFailure,
	}
}

// Eligible reports whether the connector may be routed to. Unknown counts
// as eligible so that freshly registered connectors receive traffic before
// the first probe completes.
func (t *Tracker) Eligible(id string) bool {
	return t.State(id) != StateUnavailable
}

// RecordSuccess marks a successful probe or generation.
func (t *Tracker) RecordSuccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ca := t.getOrCreate(id)
	ca.lastProbe = t.now()
	if t.pinned(ca) {
		return
	}
	ca.state = StateAvailable
	ca.failures = ca.failures[:0]
	ca.lastFailure = ""
}

// RecordFailure marks a failed probe or generation. Two consecutive
// failures within the TTL window trip the connector to Unavailable.
func (t *Tracker) RecordFailure(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ca := t.getOrCreate(id)
	now := t.now()
	ca.lastProbe = now
	if err != nil {
		ca.lastFailure = err.Error()
	}

	cutoff := now.Add(-t.ttl)
	valid := ca.failures[:0]
	for _, ts := range ca.failures {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	ca.failures = append(valid, now)

	if len(ca.failures) >= 2 {
		ca.state = StateUnavailable
	}
}

// PinUnavailable forces a connector Unavailable until the deadline.
// Used when a hosted provider reports quota exhaustion for the day.
func (t *Tracker) PinUnavailable(id string, until time.Time, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ca := t.getOrCreate(id)
	ca.state = StateUnavailable
	ca.pinnedUntil = until
	if reason != "" {
		ca.lastFailure = reason
	}
}

// Forget drops all availability state for a connector id.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

func (t *Tracker) pinned(ca *connAvail) bool {
	return !ca.pinnedUntil.IsZero() && t.now().Before(ca.pinnedUntil)
}

func (t *Tracker) getOrCreate(id string) *connAvail {
	ca, ok := t.conns[id]
	if !ok {
		ca = &connAvail{state: StateUnknown}
		t.conns[id] = ca
	}
	return ca
}
