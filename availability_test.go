package modelgate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_StartsUnknownAndEligible(t *testing.T) {
	tr := NewTracker(time.Minute)

	assert.Equal(t, StateUnknown, tr.State("hosted-openai"))
	assert.True(t, tr.Eligible("hosted-openai"),
		"unprobed connectors must still receive traffic")
}

func TestTracker_SuccessMakesAvailable(t *testing.T) {
	tr := NewTracker(time.Minute)

	tr.RecordSuccess("local")
	assert.Equal(t, StateAvailable, tr.State("local"))
	assert.True(t, tr.Eligible("local"))
}

func TestTracker_SingleFailureDoesNotTrip(t *testing.T) {
	tr := NewTracker(time.Minute)

	tr.RecordSuccess("local")
	tr.RecordFailure("local", errors.New("connection refused"))

	assert.Equal(t, StateAvailable, tr.State("local"))
	assert.True(t, tr.Eligible("local"))
}

func TestTracker_TwoConsecutiveFailuresTrip(t *testing.T) {
	tr := NewTracker(time.Minute)

	tr.RecordFailure("local", errors.New("connection refused"))
	tr.RecordFailure("local", errors.New("connection refused"))

	assert.Equal(t, StateUnavailable, tr.State("local"))
	assert.False(t, tr.Eligible("local"))

	snap := tr.Snapshot("local")
	assert.Equal(t, StateUnavailable, snap.State)
	assert.Contains(t, snap.LastFailure, "connection refused")
}

func TestTracker_SuccessClearsFailureStreak(t *testing.T) {
	tr := NewTracker(time.Minute)

	tr.RecordFailure("local", errors.New("timeout"))
	tr.RecordSuccess("local")
	tr.RecordFailure("local", errors.New("timeout"))

	assert.Equal(t, StateAvailable, tr.State("local"),
		"a success between failures resets the streak")
}

func TestTracker_StaleFailuresAgeOut(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	tr := NewTracker(time.Minute)
	tr.now = func() time.Time { return now }

	tr.RecordFailure("hosted-grok", errors.New("503"))

	// Second failure arrives after the TTL window; the first no longer counts.
	now = base.Add(2 * time.Minute)
	tr.RecordFailure("hosted-grok", errors.New("503"))

	assert.NotEqual(t, StateUnavailable, tr.State("hosted-grok"))
}

func TestTracker_PinUnavailable(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	tr := NewTracker(time.Minute)
	tr.now = func() time.Time { return now }

	until := base.Add(6 * time.Hour)
	tr.PinUnavailable("hosted-openai", until, "provider quota exhausted")

	assert.Equal(t, StateUnavailable, tr.State("hosted-openai"))
	assert.Contains(t, tr.Snapshot("hosted-openai").LastFailure, "quota")

	// A successful probe during the pin window must not flip the state.
	tr.RecordSuccess("hosted-openai")
	assert.Equal(t, StateUnavailable, tr.State("hosted-openai"))

	// After the pin deadline a success recovers the connector.
	now = until.Add(time.Second)
	tr.RecordSuccess("hosted-openai")
	assert.Equal(t, StateAvailable, tr.State("hosted-openai"))
}

func TestTracker_Forget(t *testing.T) {
	tr := NewTracker(time.Minute)

	tr.RecordFailure("local", errors.New("x"))
	tr.RecordFailure("local", errors.New("x"))
	assert.Equal(t, StateUnavailable, tr.State("local"))

	tr.Forget("local")
	assert.Equal(t, StateUnknown, tr.State("local"))
}

func TestAvailState_String(t *testing.T) {
	assert.Equal(t, "unknown", StateUnknown.String())
	assert.Equal(t, "available", StateAvailable.String())
	assert.Equal(t, "unavailable", StateUnavailable.String())
}
