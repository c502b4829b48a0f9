package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefsync/prefsync/internal/backend"
	"github.com/prefsync/prefsync/internal/clock"
)

func newTestEngine(fake *clock.Fake) *Engine {
	return NewEngine(Config{
		MaxAttempts:      3,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         30 * time.Second,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		Clock:            fake,
	})
}

func TestClassifyStatuses(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  Category
		retryable bool
		strategy  string
	}{
		{"server error", &backend.Error{Status: 500}, CategoryServer, true, StrategyBackoff},
		{"bad gateway", &backend.Error{Status: 502}, CategoryServer, true, StrategyBackoff},
		{"unauthorized", &backend.Error{Status: 401}, CategoryAuth, true, StrategyRefreshSession},
		{"forbidden", &backend.Error{Status: 403}, CategoryAuth, true, StrategyRefreshSession},
		{"rate limited", &backend.Error{Status: 429}, CategoryRateLimited, true, StrategyBackoff},
		{"request timeout", &backend.Error{Status: 408}, CategoryTimeout, true, StrategyBackoff},
		{"validation", &backend.Error{Status: 422}, CategoryValidation, false, StrategyNone},
		{"bad request", &backend.Error{Status: 400}, CategoryValidation, false, StrategyNone},
		{"deadline", context.DeadlineExceeded, CategoryTimeout, true, StrategyBackoff},
		{"unknown", errors.New("boom"), CategoryUnknown, true, StrategyBackoff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(tt.err)
			assert.Equal(t, tt.category, cls.Category)
			assert.Equal(t, tt.retryable, cls.Retryable)
			assert.Equal(t, tt.strategy, cls.Strategy)
		})
	}
}

func TestValidationErrorsNeverRetry(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(fake)
	assert.False(t, e.ShouldRetry("settings", &backend.Error{Status: 400}, 1))
}

func TestAttemptBound(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(fake)
	err := &backend.Error{Status: 500}
	assert.True(t, e.ShouldRetry("settings", err, 1))
	assert.True(t, e.ShouldRetry("settings", err, 2))
	assert.False(t, e.ShouldRetry("settings", err, 3), "attempt 3 of 3 is the last")
}

func TestNextDelayExponentialCapped(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(fake)
	assert.Equal(t, 500*time.Millisecond, e.NextDelay(1))
	assert.Equal(t, time.Second, e.NextDelay(2))
	assert.Equal(t, 2*time.Second, e.NextDelay(3))
	assert.Equal(t, 30*time.Second, e.NextDelay(10), "delay must cap at the maximum")
	assert.Equal(t, 500*time.Millisecond, e.NextDelay(0))
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(fake)

	for i := 0; i < 4; i++ {
		e.RecordOutcome("settings", false)
		ok, _ := e.Allow("settings")
		require.True(t, ok, "circuit must stay closed below the threshold")
	}
	e.RecordOutcome("settings", false)

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StateOpen, snap[0].State)
	assert.Equal(t, 5, snap[0].ConsecutiveFailures)

	ok, reason := e.Allow("settings")
	assert.False(t, ok)
	assert.Equal(t, BlockCircuitOpen, reason)
	assert.False(t, e.ShouldRetry("settings", &backend.Error{Status: 500}, 1))
}

func TestCircuitHalfOpenSingleProbe(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(fake)

	for i := 0; i < 5; i++ {
		e.RecordOutcome("settings", false)
	}
	ok, _ := e.Allow("settings")
	require.False(t, ok)

	fake.Advance(31 * time.Second)
	ok, _ = e.Allow("settings")
	require.True(t, ok, "cooldown elapsed, one probe allowed")

	ok, reason := e.Allow("settings")
	assert.False(t, ok, "only one probe while half-open")
	assert.Equal(t, BlockCircuitOpen, reason)
}

func TestProbeSuccessClosesAndResets(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(fake)

	for i := 0; i < 5; i++ {
		e.RecordOutcome("settings", false)
	}
	fake.Advance(31 * time.Second)
	ok, _ := e.Allow("settings")
	require.True(t, ok)

	e.RecordOutcome("settings", true)
	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StateClosed, snap[0].State)
	assert.Equal(t, 0, snap[0].ConsecutiveFailures)
	ok, _ = e.Allow("settings")
	assert.True(t, ok)
}

func TestProbeFailureReopensWithGrownCooldown(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(fake)

	for i := 0; i < 5; i++ {
		e.RecordOutcome("settings", false)
	}
	fake.Advance(31 * time.Second)
	ok, _ := e.Allow("settings")
	require.True(t, ok)

	e.RecordOutcome("settings", false)
	snap := e.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, StateOpen, snap[0].State)

	// The original cooldown is no longer enough.
	fake.Advance(31 * time.Second)
	ok, _ = e.Allow("settings")
	assert.False(t, ok, "cooldown doubled after failed probe")

	fake.Advance(30 * time.Second)
	ok, _ = e.Allow("settings")
	assert.True(t, ok)
}

func TestCircuitsAreIndependentPerDomain(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(fake)

	for i := 0; i < 5; i++ {
		e.RecordOutcome("settings", false)
	}
	ok, _ := e.Allow("settings")
	require.False(t, ok)
	ok, _ = e.Allow("profile")
	assert.True(t, ok, "other domains keep their own circuit")
}
