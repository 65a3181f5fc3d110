package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(clock *fakeClock, cfg BreakerConfig) (*CircuitBreaker, *[]StateChangeEvent) {
	var mu sync.Mutex
	events := &[]StateChangeEvent{}
	cb := NewCircuitBreaker(cfg, clock.Now, func(ev StateChangeEvent) {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
	})
	return cb, events
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb, events := newTestBreaker(clock, BreakerConfig{Threshold: 3, Cooldown: time.Second})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		assert.True(t, cb.IsRequestAllowed())
	}
	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.IsRequestAllowed())
	require.Len(t, *events, 1)
	assert.Equal(t, StateClosed, (*events)[0].From)
	assert.Equal(t, StateOpen, (*events)[0].To)
}

func TestCircuitBreaker_HalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	clock := newFakeClock()
	cb, _ := newTestBreaker(clock, BreakerConfig{Threshold: 1, Cooldown: time.Second})
	cb.RecordFailure()

	clock.Advance(999 * time.Millisecond)
	assert.False(t, cb.IsRequestAllowed())
	assert.Equal(t, time.Millisecond, cb.RetryAfter())

	clock.Advance(time.Millisecond)
	assert.True(t, cb.IsRequestAllowed())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.IsRequestAllowed())
	assert.False(t, cb.IsRequestAllowed())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	cb, events := newTestBreaker(clock, BreakerConfig{Threshold: 2, Cooldown: time.Second})
	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, cb.IsRequestAllowed())

	cb.RecordSuccess()

	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Metrics().FailureCount)
	assert.True(t, cb.IsRequestAllowed())

	// Counters were reset: one failure must not reopen.
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())

	var path []State
	for _, ev := range *events {
		path = append(path, ev.To)
	}
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, path)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb, _ := newTestBreaker(clock, BreakerConfig{Threshold: 1, Cooldown: time.Second})
	cb.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, cb.IsRequestAllowed())

	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.IsRequestAllowed())
	clock.Advance(time.Second)
	assert.True(t, cb.IsRequestAllowed())
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(newFakeClock(), BreakerConfig{Threshold: 3, Cooldown: time.Second})
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	clock := newFakeClock()
	cb, _ := newTestBreaker(clock, BreakerConfig{Threshold: 3, Cooldown: time.Second, Window: 10 * time.Second})

	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(11 * time.Second)
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Metrics().FailureCount)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_ReleaseTrial(t *testing.T) {
	clock := newFakeClock()
	cb, _ := newTestBreaker(clock, BreakerConfig{Threshold: 1, Cooldown: time.Second})
	cb.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, cb.IsRequestAllowed())

	cb.releaseTrial()
	assert.True(t, cb.IsRequestAllowed())
}

func TestCircuitBreaker_ReleaseTrialKeepsState(t *testing.T) {
	clock := newFakeClock()
	cb, _ := newTestBreaker(clock, BreakerConfig{Threshold: 1, Cooldown: time.Second})
	cb.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, cb.IsRequestAllowed())

	cb.releaseTrial()
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.Equal(t, uint64(0), cb.Metrics().TotalSuccess)

	cb.releaseTrial()
	assert.Equal(t, StateHalfOpen, cb.State(), "releasing twice is harmless")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
