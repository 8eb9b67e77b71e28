package breaker

import (
	"testing"
	"time"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/stretchr/testify/assert"
)

func transient() error { return syncerr.NewTransientNetworkError("remote", "connection reset") }

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "test",
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 2 },
		Timeout:     100 * time.Millisecond,
	})

	// Initial State: Closed
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	// Failure 1
	_ = cb.Do(transient)
	assert.Equal(t, StateClosed, cb.State())

	// Failure 2 (Trips)
	_ = cb.Do(transient)
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	// Wait for Timeout
	time.Sleep(150 * time.Millisecond)

	// Should transition to Half-Open on next check
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Allow())

	// Success in Half-Open -> Closed
	assert.NoError(t, cb.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpenFailsFastAsRetryable(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "remote",
		ReadyToTrip: func(counts Counts) bool { return true },
		Timeout:     time.Minute,
	})
	_ = cb.Do(transient)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Do(func() error { called = true; return nil })
	assert.False(t, called)
	assert.True(t, syncerr.IsRetryable(err))
	d, ok := syncerr.RetryAfter(err)
	assert.True(t, ok)
	assert.LessOrEqual(t, d, time.Minute)
}

func TestCircuitBreaker_ConflictsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "remote",
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 1 },
	})
	for i := 0; i < 10; i++ {
		_ = cb.Do(func() error { return syncerr.NewVersionConflictError("push", "stale") })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker(Settings{
		Name:        "test",
		MaxRequests: 1,
		ReadyToTrip: func(counts Counts) bool { return true },
		Timeout:     10 * time.Millisecond,
		OnStateChange: func(_ string, _ State, to State) {
			transitions = append(transitions, to)
		},
	})

	_ = cb.Do(transient)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Do(transient)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateOpen}, transitions)
}
