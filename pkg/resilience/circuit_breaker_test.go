package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("api.example.com", CircuitBreakerConfig{
		FailureThreshold: threshold,
		CooldownPeriod:   cooldown,
	})
	cb.nowFn = func() time.Time { return now }
	return cb, &now
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return errBoom })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return nil })
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, fail(cb), errBoom)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	// Open circuit rejects without invoking the call.
	invoked := false
	err := cb.Execute(context.Background(), func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	require.Error(t, fail(cb))
	require.Error(t, fail(cb))
	require.NoError(t, succeed(cb))
	require.Error(t, fail(cb))
	require.Error(t, fail(cb))

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	require.Error(t, fail(cb))
	require.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(61 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func() error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()
	<-probeStarted

	// A second call while the probe is in flight is rejected.
	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(probeRelease)
	require.NoError(t, <-done)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestProbeFailureReopensCircuit(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	require.Error(t, fail(cb))
	*now = now.Add(2 * time.Minute)

	assert.ErrorIs(t, fail(cb), errBoom)
	assert.Equal(t, CircuitOpen, cb.State())

	// Cooldown restarted at the probe failure.
	*now = now.Add(30 * time.Second)
	assert.Equal(t, CircuitOpen, cb.State())
	*now = now.Add(31 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestRegistrySharesBreakerPerTarget(t *testing.T) {
	r := NewRegistry(CircuitBreakerConfig{FailureThreshold: 1, CooldownPeriod: time.Minute})

	a := r.Get("db-primary")
	b := r.Get("db-primary")
	c := r.Get("api.example.com")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	require.Error(t, fail(a))
	assert.Equal(t, CircuitOpen, b.State())
	assert.Equal(t, CircuitClosed, c.State())
}
