package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/askdoc/internal/config"
)

var errUpstream = errors.New("upstream boom")

func newTestBreaker(now *time.Time) *Breaker {
	b := New(config.BreakerConfig{
		FailureThreshold:       5,
		SuccessThreshold:       2,
		RecoveryTimeoutSeconds: 60,
	})
	b.now = func() time.Time { return *now }
	return b
}

func fail(ctx context.Context) error    { return errUpstream }
func succeed(ctx context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Call(ctx, fail), errUpstream)
		require.Equal(t, StateClosed, b.Stats().State)
	}
	require.ErrorIs(t, b.Call(ctx, fail), errUpstream)
	require.Equal(t, StateOpen, b.Stats().State)

	// Sixth call is rejected without invoking the operation.
	invoked := false
	err := b.Call(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	require.False(t, invoked)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.Error(t, b.Call(ctx, fail))
	}
	require.NoError(t, b.Call(ctx, succeed))
	require.Equal(t, 0, b.Stats().FailureCount)
	for i := 0; i < 4; i++ {
		require.Error(t, b.Call(ctx, fail))
	}
	require.Equal(t, StateClosed, b.Stats().State)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.Error(t, b.Call(ctx, fail))
	}
	require.Equal(t, StateOpen, b.Stats().State)

	now = now.Add(61 * time.Second)
	require.NoError(t, b.Call(ctx, succeed))
	require.Equal(t, StateHalfOpen, b.Stats().State)
	require.NoError(t, b.Call(ctx, succeed))
	require.Equal(t, StateClosed, b.Stats().State)
	require.Equal(t, 0, b.Stats().FailureCount)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.Error(t, b.Call(ctx, fail))
	}
	now = now.Add(61 * time.Second)
	require.ErrorIs(t, b.Call(ctx, fail), errUpstream)
	require.Equal(t, StateOpen, b.Stats().State)
	require.Equal(t, 0, b.Stats().SuccessCount)

	// Still rejecting before the timeout elapses again.
	require.ErrorIs(t, b.Call(ctx, succeed), ErrOpen)
}

func TestBreakerCallerCancelNotRecorded(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := b.Call(ctx, func(ctx context.Context) error {
			return context.Canceled
		})
		require.ErrorIs(t, err, context.Canceled)
	}
	require.Equal(t, StateClosed, b.Stats().State)
	require.Equal(t, 0, b.Stats().FailureCount)
}
