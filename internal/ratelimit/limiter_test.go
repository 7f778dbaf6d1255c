package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/askdoc/internal/config"
	appErr "github.com/xxxsen/askdoc/internal/pkg/errors"
)

func newTestLimiter(now *time.Time, perHour, maxStreams int) *Limiter {
	l := New(config.RateLimitConfig{
		QueriesPerHour:       perHour,
		MaxConcurrentStreams: maxStreams,
		SweepIntervalMinutes: 5,
	})
	l.now = func() time.Time { return *now }
	return l
}

func TestQueryLimitSlidingWindow(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(&now, 3, 5)
	ctx := context.Background()

	require.True(t, l.CheckQueryLimit(ctx, "s1"))
	now = now.Add(time.Minute)
	require.True(t, l.CheckQueryLimit(ctx, "s1"))
	now = now.Add(time.Minute)
	require.True(t, l.CheckQueryLimit(ctx, "s1"))
	require.False(t, l.CheckQueryLimit(ctx, "s1"))
	require.Equal(t, 3, l.QueryCount("s1"))

	// Rejected check records nothing; once the oldest query ages out,
	// capacity frees up by exactly one.
	now = now.Add(58*time.Minute + 30*time.Second)
	require.True(t, l.CheckQueryLimit(ctx, "s1"))
	require.False(t, l.CheckQueryLimit(ctx, "s1"))
}

func TestQueryLimitSessionsIndependent(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(&now, 1, 5)
	ctx := context.Background()

	require.True(t, l.CheckQueryLimit(ctx, "s1"))
	require.False(t, l.CheckQueryLimit(ctx, "s1"))
	require.True(t, l.CheckQueryLimit(ctx, "s2"))
}

func TestStreamCap(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(&now, 100, 2)
	ctx := context.Background()

	require.NoError(t, l.AcquireStream(ctx, "s1"))
	require.NoError(t, l.AcquireStream(ctx, "s1"))
	err := l.AcquireStream(ctx, "s1")
	require.ErrorIs(t, err, appErr.ErrTooMany)
	require.Equal(t, 2, l.ActiveStreams("s1"))

	l.ReleaseStream(ctx, "s1")
	require.NoError(t, l.AcquireStream(ctx, "s1"))
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(&now, 100, 2)
	ctx := context.Background()

	l.ReleaseStream(ctx, "s1")
	l.ReleaseStream(ctx, "s1")
	require.Equal(t, 0, l.ActiveStreams("s1"))
	require.NoError(t, l.AcquireStream(ctx, "s1"))
	require.Equal(t, 1, l.ActiveStreams("s1"))
}

func TestSweepRemovesEmptySessions(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(&now, 100, 5)
	ctx := context.Background()

	require.True(t, l.CheckQueryLimit(ctx, "old"))
	now = now.Add(30 * time.Minute)
	require.True(t, l.CheckQueryLimit(ctx, "active"))
	now = now.Add(31 * time.Minute)

	l.sweep(ctx)

	l.mu.Lock()
	_, hasOld := l.queries["old"]
	_, hasActive := l.queries["active"]
	l.mu.Unlock()
	require.False(t, hasOld)
	require.True(t, hasActive)
}

func TestSweeperLifecycle(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(&now, 100, 5)
	l.sweepInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	l.Stop()
}
