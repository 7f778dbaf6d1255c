package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/askdoc/internal/config"
	appErr "github.com/xxxsen/askdoc/internal/pkg/errors"
)

const queryWindow = time.Hour

// Limiter enforces two independent gates per session: a sliding one-hour
// query quota and a cap on concurrently open streams. A background sweep
// drops sessions whose timestamp lists have emptied.
type Limiter struct {
	queriesPerHour int
	maxConcurrent  int
	sweepInterval  time.Duration

	mu      sync.Mutex
	queries map[string][]time.Time
	streams map[string]int

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		queriesPerHour: cfg.QueriesPerHour,
		maxConcurrent:  cfg.MaxConcurrentStreams,
		sweepInterval:  time.Duration(cfg.SweepIntervalMinutes) * time.Minute,
		queries:        make(map[string][]time.Time),
		streams:        make(map[string]int),
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
}

// CheckQueryLimit reports whether the session may run another query and, if
// so, records it. A rejected check mutates nothing.
func (l *Limiter) CheckQueryLimit(ctx context.Context, sessionID string) bool {
	now := l.now()
	cutoff := now.Add(-queryWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := pruneBefore(l.queries[sessionID], cutoff)
	if len(recent) >= l.queriesPerHour {
		l.queries[sessionID] = recent
		logutil.GetLogger(ctx).Warn("query rate limit exceeded",
			zap.String("session_id", sessionID),
			zap.Int("query_count", len(recent)),
			zap.Int("limit", l.queriesPerHour),
		)
		return false
	}
	l.queries[sessionID] = append(recent, now)
	return true
}

func (l *Limiter) AcquireStream(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.streams[sessionID] >= l.maxConcurrent {
		logutil.GetLogger(ctx).Warn("concurrent stream limit exceeded",
			zap.String("session_id", sessionID),
			zap.Int("active_streams", l.streams[sessionID]),
			zap.Int("limit", l.maxConcurrent),
		)
		return fmt.Errorf("%w: too many concurrent requests", appErr.ErrTooMany)
	}
	l.streams[sessionID]++
	return nil
}

// ReleaseStream is a no-op when no stream is held; mis-paired releases must
// not drive the counter negative.
func (l *Limiter) ReleaseStream(ctx context.Context, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.streams[sessionID] > 0 {
		l.streams[sessionID]--
	}
	if l.streams[sessionID] == 0 {
		delete(l.streams, sessionID)
	}
}

func (l *Limiter) QueryCount(sessionID string) int {
	cutoff := l.now().Add(-queryWindow)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(pruneBefore(l.queries[sessionID], cutoff))
}

func (l *Limiter) ActiveStreams(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams[sessionID]
}

// Start launches the periodic sweep. The sweep only bounds memory; limit
// decisions stay correct without it because every check prunes inline.
func (l *Limiter) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep(ctx)
			}
		}
	}()
	logutil.GetLogger(ctx).Info("rate limiter sweep started",
		zap.Duration("interval", l.sweepInterval),
	)
}

func (l *Limiter) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Limiter) sweep(ctx context.Context) {
	cutoff := l.now().Add(-queryWindow)

	l.mu.Lock()
	removed := 0
	for sessionID, stamps := range l.queries {
		recent := pruneBefore(stamps, cutoff)
		if len(recent) == 0 {
			delete(l.queries, sessionID)
			removed++
			continue
		}
		l.queries[sessionID] = recent
	}
	remaining := len(l.queries)
	l.mu.Unlock()

	if removed > 0 {
		logutil.GetLogger(ctx).Debug("rate limiter sweep",
			zap.Int("sessions_removed", removed),
			zap.Int("sessions_remaining", remaining),
		)
	}
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	return stamps[idx:]
}
