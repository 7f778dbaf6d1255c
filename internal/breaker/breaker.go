package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/askdoc/internal/config"
)

// ErrOpen is returned when the circuit rejects a call without executing it.
var ErrOpen = errors.New("service temporarily unavailable")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker isolates a flaky upstream. It opens after a run of consecutive
// failures, rejects calls while open, and probes recovery through a
// half-open state once the recovery timeout has elapsed.
type Breaker struct {
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	now func() time.Time
}

func New(cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		recoveryTimeout:  time.Duration(cfg.RecoveryTimeoutSeconds) * time.Second,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Call runs op under breaker protection. While open it fails fast with
// ErrOpen and records nothing. A context.Canceled result is treated as a
// caller disconnect, not a provider failure, and leaves the counters alone.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}
	err := op(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		return err
	}
	if err != nil {
		b.onFailure(ctx)
		return err
	}
	b.onSuccess(ctx)
	return nil
}

func (b *Breaker) admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastFailureTime) > b.recoveryTimeout {
		logutil.GetLogger(ctx).Info("circuit breaker entering half-open state")
		b.state = StateHalfOpen
		b.successCount = 0
		return nil
	}
	return ErrOpen
}

func (b *Breaker) onSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			logutil.GetLogger(ctx).Info("circuit breaker closing after recovery",
				zap.Int("success_count", b.successCount),
			)
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case StateClosed:
		b.failureCount = 0
	}
}

func (b *Breaker) onFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailureTime = b.now()

	switch {
	case b.state == StateHalfOpen:
		logutil.GetLogger(ctx).Warn("circuit breaker reopening after failed probe",
			zap.Int("failure_count", b.failureCount),
		)
		b.state = StateOpen
		b.successCount = 0
	case b.failureCount >= b.failureThreshold:
		logutil.GetLogger(ctx).Error("circuit breaker opening",
			zap.Int("failure_count", b.failureCount),
			zap.Int("threshold", b.failureThreshold),
		)
		b.state = StateOpen
	}
}

type Snapshot struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
	}
}
