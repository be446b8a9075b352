package distlock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ignite/mailrice/internal/pkg/logger"
)

// RetryPolicy bounds lock acquisition.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy allows ten attempts with delays capped at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   25 * time.Millisecond,
		MaxDelay:    time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Delay returns the wait before the given retry (attempt >= 1).
// Exponential backoff with equal jitter: half the capped delay is fixed, the
// other half random, so waits never collapse to zero.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(p.MaxDelay) {
		exp = float64(p.MaxDelay)
	}
	half := exp / 2
	return time.Duration(half + rand.Float64()*half)
}

// AcquireWithRetry calls l.Acquire until it succeeds, the attempts run out or
// ctx is done. onRetry, if non-nil, is invoked before every wait.
// Exhaustion returns an error wrapping ErrNotAcquired.
func AcquireWithRetry(ctx context.Context, l DistLock, p RetryPolicy, onRetry func(attempt int)) error {
	p = p.normalized()
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		ok, err := l.Acquire(ctx)
		if ok {
			return nil
		}
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
		}
		if attempt == p.MaxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt)
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrNotAcquired, p.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrNotAcquired, p.MaxAttempts)
}

// WithLock runs fn while holding a lock obtained from AcquireWithRetry.
// Release uses a detached context so cancellation never strands the lock.
func WithLock(ctx context.Context, l DistLock, p RetryPolicy, onRetry func(int), fn func() error) error {
	if err := AcquireWithRetry(ctx, l, p, onRetry); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Release(releaseCtx); err != nil {
			logger.Warn("distlock: release failed", "error", err)
		}
	}()
	return fn()
}
