// Package retry wraps room operations with bounded exponential backoff.
// Only transient infrastructure failures are retried; validation,
// permission and business-rule failures surface immediately.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/gymbro/internal/fault"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 1000 * time.Millisecond
	DefaultMaxDelay  = 8000 * time.Millisecond
)

type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    *zap.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPolicy(logger *zap.Logger) *Policy {
	return &Policy{
		Attempts:  DefaultAttempts,
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
		Logger:    logger,
		sleep:     sleepCtx,
	}
}

// Do runs fn up to Attempts times. The delay before attempt n (n ≥ 2) is
// min(BaseDelay·2^(n-2), MaxDelay). Permanent errors short-circuit; after
// the budget is spent the last error is returned.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt)
			p.Logger.Warn("retrying operation",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := p.sleep(ctx, delay); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if fault.Permanent(err) {
			return err
		}
		lastErr = err
	}
	p.Logger.Error("retries exhausted", zap.String("op", op), zap.Error(lastErr))
	return lastErr
}

// Delay returns the backoff before attempt n (n ≥ 2).
func (p *Policy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay << (attempt - 2)
	if delay > p.MaxDelay || delay <= 0 {
		return p.MaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
