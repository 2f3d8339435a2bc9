package exchange

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"grid-risk-engine/internal/models"
)

// RetryPolicy bounds retries of transient exchange failures.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches the config defaults: 3 attempts starting at
// 250ms, capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// WithRetry runs op, retrying transient failures with exponential backoff and
// jitter. Validation and fatal errors return immediately; exhaustion returns
// the last transient error so the caller can count it as a failed tick.
func WithRetry(ctx context.Context, logger *zap.Logger, policy RetryPolicy, name string, op func() error) error {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	b := &backoff.Backoff{
		Min:    policy.InitialDelay,
		Max:    policy.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !models.IsTransient(err) {
			return err
		}
		if attempt == policy.Attempts {
			break
		}
		delay := b.Duration()
		// Routine retries stay at debug; only exhaustion escalates.
		logger.Debug("transient exchange error, retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.Warn("retries exhausted", zap.String("op", name), zap.Int("attempts", policy.Attempts), zap.Error(err))
	return err
}
