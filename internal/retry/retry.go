// Package retry re-runs store and cache calls that fail with transient errors.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Policy is an exponential backoff schedule.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Expected reports errors the caller handles as a normal outcome. They are
	// returned at once and logged at debug level only.
	Expected func(error) bool
}

// Do calls fn until it succeeds, returns a non-transient error, the attempts
// run out, or ctx is done. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, logger *zap.Logger, fn func() error) error {
	if p.Attempts <= 1 {
		return fn()
	}

	backoff := p.InitialBackoff
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.MaxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if p.Expected != nil && p.Expected(err) {
			logger.Debug("operation returned expected error", zap.Error(err))
			return err
		}
		if !IsTransient(err) || attempt == p.Attempts-1 {
			logger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return err
		}

		logger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return err
}

// IsTransient reports deadline, timeout and temporary errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
