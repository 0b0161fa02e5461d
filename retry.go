package slackseek

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// nopLogger discards everything; used when no logger is configured.
var nopLogger = slog.New(slog.DiscardHandler)

// RetryConfig tunes the Retry helper. Zero values take the defaults:
// 3 attempts, 1s base delay.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *slog.Logger
	// OnRetryAfter is invoked with the server-supplied Retry-After duration
	// when the failed attempt carried one. Callers wire this to
	// Governor.NotifyRetryAfter so later requests back off too.
	OnRetryAfter func(d time.Duration)
}

// Retry calls fn up to MaxAttempts times, sleeping between transient
// failures with exponential backoff (base, 2x, 4x, ...) jittered by up to
// a quarter either way. A server Retry-After hint acts as a floor on the
// delay. Non-transient errors return immediately; exhausted throttles are
// reclassified as KindThrottled.
func Retry[T any](ctx context.Context, cfg RetryConfig, op string, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}

	var last error
	for i := 0; i < cfg.MaxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsTransient(err) {
			return result, err
		}
		last = err

		if ra := RetryAfterOf(err); ra > 0 && cfg.OnRetryAfter != nil {
			cfg.OnRetryAfter(ra)
		}
		logger.Warn("retrying transient error",
			"op", op,
			"attempt", i+1,
			"max_attempts", cfg.MaxAttempts,
			"error", err)

		if i < cfg.MaxAttempts-1 {
			delay := retryDelay(cfg.BaseDelay, i, last)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}

	logger.Error("all retry attempts exhausted",
		"op", op,
		"attempts", cfg.MaxAttempts,
		"error", last)
	if KindOf(last) == KindThrottled {
		return zero, Errorf(KindThrottled, "%s: %v", op, last)
	}
	return zero, last
}

// retryDelay computes the sleep before attempt i+1: exponential backoff with
// +/-25% jitter, floored by any server Retry-After hint.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := base * (1 << i)
	quarter := int64(backoff) / 4
	if quarter > 0 {
		backoff += time.Duration(rand.Int63n(2*quarter+1) - quarter)
	}
	if ra := RetryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}
