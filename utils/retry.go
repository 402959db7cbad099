package utils

import (
	"context"
	"log"
	"math/rand"
	"time"
)

// ============================================================================
// RETRY WITH EXPONENTIAL BACKOFF
// Generic wrapper for unreliable upstream calls (marketplace API, LLM API).
// Backoff state is per invocation; concurrent calls do not share it.
// ============================================================================

// RetryConfig controls the backoff schedule. Zero values are replaced by the
// defaults below, which match the upstream call budget the service was tuned
// for.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff float64 // seconds
	MaxBackoff     float64 // seconds
	BackoffFactor  float64
	Jitter         bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 2.0,
		MaxBackoff:     60.0,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// Retryable decides whether a failure is worth another attempt. Failures it
// rejects propagate immediately without consuming a retry slot.
type Retryable func(error) bool

// RetryAll treats every failure as retryable.
func RetryAll(error) bool { return true }

// Retry runs op until it succeeds, the failure is not retryable, the retry
// budget is exhausted, or ctx is cancelled. The last error is returned as-is
// so callers can inspect it.
func Retry[T any](ctx context.Context, cfg RetryConfig, retryable Retryable, op func(context.Context) (T, error)) (T, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2.0
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60.0
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2.0
	}
	if retryable == nil {
		retryable = RetryAll
	}

	var zero T
	retries := 0
	backoff := cfg.InitialBackoff

	for {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !retryable(err) {
			return zero, err
		}

		retries++
		if retries > cfg.MaxRetries {
			log.Printf("[Retry] Max retries (%d) exceeded. Last error: %v", cfg.MaxRetries, err)
			return zero, err
		}

		backoff = min(backoff*cfg.BackoffFactor, cfg.MaxBackoff)
		wait := backoff
		if cfg.Jitter {
			// Random value between 80% and 120% of the computed backoff.
			wait = backoff * (0.8 + 0.4*rand.Float64())
		}

		log.Printf("[Retry] Attempt %d/%d after error: %v. Waiting %.2fs before next attempt.",
			retries, cfg.MaxRetries, err, wait)

		if err := Sleep(ctx, time.Duration(wait*float64(time.Second))); err != nil {
			return zero, err
		}
	}
}

// Sleep waits for d unless ctx is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
