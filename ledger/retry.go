package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/warp/contract-engine/contract"
)

// RetryConfig bounds how often a read-modify-write is retried after an
// optimistic lock conflict.
type RetryConfig struct {
	// MaxAttempts includes the first try.
	MaxAttempts int

	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		BackoffBase:       10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        250 * time.Millisecond,
	}
}

func (rc RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.BackoffBase
	b.Multiplier = rc.BackoffMultiplier
	b.MaxInterval = rc.MaxBackoff
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	retries := rc.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// retryOnConflict runs op until it succeeds, fails with a non-conflict
// error, or the attempts run out. onConflict is called for each conflict.
func retryOnConflict(ctx context.Context, rc RetryConfig, onConflict func(attempt int, err error), op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if contract.IsRetryable(err) {
			if onConflict != nil {
				onConflict(attempt, err)
			}
			return err
		}
		return backoff.Permanent(err)
	}, rc.backOff(ctx))
}
