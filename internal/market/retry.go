package market

import (
	"context"
	"math/rand"
	"time"

	apperrors "qlab/internal/errors"
)

// RetryConfig represents retry configuration
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
	InitialWait time.Duration `yaml:"initial_wait" json:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait" json:"max_wait"`
	Factor      float64       `yaml:"factor" json:"factor"`
	Jitter      float64       `yaml:"jitter" json:"jitter"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:  3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Factor:      2.0,
		Jitter:      0.1,
	}
}

// RetryWithResult retries fn while it fails with a retryable AppError
// (DataUnavailable). Waits grow by Factor with ±Jitter and are capped at
// MaxWait. Cancellation during a wait returns a Cancelled error.
func RetryWithResult[T any](ctx context.Context, fn func(context.Context) (T, error), config *RetryConfig) (T, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var (
		result T
		err    error
		wait   = config.InitialWait
	)

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if !apperrors.IsRetryable(err) || attempt == config.MaxRetries {
			return result, err
		}

		// 指数退避加抖动
		jitter := 1.0 + config.Jitter*(2*rand.Float64()-1)
		next := time.Duration(float64(wait) * jitter)
		if next > config.MaxWait {
			next = config.MaxWait
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, apperrors.NewAppError(apperrors.ErrCodeCancelled, "fetch cancelled during backoff", ctx.Err())
		case <-timer.C:
		}
		wait = time.Duration(float64(wait) * config.Factor)
	}
	return result, err
}
