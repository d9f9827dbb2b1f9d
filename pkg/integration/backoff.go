package integration

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Default integration retry policy: attempt n sleeps base×2ⁿ before the
// next try (1s, 2s, 4s...).
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// RetryPolicy is the exponential-backoff policy applied around Integrate.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy returns the standard 3-attempt policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 1 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// Run executes op with exponential backoff. Every non-permanent error is
// retried; after the last attempt the last error is returned. Wrap an
// error with backoff.Permanent to stop retrying early.
func (p RetryPolicy) Run(ctx context.Context, log *zap.Logger, op func() error) error {
	p = p.normalized()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.BaseDelay << 10
	exp.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil && attempt < p.MaxRetries {
			if _, permanent := err.(*backoff.PermanentError); !permanent && log != nil {
				log.Warn("Integration attempt failed, retrying",
					zap.Int("attempt", attempt),
					zap.Int("max_retries", p.MaxRetries),
					zap.Error(err),
				)
			}
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxRetries-1)), ctx))
}
