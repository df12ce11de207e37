package usecase

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"XueXinwen/internal/config"
	"XueXinwen/internal/domain"
)

// RetryPolicy is exponential backoff with jitter for collaborator calls.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64

	// newTimer is replaced in tests.
	newTimer func() backoff.Timer
}

// DefaultRetryPolicy is 3 retries from 500ms doubling up to 8s with 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

// RetryPolicyFromConfig maps the pipeline retry settings onto a policy.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	policy := DefaultRetryPolicy()
	if cfg.MaxRetries >= 0 {
		policy.MaxRetries = cfg.MaxRetries
	}
	if cfg.InitialBackoff > 0 {
		policy.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		policy.MaxBackoff = cfg.MaxBackoff
	}
	if cfg.Multiplier >= 1 {
		policy.Multiplier = cfg.Multiplier
	}
	return policy
}

func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = max(p.MaxBackoff, p.InitialBackoff)
	b.Multiplier = max(p.Multiplier, 1)
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Backoff returns the wait before retry number n (1-based), jitter included.
func (p RetryPolicy) Backoff(n int) time.Duration {
	b := p.exponential()
	wait := b.NextBackOff()
	for i := 1; i < n; i++ {
		wait = b.NextBackOff()
	}
	return wait
}

// Do runs fn until it succeeds, returns a non-retryable error, or the retries are spent.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	attempts := 0
	operation := func() error {
		attempts++
		err := fn(ctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case !domain.IsRetryable(err):
			return backoff.Permanent(err)
		}
		return err
	}

	var timer backoff.Timer
	if p.newTimer != nil {
		timer = p.newTimer()
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(p.exponential(), uint64(max(p.MaxRetries, 0))), ctx)
	err := backoff.RetryNotifyWithTimer(operation, policy, nil, timer)
	return attempts, err
}
