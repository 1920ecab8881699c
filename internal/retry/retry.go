// Package retry runs calls to external collaborators with bounded
// exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default policy values.
const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second
	DefaultMultiplier      = 2.0
)

// Policy bounds retries of one operation.
type Policy struct {
	MaxAttempts     int // total attempts including the first
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// OnRetry is called before each wait, if set.
	OnRetry func(err error, wait time.Duration)
}

// DefaultPolicy returns a policy of 3 attempts starting at 200ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultMultiplier,
	}
}

// Do runs op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	return backoff.RetryNotify(op, p.backOff(ctx), p.OnRetry)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		eb.Multiplier = p.Multiplier
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
