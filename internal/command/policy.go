// Package command runs entity commands against vendor clients with an
// optional retry policy.
package command

import (
	"context"
	"time"

	"integrationcore/pkg/vendor"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

// Policy decides how often a failed command is retried. Only transient
// failures (connection, rate limit, timeout) are retried; auth and request
// errors fail immediately.
type Policy struct {
	// MaxAttempts is the total number of tries. Values below 2 mean a single attempt.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *zap.Logger
}

// Default returns the single-attempt policy.
func Default() Policy {
	return Policy{MaxAttempts: 1}
}

// Run executes fn until it succeeds, fails permanently, exhausts the
// attempts or ctx is done. name identifies the command in logs.
func (p Policy) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 2 {
		return fn(ctx)
	}

	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = orDefault(p.InitialInterval, DefaultInitialInterval)
	b.MaxInterval = orDefault(p.MaxInterval, DefaultMaxInterval)
	b.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && !vendor.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("Command failed, retrying",
			zap.String("command", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	return backoff.RetryNotify(operation, bo, notify)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
