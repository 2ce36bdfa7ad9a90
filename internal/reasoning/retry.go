package reasoning

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	// DefaultMaxAttempts bounds how often one call is retried.
	DefaultMaxAttempts = 3

	// retryBase is the first back-off delay; subsequent delays grow by
	// retryMultiplier.
	retryBase       = time.Second
	retryMultiplier = 1.5
)

// RetryClient wraps a Client with exponential back-off retries.
//
// Reasoning calls are the only retried operation in the engine:
// malformed output and transient service failures are retried
// transparently, while context cancellation stops immediately.
type RetryClient struct {
	inner    Client
	attempts uint
	logger   *zap.Logger
}

// WithRetry decorates a client. attempts <= 0 uses the default.
func WithRetry(inner Client, attempts int, logger *zap.Logger) *RetryClient {
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryClient{
		inner:    inner,
		attempts: uint(attempts),
		logger:   logger.Named("reasoning"),
	}
}

// Generate retries the wrapped Generate.
func (c *RetryClient) Generate(ctx context.Context, req Request) (string, error) {
	attempt := 0
	op := func() (string, error) {
		attempt++
		text, err := c.inner.Generate(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "", backoff.Permanent(err)
			}
			c.logger.Warn("generate attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return "", err
		}
		return text, nil
	}

	text, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.attempts))
	if err != nil {
		return "", fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
	}
	return text, nil
}

// GenerateJSON retries the full generate-and-decode round trip, so a
// parseable-but-wrong-shape response gets a fresh generation. Each
// attempt decodes into a fresh value; out only changes on success, so
// fields from an earlier partial decode never leak through.
func (c *RetryClient) GenerateJSON(ctx context.Context, req Request, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: out must be a non-nil pointer", ErrMalformed)
	}

	attempt := 0
	op := func() (reflect.Value, error) {
		attempt++
		fresh := reflect.New(rv.Elem().Type())
		err := c.inner.GenerateJSON(ctx, req, fresh.Interface())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return fresh, backoff.Permanent(err)
			}
			c.logger.Warn("structured attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return fresh, err
	}

	fresh, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.attempts))
	if err != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
	}
	rv.Elem().Set(fresh.Elem())
	return nil
}

func (c *RetryClient) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.Multiplier = retryMultiplier
	return bo
}
