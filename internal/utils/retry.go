// internal/utils/retry.go
package utils

import (
	"context"
	"errors"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/sirupsen/logrus"
)

// RetryPolicy is the backoff used around external calls.
type RetryPolicy struct {
	Attempts  uint
	Delay     time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// retries everything.
	Retryable func(error) bool
	Logger    logrus.FieldLogger
}

// DefaultRetryPolicy matches the mail transport defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		Delay:     time.Second,
		MaxDelay:  10 * time.Second,
		MaxJitter: 500 * time.Millisecond,
	}
}

// Do runs fn until it succeeds, the attempts are used up, the error is not
// retryable or ctx is done. The returned error is the last one fn produced.
func (p RetryPolicy) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	opts := []retry.Option{
		retry.Attempts(attempts),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			if p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"operation": name,
					"attempt":   n + 1,
					"error":     err.Error(),
				}).Warn("Retrying after failure")
			}
		}),
	}
	// zero values keep the library defaults; a zero jitter would panic
	if p.Delay > 0 {
		opts = append(opts, retry.Delay(p.Delay))
	}
	if p.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(p.MaxDelay))
	}
	if p.MaxJitter > 0 {
		opts = append(opts, retry.MaxJitter(p.MaxJitter))
	}

	var lastErr error
	err := retry.Do(
		func() error {
			err := fn(ctx)
			if err == nil {
				return nil
			}
			lastErr = err
			if p.Retryable != nil && !p.Retryable(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		opts...,
	)
	if err == nil {
		return nil
	}
	if lastErr == nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		return errors.Join(lastErr, ctxErr)
	}
	return lastErr
}
