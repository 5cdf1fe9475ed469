package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// newBackOff builds the retry schedule from the client configuration
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryDelay
	if c.config.BackoffFactor > 1 {
		b.Multiplier = c.config.BackoffFactor
	}
	// Attempts are bounded by MaxRetries, not by elapsed time.
	b.MaxElapsedTime = 0

	var retries backoff.BackOff = &backoff.StopBackOff{}
	if c.config.MaxRetries > 0 {
		retries = backoff.WithMaxRetries(b, uint64(c.config.MaxRetries))
	}
	return backoff.WithContext(retries, ctx)
}

// callWithRetry executes an RPC call with retry logic
func (c *Client) callWithRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	attempts := 0
	op := func() error {
		attempts++
		// Create a context with timeout
		callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()

		err := fn(callCtx)
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		c.log.WithError(err).WithFields(logrus.Fields{
			"op":      operation,
			"attempt": attempts,
		}).Debugf("retrying in %s", next)
	}

	err := backoff.RetryNotify(op, c.newBackOff(ctx), notify)
	switch {
	case err == nil:
		return nil
	case !isRetryableError(err):
		return StatusToError(operation, err)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return StatusToError(operation, fmt.Errorf("operation %s failed after %d attempts: %w", operation, attempts, err))
	}
}

// isRetryableError checks if an error is retryable
func isRetryableError(err error) bool {
	// If it's a context error, it's not retryable
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	// Check gRPC error codes
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.Aborted:
			// Server is unavailable or the call was aborted
			return true
		default:
			// Other errors are not retryable
			return false
		}
	}

	// Default to not retryable
	return false
}
