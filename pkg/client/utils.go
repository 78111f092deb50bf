package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/KevoDB/sysparam/pkg/sysparam"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Errors that can occur during client operations
var (
	// ErrNotConnected indicates the client is not connected to the server
	ErrNotConnected = errors.New("not connected to server")

	// ErrInvalidOptions indicates invalid client options
	ErrInvalidOptions = errors.New("invalid client options")

	// ErrTimeout indicates the connection could not be made in time
	ErrTimeout = errors.New("request timed out")

	// ErrKeyNotFound indicates a key was not found
	ErrKeyNotFound = sysparam.ErrNotFound
)

// IsRetryableError returns true if the error is considered retryable
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}

	return false
}

// RetryWithBackoff executes a function with exponential backoff and jitter
func RetryWithBackoff(
	ctx context.Context,
	fn RetryableFunc,
	maxRetries int,
	initialBackoff time.Duration,
	maxBackoff time.Duration,
	backoffFactor float64,
	jitter float64,
) error {
	var err error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !IsRetryableError(err) || attempt >= maxRetries {
			return err
		}

		sleepTime := CalculateExponentialBackoff(attempt, initialBackoff, maxBackoff, backoffFactor, jitter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepTime):
		}
	}

	return err
}

// CalculateExponentialBackoff calculates the backoff time for a given attempt
func CalculateExponentialBackoff(
	attempt int,
	initialBackoff time.Duration,
	maxBackoff time.Duration,
	backoffFactor float64,
	jitter float64,
) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(backoffFactor, float64(attempt)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	if jitter > 0 {
		jitterRange := float64(backoff) * jitter
		jitterAmount := int64(rand.Float64() * jitterRange)
		backoff = backoff + time.Duration(jitterAmount)
	}

	return backoff
}
