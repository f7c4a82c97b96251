package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryPolicy bounds a network call: AttemptTimeout per try, Attempts tries in total,
// waiting InitialDelay before the second try and multiplying by Multiplier after that.
type RetryPolicy struct {
	Attempts       int
	InitialDelay   time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns 4 attempts starting at 2s and doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:     4,
		InitialDelay: 2 * time.Second,
		Multiplier:   2,
	}
}

// Delay returns the wait before the given attempt (attempt 1 never waits).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay)
	for i := 2; i < attempt; i++ {
		d *= mult
	}
	return time.Duration(d)
}

// TransientError is returned when every attempt failed with a retryable error.
type TransientError struct {
	Attempts int
	Cause    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network error after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// StatusError carries an HTTP status from a transport that does not use googleapi errors.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Message)
}

// HTTPCode returns the status code
func (e *StatusError) HTTPCode() int {
	return e.Code
}

var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:     true,
	http.StatusTooManyRequests:    true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// IsRetryableStatus reports whether an HTTP status code is worth retrying.
func IsRetryableStatus(code int) bool {
	return retryableStatus[code]
}

// IsTransient reports whether err is a transient network failure or a retryable HTTP status.
// Anything else (bad credentials, invalid request, other 4xx) is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return IsRetryableStatus(gerr.Code)
	}

	// gax APIError and StatusError both expose HTTPCode; gax reports -1 for gRPC calls.
	var coded interface{ HTTPCode() int }
	if errors.As(err, &coded) && coded.HTTPCode() > 0 {
		return IsRetryableStatus(coded.HTTPCode())
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Retry runs fn under policy. Only transient errors are retried; the caller's ctx bounds
// the whole sequence including backoff waits. It returns the number of attempts made.
func Retry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, fn func(ctx context.Context) error) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := policy.Delay(attempt)
			logger.Debug("retrying after transient error",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err := runAttempt(ctx, policy.AttemptTimeout, fn)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, fmt.Errorf("call abandoned: %w", ctx.Err())
		}
		if !IsTransient(err) {
			return attempt, err
		}
		lastErr = err
	}

	return attempts, &TransientError{Attempts: attempts, Cause: lastErr}
}

// Do is Retry for calls that produce a value.
func Do[T any](ctx context.Context, policy RetryPolicy, logger *zap.Logger, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var out T
	attempts, err := Retry(ctx, policy, logger, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, attempts, err
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
