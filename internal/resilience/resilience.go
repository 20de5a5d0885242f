// Package resilience provides the timeout/retry wrapper that every workflow
// step runs through.
//
// An operation is first wrapped with a deadline and then, when a retry count
// is configured, with a bounded retry loop using exponential backoff. Each
// retry attempt gets its own fresh timeout window. Failures never escape the
// wrapper as panics; every failure path is represented as a typed error.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/driftworks/relay/internal/errors"
	"github.com/driftworks/relay/internal/logging"
)

const (
	// DefaultTimeout is applied when Options.Timeout is zero.
	DefaultTimeout = 5 * time.Minute

	// backoffBase is the delay before the second attempt.
	backoffBase = time.Second

	// backoffCap bounds the exponential backoff between attempts.
	backoffCap = 30 * time.Second
)

// Operation is a retryable unit of step work. It must honor ctx cancellation:
// when the wrapper's deadline fires the context is canceled, so subprocesses
// tied to it are terminated rather than left running in the background.
type Operation[T any] func(ctx context.Context) (T, error)

// Options configures the wrapper for one operation.
type Options struct {
	// Timeout is the deadline for a single attempt. Zero means DefaultTimeout.
	Timeout time.Duration

	// RetryCount is the number of retries after the first attempt.
	// Zero disables the retry loop entirely.
	RetryCount int

	// Logger receives retry/recovery notes. Nil means no logging.
	Logger *logging.Logger

	// Sleep is the backoff sleep function. Nil means a context-aware
	// time.Sleep. Tests inject a recording function here.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) logger() *logging.Logger {
	if o.Logger == nil {
		return logging.NopLogger()
	}
	return o.Logger
}

func (o Options) sleep() func(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep
	}
	return sleepContext
}

// sleepContext sleeps for d or until ctx is canceled, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff returns the delay before the next attempt after the given
// one-based attempt number failed: min(1s * 2^(attempt-1), 30s).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

// Run executes op under opts: timeout-wrapped, then retry-wrapped when
// RetryCount > 0. stepID identifies the operation in errors and logs.
func Run[T any](ctx context.Context, stepID string, op Operation[T], opts Options) (T, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	attempt := func(ctx context.Context) (T, error) {
		return runWithTimeout(ctx, stepID, timeout, op)
	}

	if opts.RetryCount <= 0 {
		return attempt(ctx)
	}
	return runWithRetry(ctx, stepID, opts.RetryCount, attempt, opts)
}

// runWithTimeout races op against the deadline. The operation's context is
// canceled when the timer fires, and a late completion is discarded: the
// caller observes exactly one resolution. A panic inside op is normalized
// into a typed error rather than rethrown.
func runWithTimeout[T any](ctx context.Context, stepID string, timeout time.Duration, op Operation[T]) (T, error) {
	var zero T

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}

	// Buffered so the goroutine can always deliver and exit, even after
	// the caller has taken the timeout branch.
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Wrap(fmt.Errorf("%v", r), "operation panicked")}
			}
		}()
		value, err := op(opCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return zero, errors.Wrapf(errors.ErrCanceled, "step %s", stepID)
		}
		return zero, errors.NewTimeoutError(stepID, timeout)
	}
}

// runWithRetry performs up to retryCount+1 attempts of the (already
// timeout-wrapped) attempt function.
func runWithRetry[T any](ctx context.Context, stepID string, retryCount int, attempt Operation[T], opts Options) (T, error) {
	var zero T
	log := opts.logger()
	sleep := opts.sleep()

	attempts := retryCount + 1
	var lastErr error

	for i := 1; i <= attempts; i++ {
		value, err := attempt(ctx)
		if err == nil {
			if i > 1 {
				log.Info("operation recovered after retry",
					"step", stepID, "attempt", i)
			}
			return value, nil
		}

		lastErr = err
		if i < attempts {
			delay := Backoff(i)
			log.Warn("operation failed, will retry",
				"step", stepID, "attempt", i, "max_attempts", attempts,
				"backoff", delay.String(), "error", err.Error())
			if serr := sleep(ctx, delay); serr != nil {
				return zero, errors.Wrapf(errors.ErrCanceled, "step %s", stepID)
			}
		}
	}

	return zero, errors.NewRetryExhaustedError(stepID, attempts, lastErr)
}
