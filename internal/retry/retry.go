package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Options configures Do.
type Options struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// RetryIf classifies an error as retryable. Defaults to IsRetryable.
	RetryIf func(error) bool

	Logger *slog.Logger
	// Op names the operation in log lines.
	Op string

	// Sleep waits between attempts. Tests replace it to record delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ProviderDefaults are the settings used for every provider call.
var ProviderDefaults = Options{
	MaxAttempts:   3,
	BaseDelay:     time.Second,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2,
}

// NonRetryableError is returned when an attempt fails with an error RetryIf rejects.
type NonRetryableError struct {
	Attempt int
	Err     error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable error on attempt %d: %v", e.Attempt, e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed, last error: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Delay returns the wait before the attempt following attempt n (1-based).
func (o Options) Delay(attempt int) time.Duration {
	d := float64(o.BaseDelay) * math.Pow(o.BackoffFactor, float64(attempt-1))
	if o.MaxDelay > 0 && d > float64(o.MaxDelay) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = 1
	}
	if o.RetryIf == nil {
		o.RetryIf = IsRetryable
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	return o
}

// Do runs op until it succeeds, fails with a non-retryable error, or MaxAttempts is reached.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, errors.Join(ctx.Err(), err)
		}
		if !opts.RetryIf(err) {
			return zero, &NonRetryableError{Attempt: attempt, Err: err}
		}
		if attempt == opts.MaxAttempts {
			break
		}

		delay := opts.Delay(attempt)
		var hinted interface{ RetryAfterHint() time.Duration }
		if errors.As(err, &hinted) && hinted.RetryAfterHint() > 0 {
			delay = hinted.RetryAfterHint()
			if opts.MaxDelay > 0 && delay > opts.MaxDelay {
				delay = opts.MaxDelay
			}
		}

		opts.Logger.Warn("attempt failed, retrying",
			slog.String("op", opts.Op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", opts.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		if err := opts.Sleep(ctx, delay); err != nil {
			return zero, errors.Join(err, lastErr)
		}
	}

	return zero, &ExhaustedError{Attempts: opts.MaxAttempts, Err: lastErr}
}

// IsRetryable is the default predicate: network failures, 5xx and 429 are retried, other
// 4xx and cancellation are not. Unclassified errors are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var status interface{ HTTPStatus() int }
	if errors.As(err, &status) && status.HTTPStatus() != 0 {
		code := status.HTTPStatus()
		switch {
		case code >= 500:
			return true
		case code == 429:
			return true
		case code >= 400:
			return false
		}
	}

	// Connection resets, timeouts, DNS failures and anything unclassified.
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
