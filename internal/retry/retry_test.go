package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct {
	code       int
	retryAfter time.Duration
}

func (e *statusErr) Error() string { return "status error" }
func (e *statusErr) HTTPStatus() int { return e.code }
func (e *statusErr) RetryAfterHint() time.Duration { return e.retryAfter }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recordingOptions(delays *[]time.Duration) Options {
	return Options{
		MaxAttempts:   4,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      300 * time.Millisecond,
		BackoffFactor: 2,
		Logger:        quietLogger(),
		Sleep: func(ctx context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
}

func TestDoAlways503ExhaustsAttempts(t *testing.T) {
	var delays []time.Duration
	calls := 0

	_, err := Do(context.Background(), recordingOptions(&delays), func(ctx context.Context) (int, error) {
		calls++
		return 0, &statusErr{code: 503}
	})

	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, 4, calls)

	var last *statusErr
	require.ErrorAs(t, err, &last)
	assert.Equal(t, 503, last.code)

	// 100ms, 200ms, then capped at 300ms (400ms uncapped).
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, delays)
}

func TestDoNonRetryableFailsImmediately(t *testing.T) {
	var delays []time.Duration
	calls := 0

	_, err := Do(context.Background(), recordingOptions(&delays), func(ctx context.Context) (string, error) {
		calls++
		return "", &statusErr{code: 404}
	})

	var nonRetryable *NonRetryableError
	require.ErrorAs(t, err, &nonRetryable)
	assert.Equal(t, 1, nonRetryable.Attempt)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	var delays []time.Duration
	calls := 0

	v, err := Do(context.Background(), recordingOptions(&delays), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &statusErr{code: 429}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2)
}

func TestDoHonorsRetryAfterCappedAtMaxDelay(t *testing.T) {
	var delays []time.Duration
	calls := 0

	_, err := Do(context.Background(), recordingOptions(&delays), func(ctx context.Context) (int, error) {
		calls++
		switch calls {
		case 1:
			return 0, &statusErr{code: 429, retryAfter: 250 * time.Millisecond}
		case 2:
			return 0, &statusErr{code: 429, retryAfter: time.Minute}
		}
		return 1, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 300 * time.Millisecond}, delays)
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{
		MaxAttempts:   5,
		BaseDelay:     time.Millisecond,
		BackoffFactor: 2,
		Logger:        quietLogger(),
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}
	calls := 0

	_, err := Do(ctx, opts, func(ctx context.Context) (int, error) {
		calls++
		return 0, &statusErr{code: 500}
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &statusErr{code: 502}, true},
		{"rate limited", &statusErr{code: 429}, true},
		{"unauthorized", &statusErr{code: 401}, false},
		{"bad request", &statusErr{code: 400}, false},
		{"network", io.ErrUnexpectedEOF, true},
		{"cancelled", context.Canceled, false},
		{"unclassified", errors.New("boom"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestDelayFollowsBackoff(t *testing.T) {
	o := Options{BaseDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}
	assert.Equal(t, time.Second, o.Delay(1))
	assert.Equal(t, 2*time.Second, o.Delay(2))
	assert.Equal(t, 8*time.Second, o.Delay(4))
	assert.Equal(t, 10*time.Second, o.Delay(5))
}
