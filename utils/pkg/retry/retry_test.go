package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestFlywheel_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), DefaultConfig(), func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("succeeds after transient errors", func(t *testing.T) {
		t.Parallel()
		cfg := Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
		attempts := 0
		err := Do(context.Background(), cfg, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("wraps last error when attempts are exhausted", func(t *testing.T) {
		t.Parallel()
		cfg := Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
		original := errors.New("connection reset")
		attempts := 0
		err := Do(context.Background(), cfg, func() error {
			attempts++
			return original
		})
		require.ErrorIs(t, err, original)
		require.Equal(t, 3, attempts)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		t.Parallel()
		original := errors.New("invalid input")
		attempts := 0
		err := Do(context.Background(), DefaultConfig(), func() error {
			attempts++
			return original
		})
		require.Equal(t, original, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("returns context error when cancelled between attempts", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cfg := Config{MaxAttempts: 5, BaseBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}
		attempts := 0
		err := Do(ctx, cfg, func() error {
			attempts++
			if attempts == 2 {
				cancel()
			}
			return errors.New("connection reset")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 2, attempts)
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), Config{}, func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})
}

func TestFlywheel_Retry_FixedConfig(t *testing.T) {
	t.Parallel()

	t.Run("retries any error with the same delay", func(t *testing.T) {
		t.Parallel()
		cfg := FixedConfig(3, 20*time.Millisecond)
		attempts := 0
		start := time.Now()
		err := Do(context.Background(), cfg, func() error {
			attempts++
			return errors.New("account lookup failed")
		})
		elapsed := time.Since(start)

		require.Error(t, err)
		require.Contains(t, err.Error(), "failed after 3 attempts")
		require.Equal(t, 3, attempts)
		require.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
		require.Less(t, elapsed, 2*time.Second)
	})

	t.Run("waits on the configured clock", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		cfg := FixedConfig(2, time.Minute)
		cfg.Clock = clock

		var attempts atomic.Int32
		done := make(chan error, 1)
		go func() {
			done <- Do(context.Background(), cfg, func() error {
				if attempts.Add(1) == 1 {
					return errors.New("unavailable")
				}
				return nil
			})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		require.Equal(t, int32(1), attempts.Load())
		clock.Advance(time.Minute)

		require.NoError(t, <-done)
		require.Equal(t, int32(2), attempts.Load())
	})

	t.Run("does not retry cancellation", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), FixedConfig(3, 0), func() error {
			attempts++
			return context.Canceled
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, attempts)
	})
}

func TestFlywheel_Retry_DoValue(t *testing.T) {
	t.Parallel()

	attempts := 0
	v, err := DoValue(context.Background(), FixedConfig(3, 0), func() (int, error) {
		attempts++
		if attempts == 1 {
			return 0, errors.New("boom")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 2, attempts)
}

func TestFlywheel_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "net timeout", err: &net.OpError{Op: "read", Err: timeoutErr{}}, want: true},
		{name: "connection reset", err: errors.New("connection reset by peer"), want: true},
		{name: "rate limited", err: errors.New("rpc: Too Many Requests"), want: true},
		{name: "503", err: &httpError{statusCode: http.StatusServiceUnavailable}, want: true},
		{name: "400", err: &httpError{statusCode: http.StatusBadRequest}, want: false},
		{name: "plain", err: errors.New("invalid params"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestFlywheel_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		got := calculateBackoff(500*time.Millisecond, 5*time.Second, 2)
		require.GreaterOrEqual(t, got, time.Second)
		require.LessOrEqual(t, got, 2*time.Second)
	}
	capped := calculateBackoff(500*time.Millisecond, 5*time.Second, 6)
	require.LessOrEqual(t, capped, 5*time.Second)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string   { return http.StatusText(e.statusCode) }
func (e *httpError) StatusCode() int { return e.statusCode }
