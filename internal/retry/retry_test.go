package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embedstream/internal/core"
)

func fastRetrier(maxRetries int, opts ...Option) *Retrier {
	opts = append([]Option{WithInitialBackoff(time.Millisecond), WithMaxBackoff(2 * time.Millisecond)}, opts...)
	return New(maxRetries, opts...)
}

func transientErr() error {
	return core.NewProviderError("test", http.StatusServiceUnavailable, "busy", nil)
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastRetrier(2), func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastRetrier(2), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, transientErr()
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		wantCalls  int
	}{
		{"zero retries is a single attempt", 0, 1},
		{"two retries", 2, 3},
		{"five retries", 5, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := Do(context.Background(), fastRetrier(tt.maxRetries), func(context.Context) (struct{}, error) {
				calls++
				return struct{}{}, transientErr()
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, calls)

			var gwErr *core.GatewayError
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, core.ErrorTypeProvider, gwErr.Type)

			var exhausted *ExhaustedError
			if tt.maxRetries > 0 {
				require.ErrorAs(t, err, &exhausted)
				assert.Equal(t, tt.wantCalls, exhausted.Attempts)
			} else {
				assert.False(t, errors.As(err, &exhausted), "single attempt should return the raw error")
			}
		})
	}
}

func TestDo_NonTransientIsNotRetried(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastRetrier(3), func(context.Context) (int, error) {
		calls++
		return 0, core.NewInvalidRequestError("bad input", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestDo_CustomClassifier(t *testing.T) {
	sentinel := errors.New("flaky")
	calls := 0
	_, err := Do(context.Background(), fastRetrier(1, WithClassifier(func(err error) bool {
		return errors.Is(err, sentinel)
	})), func(context.Context) (int, error) {
		calls++
		return 0, sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, calls)
}

func TestDo_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(3, WithInitialBackoff(time.Hour), WithMaxBackoff(time.Hour))

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, r, func(context.Context) (int, error) {
			calls++
			return 0, transientErr()
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, core.IsCancelled(err))
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDo_CancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, fastRetrier(2), func(context.Context) (int, error) {
		calls++
		return 1, nil
	})
	require.Error(t, err)
	assert.True(t, core.IsCancelled(err))
	assert.Equal(t, 0, calls)
}

func TestDo_OnRetryHook(t *testing.T) {
	var attempts []int
	r := fastRetrier(2, WithHooks(Hooks{OnRetry: func(attempt int, _ time.Duration, err error) {
		attempts = append(attempts, attempt)
		assert.Error(t, err)
	}}))

	_, _ = Do(context.Background(), r, func(context.Context) (int, error) {
		return 0, transientErr()
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestBackoff(t *testing.T) {
	r := New(5, WithInitialBackoff(time.Second), WithMaxBackoff(5*time.Second), WithBackoffFactor(2))

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := r.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNew_NegativeRetriesClamped(t *testing.T) {
	if got := New(-3).MaxRetries(); got != 0 {
		t.Errorf("MaxRetries() = %d, want 0", got)
	}
}
