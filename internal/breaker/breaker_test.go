package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

func failing(context.Context) error { return errDown }
func succeeding(context.Context) error { return nil }

func TestBreakerTripsAfterFailures(t *testing.T) {
	b := New(DefaultConfig("db"))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = b.Execute(ctx, failing)
	}

	assert.Equal(t, StateOpen, b.State())
	err := b.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	cfg := DefaultConfig("store")
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxRequests = 2
	b := New(cfg)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = b.Execute(ctx, failing)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeeding))
	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig("log")
	cfg.Timeout = 10 * time.Millisecond
	b := New(cfg)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = b.Execute(ctx, failing)
	}
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Execute(ctx, failing)
	assert.Equal(t, StateOpen, b.State())
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 3, BaseWait: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errDown
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustionWrapsUpstreamUnavailable(t *testing.T) {
	err := Retry(context.Background(), RetryConfig{Attempts: 2, BaseWait: time.Millisecond}, failing)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultRetry, failing)
	assert.ErrorIs(t, err, context.Canceled)
}
