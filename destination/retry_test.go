package destination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrat-backup/scrat/errs"
)

func TestWithRetryStopsOnNonTransientError(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		attempts++
		return errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestWithRetryRetriesTransientErrorUntilSuccess(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return &errs.TransientIOError{Op: "put", Err: errors.New("timeout")}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetryHonoursRetryableDestinationError(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		attempts++
		return &errs.DestinationError{Kind: "webdav", Op: "put", Retryable: true, Err: errors.New("503")}
	})
	require.Error(t, err)
	require.Equal(t, 2, attempts)
}

func TestWithRetryDoesNotRetryNonRetryableDestinationError(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		attempts++
		return &errs.DestinationError{Kind: "webdav", Op: "put", Retryable: false, Err: errors.New("401")}
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetryingDestinationPassesThroughKindAndConnect(t *testing.T) {
	inner := NewLocal(t.TempDir())
	d := withRetryPolicy(inner, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	require.NoError(t, d.Connect(context.Background()))
	require.Equal(t, inner.Kind(), d.Kind())
}
