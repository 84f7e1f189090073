package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Microsecond, isTransient, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsAtAttemptCap(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Microsecond, isTransient, func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestRetryPassesThroughNonRetryableImmediately(t *testing.T) {
	fatal := errors.New("insufficient balance")
	calls := 0
	err := Retry(context.Background(), 5, time.Microsecond, isTransient, func() error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls, "业务错误不重试")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 10, 50*time.Millisecond, isTransient, func() error {
		calls++
		cancel()
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryClampsAttemptsToOne(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), 0, time.Microsecond, isTransient, func() error {
		calls++
		return errTransient
	})
	assert.Equal(t, 1, calls)
}
