package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Retryable:      func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 3}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 900*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 2*time.Second, p.Backoff(3))
	assert.Equal(t, 2*time.Second, p.Backoff(10))
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestDo_NonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return errFatal
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDoValue_AttemptTimeout(t *testing.T) {
	p := fastPolicy(2)
	p.AttemptTimeout = 10 * time.Millisecond
	p.Retryable = func(err error) bool { return errors.Is(err, context.DeadlineExceeded) }

	calls := 0
	_, err := DoValue(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestDoValue_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := DoValue(ctx, fastPolicy(5), func(ctx context.Context) (string, error) {
		calls++
		return "", errTransient
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
