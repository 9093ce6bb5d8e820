package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetrier(retries int) *Retrier {
	return NewRetrier(RetryConfig{
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		OpTimeout:       time.Second,
	}, zap.NewNop())
}

func TestRetrierRecoversFromTransient(t *testing.T) {
	r := fastRetrier(3)
	calls := 0
	err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrierExhaustion(t *testing.T) {
	r := fastRetrier(2)
	calls := 0
	err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return Transient(errors.New("connection reset"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, calls, "first try plus two retries")
}

func TestRetrierLogicalErrorNotRetried(t *testing.T) {
	r := fastRetrier(5)
	calls := 0
	err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return ErrConflict
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, calls)
}

func TestRetrierAttemptTimeout(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		OpTimeout:       10 * time.Millisecond,
	}, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), "slow", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, calls)
}

func TestRetrierCanceledParent(t *testing.T) {
	r := fastRetrier(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.Do(ctx, "op", func(context.Context) error {
		calls++
		return Transient(errors.New("boom"))
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrNotFound))
	assert.True(t, IsTransient(Transient(ErrNotFound)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(unavailable(errors.New("x"))))
}
