package store

import (
	"context"
	"errors"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
)

// RetryConfig bounds the exponential backoff applied to store calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	OpTimeout       time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      4,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		OpTimeout:       5 * time.Second,
	}
}

// Retrier runs store calls with a per-attempt timeout and retries the
// transient failures. Logical failures are returned on the first attempt.
type Retrier struct {
	cfg    RetryConfig
	logger *zap.Logger
}

func NewRetrier(cfg RetryConfig, logger *zap.Logger) *Retrier {
	return &Retrier{cfg: cfg, logger: logger}
}

// Do runs fn. Calls made inside a transaction get exactly one attempt; the
// transaction owner decides about retrying the whole unit.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if inTransaction(ctx) {
		return r.Once(ctx, op, fn)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		actx, cancel := r.attemptContext(ctx)
		defer cancel()

		err := fn(actx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		r.logger.Warn("store call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxRetries)), ctx))

	if err == nil {
		return nil
	}
	if IsTransient(err) || ctx.Err() != nil {
		r.logger.Error("store call exhausted retries",
			zap.String("op", op),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return pkgerrors.Wrapf(unavailable(err), "%s", op)
	}
	return err
}

// Once runs fn a single time and maps a transient failure to ErrUnavailable.
func (r *Retrier) Once(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err != nil && IsTransient(err) {
		r.logger.Error("store call failed", zap.String("op", op), zap.Error(err))
		return pkgerrors.Wrapf(unavailable(err), "%s", op)
	}
	return err
}

func (r *Retrier) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.OpTimeout)
}

type unavailableError struct{ cause error }

func (e *unavailableError) Error() string { return ErrUnavailable.Error() + ": " + e.cause.Error() }
func (e *unavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.cause}
}

func unavailable(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &unavailableError{cause: err}
}

// Transient wraps err so IsTransient reports true. Fakes in tests use it to
// simulate connectivity loss.
func Transient(err error) error {
	return &transientError{err}
}

type transientError struct{ error }

func (e *transientError) Unwrap() error { return e.error }

// IsTransient reports whether err is worth retrying: network faults,
// timeouts, lock timeouts and errors explicitly marked transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, bolt.ErrTimeout) {
		return true
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}
	var le mongo.LabeledError
	if errors.As(err, &le) && (le.HasErrorLabel("RetryableWriteError") || le.HasErrorLabel("TransientTransactionError")) {
		return true
	}
	return false
}
