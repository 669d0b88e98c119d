package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"ephemeral.share/internal/logging"
	"ephemeral.share/internal/metrics"
	"ephemeral.share/internal/models"
)

// ErrCircuitOpen is returned, wrapped in ErrUnavailable, when the breaker
// rejected a call without sending it to the backend.
var ErrCircuitOpen = errors.New("store circuit open")

type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker. Default: 5
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing. Default: 30s
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of trial calls allowed while half-open. Default: 1
	HalfOpenRequests uint32
}

var _ Store = (*breaker)(nil)

type breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

// WithBreaker guards next with a circuit breaker. Only transport failures
// (ErrUnavailable) count against it; record-state errors and caller
// cancellation are successes as far as backend health is concerned.
func WithBreaker(next Store, name string, cfg BreakerConfig) Store {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}

	metrics.StoreBreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store circuit breaker state change")
			metrics.StoreBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return &breaker{next: next, cb: cb}
}

func run[T any](b *breaker, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrUnavailable, ErrCircuitOpen)
	}
	typed, _ := res.(T)
	return typed, err
}

func (b *breaker) Save(ctx context.Context, secret *models.Secret) error {
	_, err := run(b, func() (struct{}, error) {
		return struct{}{}, b.next.Save(ctx, secret)
	})
	return err
}

func (b *breaker) Get(ctx context.Context, id string) (*models.Secret, error) {
	return run(b, func() (*models.Secret, error) {
		return b.next.Get(ctx, id)
	})
}

func (b *breaker) Delete(ctx context.Context, id string) error {
	_, err := run(b, func() (struct{}, error) {
		return struct{}{}, b.next.Delete(ctx, id)
	})
	return err
}

func (b *breaker) Take(ctx context.Context, id string, now time.Time, tombstone bool) (*models.Secret, error) {
	return run(b, func() (*models.Secret, error) {
		return b.next.Take(ctx, id, now, tombstone)
	})
}

func (b *breaker) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return run(b, func() (int, error) {
		return b.next.DeleteExpired(ctx, now)
	})
}

func (b *breaker) ListByOrigin(ctx context.Context, origin string) ([]*models.Secret, error) {
	return run(b, func() ([]*models.Secret, error) {
		return b.next.ListByOrigin(ctx, origin)
	})
}

func (b *breaker) Count(ctx context.Context, now time.Time) (int, error) {
	return run(b, func() (int, error) {
		return b.next.Count(ctx, now)
	})
}

func (b *breaker) Close() error {
	return b.next.Close()
}
