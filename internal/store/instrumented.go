package store

import (
	"context"
	"errors"
	"time"

	"ephemeral.share/internal/metrics"
	"ephemeral.share/internal/models"
)

var _ Store = (*instrumented)(nil)

type instrumented struct {
	next    Store
	backend string
}

// WithMetrics records latency and transport failures of every call to next.
func WithMetrics(next Store, backend string) Store {
	return &instrumented{next: next, backend: backend}
}

func (m *instrumented) observe(op string, start time.Time, err error) {
	metrics.StoreOperationDuration.WithLabelValues(m.backend, op).Observe(time.Since(start).Seconds())
	if errors.Is(err, ErrUnavailable) {
		metrics.StoreOperationErrors.WithLabelValues(m.backend, op).Inc()
	}
}

func (m *instrumented) Save(ctx context.Context, secret *models.Secret) error {
	start := time.Now()
	err := m.next.Save(ctx, secret)
	m.observe("save", start, err)
	return err
}

func (m *instrumented) Get(ctx context.Context, id string) (*models.Secret, error) {
	start := time.Now()
	secret, err := m.next.Get(ctx, id)
	m.observe("get", start, err)
	return secret, err
}

func (m *instrumented) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := m.next.Delete(ctx, id)
	m.observe("delete", start, err)
	return err
}

func (m *instrumented) Take(ctx context.Context, id string, now time.Time, tombstone bool) (*models.Secret, error) {
	start := time.Now()
	secret, err := m.next.Take(ctx, id, now, tombstone)
	m.observe("take", start, err)
	return secret, err
}

func (m *instrumented) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	n, err := m.next.DeleteExpired(ctx, now)
	m.observe("delete_expired", start, err)
	return n, err
}

func (m *instrumented) ListByOrigin(ctx context.Context, origin string) ([]*models.Secret, error) {
	start := time.Now()
	out, err := m.next.ListByOrigin(ctx, origin)
	m.observe("list_by_origin", start, err)
	return out, err
}

func (m *instrumented) Count(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	n, err := m.next.Count(ctx, now)
	m.observe("count", start, err)
	return n, err
}

func (m *instrumented) Close() error {
	return m.next.Close()
}
