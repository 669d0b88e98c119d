package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"ephemeral.share/internal/models"
)

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	secrets map[string]*models.Secret
	mu      sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secrets: make(map[string]*models.Secret),
	}
}

func (s *MemoryStore) Save(ctx context.Context, secret *models.Secret) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secrets == nil {
		return ErrUnavailable
	}
	if _, ok := s.secrets[secret.ID]; ok {
		return ErrExists
	}
	s.secrets[secret.ID] = clone(secret)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, ok := s.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(secret), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.secrets, id)
	return nil
}

func (s *MemoryStore) Take(ctx context.Context, id string, now time.Time, tombstone bool) (*models.Secret, error) {
	if err := notExecuted(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, ok := s.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}
	if secret.Consumed {
		return nil, ErrConsumed
	}
	if secret.Expired(now) {
		delete(s.secrets, id)
		return nil, ErrExpired
	}

	if tombstone {
		s.secrets[id] = secret.Tombstone()
	} else {
		delete(s.secrets, id)
	}
	return secret, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, secret := range s.secrets {
		if secret.Expired(now) {
			delete(s.secrets, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ListByOrigin(ctx context.Context, origin string) ([]*models.Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Secret
	for _, secret := range s.secrets {
		if secret.Origin == origin {
			out = append(out, clone(secret))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, secret := range s.secrets {
		if !secret.Consumed && !secret.Expired(now) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets = nil
	return nil
}

// clone keeps callers from aliasing the stored payload slice.
func clone(secret *models.Secret) *models.Secret {
	c := *secret
	if secret.Message != nil {
		c.Message = append([]byte(nil), secret.Message...)
	}
	return &c
}

func sortNewestFirst(secrets []*models.Secret) {
	sort.Slice(secrets, func(i, j int) bool {
		return secrets[i].CreatedAt.After(secrets[j].CreatedAt)
	})
}
