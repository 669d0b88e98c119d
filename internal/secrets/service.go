// Package secrets implements the write-once, read-once secret lifecycle on
// top of a store.Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ephemeral.share/internal/accesslog"
	"ephemeral.share/internal/crypto"
	"ephemeral.share/internal/logging"
	"ephemeral.share/internal/metrics"
	"ephemeral.share/internal/models"
	"ephemeral.share/internal/store"
)

const maxIDAttempts = 3

// Sealer encrypts payloads before they reach the store.
type Sealer interface {
	Seal(plaintext []byte, id string) ([]byte, error)
	Open(ciphertext []byte, id string) ([]byte, error)
}

// Service owns creation, single-shot retrieval, expiry and garbage
// collection of secrets. It keeps no records in memory; every call is a
// round trip to the store.
type Service struct {
	store      store.Store
	now        func() time.Time
	newID      func() string
	sealer     Sealer
	access     accesslog.Recorder
	tombstones bool
	maxMessage int
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces crypto.GenerateID.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

func WithSealer(sealer Sealer) Option {
	return func(s *Service) { s.sealer = sealer }
}

func WithAccessLog(r accesslog.Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.access = r
		}
	}
}

// WithTombstones keeps a consumed, payload-free marker until the secret's
// expiry so a second read reports ErrAlreadyConsumed instead of ErrNotFound.
func WithTombstones(enabled bool) Option {
	return func(s *Service) { s.tombstones = enabled }
}

// WithMaxMessageSize bounds message length in bytes. Zero means unlimited.
func WithMaxMessageSize(n int) Option {
	return func(s *Service) { s.maxMessage = n }
}

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:      st,
		now:        time.Now,
		newID:      crypto.GenerateID,
		access:     accesslog.Discard,
		tombstones: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metadata describes a secret without its payload.
type Metadata struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time
	Consumed  bool
}

type Stats struct {
	Active int
}

// Create stores message for ttl and returns its id.
func (s *Service) Create(ctx context.Context, message []byte, ttl time.Duration, origin string) (string, error) {
	if len(message) == 0 {
		return "", fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if s.maxMessage > 0 && len(message) > s.maxMessage {
		return "", fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidInput, s.maxMessage)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}

	now := s.timestamp()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := s.newID()
		payload := message
		if s.sealer != nil {
			sealed, err := s.sealer.Seal(message, id)
			if err != nil {
				return "", fmt.Errorf("seal message: %w", err)
			}
			payload = sealed
		}

		err := s.store.Save(ctx, &models.Secret{
			ID:        id,
			Message:   payload,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
			Origin:    origin,
		})
		if errors.Is(err, store.ErrExists) {
			logging.Ctx(ctx).Warn().Msg("secret id collision, regenerating")
			continue
		}
		if err != nil {
			return "", fromStore(err)
		}

		metrics.SecretsCreated.Inc()
		return id, nil
	}
	return "", fmt.Errorf("%w: could not allocate a unique id", ErrStoreUnavailable)
}

// Peek reports a secret's expiry without consuming it. A record found to be
// expired is deleted on the spot.
func (s *Service) Peek(ctx context.Context, id string) (Metadata, error) {
	md, err := s.peek(ctx, id)
	metrics.SecretsPeeked.WithLabelValues(resultLabel(err)).Inc()
	return md, err
}

func (s *Service) peek(ctx context.Context, id string) (Metadata, error) {
	secret, err := s.store.Get(ctx, id)
	if err != nil {
		return Metadata{}, fromStore(err)
	}
	if err := s.settle(ctx, secret); err != nil {
		return Metadata{}, err
	}
	return metadata(secret), nil
}

// settle reports why a stored record can no longer be read, or nil when it
// is live. Expired records, tombstones included, are deleted on the spot.
func (s *Service) settle(ctx context.Context, secret *models.Secret) error {
	expired := secret.Expired(s.now())
	if expired {
		// An expired record can never be consumed, so deleting it without a
		// condition cannot destroy a readable secret.
		if err := s.store.Delete(ctx, secret.ID); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("secret_id", secret.ID).Msg("lazy delete of expired secret failed")
		}
	}
	switch {
	case secret.Consumed:
		return ErrAlreadyConsumed
	case expired:
		return ErrExpired
	}
	return nil
}

// Consume returns the message and destroys it. Of any number of concurrent
// calls for one id at most one gets the message.
func (s *Service) Consume(ctx context.Context, id, accessor string) ([]byte, error) {
	message, err := s.consume(ctx, id, accessor)
	metrics.SecretsConsumed.WithLabelValues(resultLabel(err)).Inc()
	return message, err
}

func (s *Service) consume(ctx context.Context, id, accessor string) ([]byte, error) {
	now := s.now()
	secret, err := s.store.Take(ctx, id, now, s.tombstones)
	if err != nil {
		return nil, fromTake(err)
	}

	message := secret.Message
	if s.sealer != nil {
		message, err = s.sealer.Open(secret.Message, id)
		if err != nil {
			// The record is gone already; the payload is lost to everyone.
			logging.Ctx(ctx).Error().Err(err).Str("secret_id", id).Msg("open sealed secret")
			return nil, fmt.Errorf("open message: %w", err)
		}
	}

	s.access.Record(accesslog.NewEntry(id, accessor, now))
	return message, nil
}

// PurgeExpired deletes every expired record and returns how many it removed.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return n, fromStore(err)
	}
	metrics.SecretsPurged.Add(float64(n))
	return n, nil
}

// ListByOrigin returns metadata of unexpired secrets created under origin,
// newest first.
func (s *Service) ListByOrigin(ctx context.Context, origin string) ([]Metadata, error) {
	secrets, err := s.store.ListByOrigin(ctx, origin)
	if err != nil {
		return nil, fromStore(err)
	}
	now := s.now()
	out := make([]Metadata, 0, len(secrets))
	for _, secret := range secrets {
		if secret.Expired(now) {
			continue
		}
		out = append(out, metadata(secret))
	}
	return out, nil
}

// Revoke deletes a live secret on behalf of its creator. A mismatched origin
// is reported as ErrNotFound so callers cannot discover other secrets; a
// secret already read or expired reports that state as Peek does.
func (s *Service) Revoke(ctx context.Context, id, origin string) error {
	secret, err := s.store.Get(ctx, id)
	if err != nil {
		return fromStore(err)
	}
	if secret.Origin != origin {
		return ErrNotFound
	}
	if err := s.settle(ctx, secret); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fromStore(err)
	}
	return nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	n, err := s.store.Count(ctx, s.now())
	if err != nil {
		return Stats{}, fromStore(err)
	}
	return Stats{Active: n}, nil
}

// timestamp is the creation time, truncated so every backend round-trips it.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func metadata(secret *models.Secret) Metadata {
	return Metadata{
		ID:        secret.ID,
		CreatedAt: secret.CreatedAt,
		ExpiresAt: secret.ExpiresAt,
		Consumed:  secret.Consumed,
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyConsumed):
		return "consumed"
	default:
		return "error"
	}
}
