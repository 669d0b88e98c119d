package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ephemeral.share/internal/models"
)

var (
	ErrNotFound    = errors.New("secret not found")
	ErrExpired     = errors.New("secret has expired")
	ErrConsumed    = errors.New("secret has already been consumed")
	ErrExists      = errors.New("secret id already exists")
	ErrUnavailable = errors.New("store unavailable")

	// ErrNotExecuted wraps a failure raised before an operation touched any
	// record. Retrying is safe.
	ErrNotExecuted = errors.New("operation not executed")
)

// notExecuted reports a context that was already done before any work
// started.
func notExecuted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrNotExecuted, err)
	}
	return nil
}

// Store is the persistence boundary for secret records. Implementations hold
// no state the caller relies on between calls; every method is a round trip.
type Store interface {
	// Save inserts a record if no record (live or tombstone) has its id.
	Save(ctx context.Context, secret *models.Secret) error
	Get(ctx context.Context, id string) (*models.Secret, error)
	// Delete removes a record. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Take is the conditional delete. In one indivisible step it checks that
	// the record exists, is unconsumed and unexpired at now, and removes its
	// payload, either by deleting the record or, with tombstone set, by
	// replacing it with a consumed, payload-free tombstone. The record as it
	// was before removal is returned to exactly one caller.
	//
	// An expired record is deleted outright and ErrExpired returned.
	Take(ctx context.Context, id string, now time.Time, tombstone bool) (*models.Secret, error)

	// DeleteExpired removes every record, tombstones included, whose expiry
	// is at or before now and returns how many it removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	ListByOrigin(ctx context.Context, origin string) ([]*models.Secret, error)
	// Count returns the number of live, unconsumed records at now.
	Count(ctx context.Context, now time.Time) (int, error)
	Close() error
}
