package secrets

import (
	"errors"
	"fmt"

	"ephemeral.share/internal/store"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("secret not found")
	ErrExpired          = errors.New("secret has expired")
	ErrAlreadyConsumed  = errors.New("secret has already been read")
	ErrStoreUnavailable = errors.New("secret store unavailable")

	// ErrOutcomeUnknown means a consume reached the store but its result was
	// lost. The secret may already be destroyed; callers must not retry.
	ErrOutcomeUnknown = fmt.Errorf("%w: consume outcome unknown", ErrStoreUnavailable)
)

// fromStore translates store sentinels into service errors. Anything that is
// not a record-state sentinel is a store failure, never a domain outcome.
func fromStore(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrExpired):
		return ErrExpired
	case errors.Is(err, store.ErrConsumed):
		return ErrAlreadyConsumed
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// fromTake is fromStore for Take: a failure after the call may have left the
// store is ambiguous. Rejections raised before the store was touched are not.
func fromTake(err error) error {
	mapped := fromStore(err)
	if !errors.Is(mapped, ErrStoreUnavailable) ||
		errors.Is(err, store.ErrCircuitOpen) ||
		errors.Is(err, store.ErrNotExecuted) {
		return mapped
	}
	return fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
}
