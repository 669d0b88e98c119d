package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"ephemeral.share/internal/models"
)

var _ Store = (*BadgerStore)(nil)

const badgerKeyPrefix = "secret:"

// BadgerStore is an embedded store. Take runs in an update transaction;
// badger's conflict detection aborts all but one of any racing takers.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a badger database at path. An empty path opens an
// in-memory database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = 16 << 20
	opts.SyncWrites = path != ""

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Save(ctx context.Context, secret *models.Secret) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.update(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerKey(secret.ID))
		if err == nil {
			return ErrExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return b.set(txn, secret)
	})
}

func (b *BadgerStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var secret *models.Secret
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		secret, err = b.get(txn, id)
		return err
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return secret, nil
}

func (b *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(id))
	})
}

func (b *BadgerStore) Take(ctx context.Context, id string, now time.Time, tombstone bool) (*models.Secret, error) {
	if err := notExecuted(ctx); err != nil {
		return nil, err
	}
	var (
		taken   *models.Secret
		expired bool
	)
	err := b.update(func(txn *badger.Txn) error {
		taken, expired = nil, false

		secret, err := b.get(txn, id)
		if err != nil {
			return err
		}
		if secret.Consumed {
			return ErrConsumed
		}
		if secret.Expired(now) {
			expired = true
			return txn.Delete(badgerKey(id))
		}
		if tombstone {
			if err := b.set(txn, secret.Tombstone()); err != nil {
				return err
			}
		} else if err := txn.Delete(badgerKey(id)); err != nil {
			return err
		}
		taken = secret
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, ErrExpired
	}
	return taken, nil
}

func (b *BadgerStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var expired []string
	err := b.scan(ctx, func(secret *models.Secret) {
		if secret.Expired(now) {
			expired = append(expired, secret.ID)
		}
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range expired {
		deleted := false
		err := b.update(func(txn *badger.Txn) error {
			deleted = false
			secret, err := b.get(txn, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !secret.Expired(now) {
				return nil
			}
			deleted = true
			return txn.Delete(badgerKey(id))
		})
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

func (b *BadgerStore) ListByOrigin(ctx context.Context, origin string) ([]*models.Secret, error) {
	var out []*models.Secret
	err := b.scan(ctx, func(secret *models.Secret) {
		if secret.Origin == origin {
			out = append(out, secret)
		}
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

func (b *BadgerStore) Count(ctx context.Context, now time.Time) (int, error) {
	n := 0
	err := b.scan(ctx, func(secret *models.Secret) {
		if !secret.Consumed && !secret.Expired(now) {
			n++
		}
	})
	return n, err
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// RunGC reclaims value log space left behind by deleted payloads.
func (b *BadgerStore) RunGC() error {
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

const maxConflictRetries = 5

// update runs fn in a read-write transaction, retrying on conflict so that
// racing writers serialize. Sentinel errors returned by fn abort the
// transaction unchanged.
func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxConflictRetries; i++ {
		txn := b.db.NewTransaction(true)
		if err := fn(txn); err != nil {
			txn.Discard()
			return b.wrap(err)
		}
		err := txn.Commit()
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return b.wrap(err)
		}
		return nil
	}
	return fmt.Errorf("%w: badger transaction conflict", ErrUnavailable)
}

func (b *BadgerStore) get(txn *badger.Txn, id string) (*models.Secret, error) {
	item, err := txn.Get(badgerKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var secret models.Secret
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &secret)
	}); err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return &secret, nil
}

func (b *BadgerStore) set(txn *badger.Txn, secret *models.Secret) error {
	data, err := json.Marshal(secret)
	if err != nil {
		return fmt.Errorf("encode secret: %w", err)
	}
	entry := badger.NewEntry(badgerKey(secret.ID), data)
	// Badger expires by whole seconds; round up so a record never
	// disappears before its expiry.
	entry.ExpiresAt = uint64(secret.ExpiresAt.Unix()) + 1
	return txn.SetEntry(entry)
}

func (b *BadgerStore) scan(ctx context.Context, fn func(*models.Secret)) error {
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var secret models.Secret
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &secret)
			})
			if err != nil {
				continue
			}
			fn(&secret)
		}
		return nil
	})
	return b.wrap(err)
}

// wrap leaves record-state sentinels and context errors alone and marks
// everything else as a store failure.
func (b *BadgerStore) wrap(err error) error {
	switch {
	case err == nil,
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConsumed),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrExists),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func badgerKey(id string) []byte {
	return []byte(badgerKeyPrefix + id)
}
