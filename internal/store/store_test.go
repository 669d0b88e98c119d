package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ephemeral.share/internal/models"
)

type backendFactory struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backendFactory {
	return []backendFactory{
		{"memory", func(t *testing.T) Store {
			return NewMemoryStore()
		}},
		{"badger", func(t *testing.T) Store {
			st, err := NewBadgerStore("")
			if err != nil {
				t.Fatalf("failed to open badger: %v", err)
			}
			return st
		}},
		{"sqlite", func(t *testing.T) Store {
			st, err := NewSQLStore(":memory:")
			if err != nil {
				t.Fatalf("failed to open sqlite: %v", err)
			}
			return st
		}},
	}
}

// base is a fixed instant a little in the future so native backend TTLs never
// fire during a test; expiry is exercised by passing a later now.
func base() time.Time {
	return time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
}

func newSecret(id string, created time.Time, ttl time.Duration) *models.Secret {
	return &models.Secret{
		ID:        id,
		Message:   []byte("payload-" + id),
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
		Origin:    "10.0.0.1",
	}
}

// conformance is the behaviour every Store implementation must share. Each
// case gets a fresh, empty store.
var conformance = []struct {
	name string
	fn   func(t *testing.T, st Store)
}{
	{"SaveAndGet", testSaveAndGet},
	{"SaveRejectsDuplicateID", testSaveRejectsDuplicateID},
	{"GetMissing", testGetMissing},
	{"DeleteIsIdempotent", testDeleteIsIdempotent},
	{"TakeWithoutTombstone", testTakeWithoutTombstone},
	{"TakeWithTombstone", testTakeWithTombstone},
	{"TakeExpiredDeletes", testTakeExpiredDeletes},
	{"TakeSingleWinnerTombstone", testTakeSingleWinner(true)},
	{"TakeSingleWinnerDelete", testTakeSingleWinner(false)},
	{"DeleteExpired", testDeleteExpired},
	{"Count", testCount},
	{"ListByOrigin", testListByOrigin},
	{"CancelledContext", testCancelledContext},
}

func TestConformance(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			for _, c := range conformance {
				t.Run(c.name, func(t *testing.T) {
					st := b.open(t)
					t.Cleanup(func() { st.Close() })
					c.fn(t, st)
				})
			}
		})
	}
}

func testSaveAndGet(t *testing.T, st Store) {
	ctx := context.Background()
	now := base()
	secret := newSecret("abc", now, time.Hour)

	if err := st.Save(ctx, secret); err != nil {
		t.Fatalf("failed to save secret: %v", err)
	}

	got, err := st.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("failed to get secret: %v", err)
	}
	if string(got.Message) != "payload-abc" {
		t.Errorf("message mismatch: got %q", got.Message)
	}
	if !got.CreatedAt.Equal(secret.CreatedAt) {
		t.Errorf("created_at mismatch: got %v, want %v", got.CreatedAt, secret.CreatedAt)
	}
	if !got.ExpiresAt.Equal(secret.ExpiresAt) {
		t.Errorf("expires_at mismatch: got %v, want %v", got.ExpiresAt, secret.ExpiresAt)
	}
	if got.Consumed {
		t.Error("fresh secret should not be consumed")
	}
	if got.Origin != "10.0.0.1" {
		t.Errorf("origin mismatch: got %q", got.Origin)
	}
}

func testSaveRejectsDuplicateID(t *testing.T, st Store) {
	ctx := context.Background()
	now := base()

	if err := st.Save(ctx, newSecret("dup", now, time.Hour)); err != nil {
		t.Fatalf("failed to save secret: %v", err)
	}
	err := st.Save(ctx, newSecret("dup", now, time.Hour))
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func testGetMissing(t *testing.T, st Store) {
	_, err := st.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testDeleteIsIdempotent(t *testing.T, st Store) {
	ctx := context.Background()
	if err := st.Save(ctx, newSecret("gone", base(), time.Hour)); err != nil {
		t.Fatalf("failed to save secret: %v", err)
	}
	if err := st.Delete(ctx, "gone"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := st.Delete(ctx, "gone"); err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	if _, err := st.Get(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func testTakeWithoutTombstone(t *testing.T, st Store) {
	ctx := context.Background()
	now := base()
	if err := st.Save(ctx, newSecret("once", now, time.Hour)); err != nil {
		t.Fatalf("failed to save secret: %v", err)
	}

	got, err := st.Take(ctx, "once", now, false)
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if string(got.Message) != "payload-once" {
		t.Errorf("message mismatch: got %q", got.Message)
	}

	if _, err := st.Get(ctx, "once"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record should be gone, got %v", err)
	}
	if _, err := st.Take(ctx, "once", now, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("second take: expected ErrNotFound, got %v", err)
	}
}

func testTakeWithTombstone(t *testing.T, st Store) {
	ctx := context.Background()
	now := base()
	if err := st.Save(ctx, newSecret("marked", now, time.Hour)); err != nil {
		t.Fatalf("failed to save secret: %v", err)
	}

	got, err := st.Take(ctx, "marked", now, true)
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if string(got.Message) != "payload-marked" {
		t.Errorf("message mismatch: got %q", got.Message)
	}

	tomb, err := st.Get(ctx, "marked")
	if err != nil {
		t.Fatalf("tombstone should remain: %v", err)
	}
	if !tomb.Consumed {
		t.Error("tombstone should be consumed")
	}
	if len(tomb.Message) != 0 {
		t.Errorf("tombstone must not carry a payload, got %q", tomb.Message)
	}

	if _, err := st.Take(ctx, "marked", now, true); !errors.Is(err, ErrConsumed) {
		t.Errorf("second take: expected ErrConsumed, got %v", err)
	}
}

func testTakeExpiredDeletes(t *testing.T, st Store) {
	ctx := context.Background()
	now := base()
	if err := st.Save(ctx, newSecret("stale", now, time.Minute)); err != nil {
		t.Fatalf("failed to save secret: %v", err)
	}

	// Exactly at expiry counts as expired.
	_, err := st.Take(ctx, "stale", now.Add(time.Minute), true)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := st.Get(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired record should be deleted, got %v", err)
	}
}

func testTakeSingleWinner(tombstone bool) func(t *testing.T, st Store) {
	return func(t *testing.T, st Store) {
		ctx := context.Background()
		now := base()
		if err := st.Save(ctx, newSecret("race", now, time.Hour)); err != nil {
			t.Fatalf("failed to save secret: %v", err)
		}

		const readers = 50
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
			other   []error
		)
		start := make(chan struct{})
		for i := 0; i < readers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := st.Take(ctx, "race", now, tombstone)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case errors.Is(err, ErrConsumed), errors.Is(err, ErrNotFound):
				default:
					other = append(other, err)
				}
			}()
		}
		close(start)
		wg.Wait()

		if winners != 1 {
			t.Fatalf("expected exactly 1 winner, got %d", winners)
		}
		if len(other) > 0 {
			t.Fatalf("unexpected errors: %v", other)
		}
	}
}

func testDeleteExpired(t *testing.T, st Store) {
	ctx := context.Background()
	now := base()

	for _, s := range []*models.Secret{
		newSecret("short-1", now, time.Minute),
		newSecret("short-2", now, time.Minute),
		newSecret("long", now, time.Hour),
	} {
		if err := st.Save(ctx, s); err != nil {
			t.Fatalf("failed to save %s: %v", s.ID, err)
		}
	}
	// A tombstone past its expiry is purged too.
	if err := st.Save(ctx, newSecret("read", now, time.Minute)); err != nil {
		t.Fatalf("failed to save secret: %v", err)
	}
	if _, err := st.Take(ctx, "read", now, true); err != nil {
		t.Fatalf("take failed: %v", err)
	}

	later := now.Add(2 * time.Minute)
	n, err := st.DeleteExpired(ctx, later)
	if err != nil {
		t.Fatalf("delete expired failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 removed, got %d", n)
	}

	n, err = st.DeleteExpired(ctx, later)
	if err != nil {
		t.Fatalf("second delete expired failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second purge should remove nothing, got %d", n)
	}

	if _, err := st.Get(ctx, "long"); err != nil {
		t.Errorf("unexpired secret should survive: %v", err)
	}
}

func testCount(t *testing.T, st Store) {
	ctx := context.Background()
	now := base()

	for _, s := range []*models.Secret{
		newSecret("a", now, time.Minute),
		newSecret("b", now, time.Hour),
		newSecret("c", now, time.Hour),
	} {
		if err := st.Save(ctx, s); err != nil {
			t.Fatalf("failed to save %s: %v", s.ID, err)
		}
	}
	if _, err := st.Take(ctx, "c", now, true); err != nil {
		t.Fatalf("take failed: %v", err)
	}

	n, err := st.Count(ctx, now)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 active, got %d", n)
	}

	n, err = st.Count(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 active after short expiry, got %d", n)
	}
}

func testListByOrigin(t *testing.T, st Store) {
	ctx := context.Background()
	now := base()

	older := newSecret("older", now, time.Hour)
	newer := newSecret("newer", now.Add(time.Second), time.Hour)
	foreign := newSecret("foreign", now, time.Hour)
	foreign.Origin = "10.0.0.2"

	for _, s := range []*models.Secret{older, newer, foreign} {
		if err := st.Save(ctx, s); err != nil {
			t.Fatalf("failed to save %s: %v", s.ID, err)
		}
	}

	list, err := st.ListByOrigin(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 secrets, got %d", len(list))
	}
	if list[0].ID != "newer" || list[1].ID != "older" {
		t.Errorf("expected newest first, got %s, %s", list[0].ID, list[1].ID)
	}

	list, err = st.ListByOrigin(ctx, "192.168.1.1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no secrets for unknown origin, got %d", len(list))
	}
}

func testCancelledContext(t *testing.T, st Store) {
	ctx, cancel := context.WithCancel(context.Background())
	now := base()
	if err := st.Save(context.Background(), newSecret("keep", now, time.Hour)); err != nil {
		t.Fatalf("failed to save secret: %v", err)
	}
	cancel()

	_, err := st.Take(ctx, "keep", now, false)
	if !errors.Is(err, ErrNotExecuted) {
		t.Fatalf("take with cancelled context: expected ErrNotExecuted, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("take should keep the context error, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Errorf("cancelled take must not count as a store failure: %v", err)
	}
	if _, err := st.Get(context.Background(), "keep"); err != nil {
		t.Errorf("secret should be untouched after cancelled take: %v", err)
	}
}
