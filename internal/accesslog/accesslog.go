// Package accesslog records who read a secret. It is a side channel: nothing
// here may block or fail the read itself.
package accesslog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ephemeral.share/internal/logging"
	"ephemeral.share/internal/metrics"
)

type Entry struct {
	ID             string
	SecretID       string
	AccessedAt     time.Time
	AccessorOrigin string
}

// NewEntry stamps an entry with a fresh id.
func NewEntry(secretID, origin string, at time.Time) Entry {
	return Entry{
		ID:             uuid.New().String(),
		SecretID:       secretID,
		AccessedAt:     at.UTC(),
		AccessorOrigin: origin,
	}
}

// Sink persists entries.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Recorder accepts entries without blocking.
type Recorder interface {
	Record(entry Entry)
}

// Discard drops every entry.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Entry) {}

const DefaultBuffer = 256

// AsyncRecorder queues entries on a bounded channel and writes them to a
// sink from Serve. When the queue is full new entries are dropped.
type AsyncRecorder struct {
	sink    Sink
	entries chan Entry
	timeout time.Duration
}

func NewAsyncRecorder(sink Sink, buffer int) *AsyncRecorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &AsyncRecorder{
		sink:    sink,
		entries: make(chan Entry, buffer),
		timeout: 5 * time.Second,
	}
}

func (r *AsyncRecorder) Record(entry Entry) {
	select {
	case r.entries <- entry:
	default:
		metrics.AccessLogDropped.Inc()
	}
}

// Serve writes queued entries until ctx is cancelled, then flushes what is
// already queued. Implements suture.Service.
func (r *AsyncRecorder) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case entry := <-r.entries:
			r.write(context.Background(), entry)
		}
	}
}

func (r *AsyncRecorder) String() string {
	return "access-log-recorder"
}

func (r *AsyncRecorder) drain() {
	for {
		select {
		case entry := <-r.entries:
			r.write(context.Background(), entry)
		default:
			return
		}
	}
}

func (r *AsyncRecorder) write(parent context.Context, entry Entry) {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	if err := r.sink.Write(ctx, entry); err != nil {
		metrics.AccessLogWriteErrors.Inc()
		logging.Warn().Err(err).Str("secret_id", entry.SecretID).Msg("access log write failed")
	}
}
