package secrets

import (
	"context"
	"time"

	"ephemeral.share/internal/logging"
	"ephemeral.share/internal/metrics"
)

const DefaultSweepInterval = 30 * time.Second

// Purger is the part of Service the sweeper drives.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Sweeper calls PurgeExpired on an interval. It implements suture.Service.
type Sweeper struct {
	purger   Purger
	interval time.Duration
	// after runs after each sweep; optional backend housekeeping such as
	// badger value log GC.
	after func() error
}

func NewSweeper(p Purger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{purger: p, interval: interval}
}

// WithHousekeeping registers fn to run after every sweep.
func (w *Sweeper) WithHousekeeping(fn func() error) *Sweeper {
	w.after = fn
	return w
}

func (w *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one purge. Failures are logged and retried on the next tick.
func (w *Sweeper) Sweep(ctx context.Context) int {
	log := logging.WithComponent("sweeper")

	n, err := w.purger.PurgeExpired(ctx)
	if err != nil {
		metrics.SweepErrors.Inc()
		log.Warn().Err(err).Msg("expiry sweep failed")
		return n
	}
	if n > 0 {
		log.Debug().Int("purged", n).Msg("expired secrets removed")
	}

	if w.after != nil {
		if err := w.after(); err != nil {
			log.Debug().Err(err).Msg("store housekeeping failed")
		}
	}
	return n
}

func (w *Sweeper) String() string {
	return "expiry-sweeper"
}
