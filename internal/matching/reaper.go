package matching

import (
	"context"
	"log"
	"time"

	"github.com/bogdan-velicu/MeetUp/internal/metrics"
	"github.com/bogdan-velicu/MeetUp/internal/session"
)

// DefaultSweepInterval is how often Run sweeps expired sessions.
const DefaultSweepInterval = 5 * time.Second

// Reaper retires active sessions whose expiry has passed. Readers already
// treat such sessions as expired; the reaper only makes it durable.
type Reaper struct {
	store    session.Store
	interval time.Duration
	now      func() time.Time
}

// NewReaper creates a reaper sweeping store every interval. A non-positive
// interval selects DefaultSweepInterval.
func NewReaper(store session.Store, interval time.Duration, clock func() time.Time) *Reaper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clock == nil {
		clock = time.Now
	}
	return &Reaper{store: store, interval: interval, now: clock}
}

// Sweep expires every unclaimed active session with ExpiresAt <= now and
// returns how many changed. Sweeping twice is harmless.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := r.store.ExpireDue(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SessionsExpired.Add(float64(n))
		log.Printf("[reaper] expired %d sessions", n)
	}
	return n, nil
}

// Run sweeps on a ticker until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[reaper] sweep loop stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx, r.now()); err != nil {
				log.Printf("[reaper] sweep failed: %v", err)
			}
		}
	}
}
