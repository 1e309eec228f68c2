package tracker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Hooks are the corrective passes the sweeper drives besides stale-connection
// eviction. Both run against the room service.
type Hooks struct {
	// StopAbandoned stops live rooms whose owner has no fresh connection.
	StopAbandoned func(ctx context.Context)
	// DedupeAll strips duplicate session ids from membership lists.
	DedupeAll func(ctx context.Context)
}

// Sweeper is the periodic reconciliation pass: it evicts connections whose
// heartbeat aged out (same path as a disconnect) and, on a slower cadence,
// deduplicates membership lists. It corrects drift; it does not replace
// doing the right thing at the mutation site.
type Sweeper struct {
	tracker *Tracker
	hooks   Hooks

	interval       time.Duration
	dedupeInterval time.Duration
	timeout        time.Duration
}

func NewSweeper(t *Tracker, hooks Hooks, interval, dedupeInterval, timeout time.Duration) *Sweeper {
	return &Sweeper{
		tracker:        t,
		hooks:          hooks,
		interval:       interval,
		dedupeInterval: dedupeInterval,
		timeout:        timeout,
	}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	evict := time.NewTicker(s.interval)
	defer evict.Stop()
	dedupe := time.NewTicker(s.dedupeInterval)
	defer dedupe.Stop()

	log.Info().Str("module", "sweeper").Dur("interval", s.interval).Dur("timeout", s.timeout).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "sweeper").Msg("sweeper stopped")
			return
		case <-evict.C:
			s.Sweep(ctx)
		case <-dedupe.C:
			if s.hooks.DedupeAll != nil {
				s.hooks.DedupeAll(ctx)
			}
		}
	}
}

// Sweep runs one eviction pass; split out so tests can drive it directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	if stale := s.tracker.EvictStale(ctx, s.timeout); len(stale) > 0 {
		log.Info().Str("module", "sweeper").Int("evicted", len(stale)).Msg("evicted stale connections")
	}
	if s.hooks.StopAbandoned != nil {
		s.hooks.StopAbandoned(ctx)
	}
}
