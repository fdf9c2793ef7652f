package metrics

import (
	"context"
	"time"
)

const maintenanceTick = 30 * time.Second

// Maintenance drives rollup, cleanup, and the minute client-count
// sampler from one background goroutine. Work gates on time since the
// last run, so a restart never double-runs a window.
type Maintenance struct {
	metrics      *Metrics
	clientCount  func() int
	cleanupHooks []func(context.Context)

	lastRollup  time.Time
	lastCleanup time.Time
}

// NewMaintenance wires the loop. clientCount is sampled every minute;
// cleanupHooks run after each retention pass (rate-limit sweep and the
// like).
func NewMaintenance(m *Metrics, clientCount func() int, cleanupHooks ...func(context.Context)) *Maintenance {
	return &Maintenance{
		metrics:      m,
		clientCount:  clientCount,
		cleanupHooks: cleanupHooks,
	}
}

// Run blocks until ctx is canceled.
func (mt *Maintenance) Run(ctx context.Context) {
	now := mt.metrics.clock.Now()
	mt.lastRollup = now
	mt.lastCleanup = now

	ticker := mt.metrics.clock.NewTicker(maintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			mt.Tick(ctx)
		}
	}
}

// Tick runs at most one rollup and one cleanup if they are due, and
// always samples the subscriber count. Exposed for the admin actions
// that trigger work out of cycle.
func (mt *Maintenance) Tick(ctx context.Context) {
	now := mt.metrics.clock.Now()

	if mt.clientCount != nil {
		mt.metrics.RecordClientCount(ctx, mt.clientCount())
	}

	if now.Sub(mt.lastRollup) >= mt.metrics.cfg.RollupInterval() {
		if err := mt.metrics.PerformRollup(ctx); err != nil {
			mt.metrics.log.Error().Err(err).Msg("scheduled rollup failed")
		}
		mt.lastRollup = now
	}

	if now.Sub(mt.lastCleanup) >= mt.metrics.cfg.CleanupInterval() {
		if _, err := mt.metrics.PerformCleanup(ctx); err != nil {
			mt.metrics.log.Error().Err(err).Msg("scheduled cleanup failed")
		}
		for _, hook := range mt.cleanupHooks {
			hook(ctx)
		}
		mt.lastCleanup = now
	}
}
