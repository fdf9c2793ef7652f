package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/canaria-project/canaria/internal/storage"
)

// Fixed retention for tables not governed by the configurable windows.
const (
	clientHistoryRetention = 24 * time.Hour
	feedEventRetention     = 7 * 24 * time.Hour
)

type requestLabels struct {
	Endpoint string `json:"endpoint"`
	Status   int    `json:"status"`
}

type endpointLabels struct {
	Endpoint string `json:"endpoint"`
}

// PerformRollup aggregates the closed window ending at the current
// interval boundary into metrics_rollup. Re-running the same window
// reproduces identical rows.
func (m *Metrics) PerformRollup(ctx context.Context) error {
	interval := m.cfg.RollupInterval()
	intervalSeconds := int(interval / time.Second)
	currentWindow := m.clock.Now().UTC().Truncate(interval)
	from := currentWindow.Add(-interval)

	counts, err := m.store.RequestCountsByEndpointStatus(ctx, from, currentWindow)
	if err != nil {
		return fmt.Errorf("rollup counts: %w", err)
	}
	for _, c := range counts {
		labels, err := json.Marshal(requestLabels{Endpoint: c.Endpoint, Status: c.Status})
		if err != nil {
			return fmt.Errorf("marshal rollup labels: %w", err)
		}
		row := storage.RollupRow{
			TS:              from,
			IntervalSeconds: intervalSeconds,
			MetricName:      "requests_total",
			Labels:          string(labels),
			Value:           float64(c.Count),
			Count:           c.Count,
		}
		if err := m.store.UpsertRollup(ctx, row); err != nil {
			return fmt.Errorf("rollup requests_total: %w", err)
		}
	}

	durations, err := m.store.RequestDurationsByEndpoint(ctx, from, currentWindow)
	if err != nil {
		return fmt.Errorf("rollup durations: %w", err)
	}
	for _, d := range durations {
		labels, err := json.Marshal(endpointLabels{Endpoint: d.Endpoint})
		if err != nil {
			return fmt.Errorf("marshal rollup labels: %w", err)
		}
		row := storage.RollupRow{
			TS:              from,
			IntervalSeconds: intervalSeconds,
			MetricName:      "request_duration_ms",
			Labels:          string(labels),
			Value:           d.AvgMs,
			Count:           d.Count,
		}
		if err := m.store.UpsertRollup(ctx, row); err != nil {
			return fmt.Errorf("rollup request_duration_ms: %w", err)
		}
	}

	m.log.Debug().
		Time("window", from).
		Int("intervalSeconds", intervalSeconds).
		Int("series", len(counts)+len(durations)).
		Msg("rollup complete")
	return nil
}

// CleanupResult reports how many rows each retention pass removed.
type CleanupResult struct {
	RequestLogs   int64 `json:"requestLogs"`
	Rollups       int64 `json:"rollups"`
	ClientHistory int64 `json:"clientHistory"`
	FeedEvents    int64 `json:"feedEvents"`
}

// Total sums all removed rows.
func (r CleanupResult) Total() int64 {
	return r.RequestLogs + r.Rollups + r.ClientHistory + r.FeedEvents
}

// PerformCleanup enforces retention on every telemetry table and
// vacuums when anything was deleted.
func (m *Metrics) PerformCleanup(ctx context.Context) (CleanupResult, error) {
	now := m.clock.Now().UTC()
	var res CleanupResult
	var err error

	retention := time.Duration(m.cfg.RetentionDays()) * 24 * time.Hour
	res.RequestLogs, err = m.store.DeleteRequestLogsBefore(ctx, now.Add(-retention))
	if err != nil {
		return res, fmt.Errorf("cleanup request logs: %w", err)
	}

	rollupRetention := time.Duration(m.cfg.RollupRetentionDays()) * 24 * time.Hour
	res.Rollups, err = m.store.DeleteRollupsBefore(ctx, now.Add(-rollupRetention))
	if err != nil {
		return res, fmt.Errorf("cleanup rollups: %w", err)
	}

	res.ClientHistory, err = m.store.DeleteClientCountsBefore(ctx, now.Add(-clientHistoryRetention))
	if err != nil {
		return res, fmt.Errorf("cleanup client history: %w", err)
	}

	res.FeedEvents, err = m.store.DeleteFeedEventsBefore(ctx, now.Add(-feedEventRetention))
	if err != nil {
		return res, fmt.Errorf("cleanup feed events: %w", err)
	}

	if res.Total() > 0 {
		if err := m.store.Vacuum(ctx); err != nil {
			m.log.Warn().Err(err).Msg("vacuum failed")
		}
	}

	m.log.Info().
		Int64("requestLogs", res.RequestLogs).
		Int64("rollups", res.Rollups).
		Int64("clientHistory", res.ClientHistory).
		Int64("feedEvents", res.FeedEvents).
		Msg("cleanup complete")
	return res, nil
}
