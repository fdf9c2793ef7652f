package metrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/canaria-project/canaria/internal/event"
)

const latencyWindow = 5 * time.Minute

// Series is one exported metric sample.
type Series struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// LatencyStats summarizes the sliding request-duration window.
type LatencyStats struct {
	WindowSeconds     int     `json:"windowSeconds"`
	SampleCount       int     `json:"sampleCount"`
	P50Ms             int64   `json:"p50Ms"`
	P95Ms             int64   `json:"p95Ms"`
	P99Ms             int64   `json:"p99Ms"`
	RequestsPerMinute float64 `json:"requestsPerMinute"`
}

// JSONExport mirrors the Prometheus families plus percentile latencies.
type JSONExport struct {
	Timestamp string              `json:"timestamp"`
	Metrics   map[string][]Series `json:"metrics"`
	Latency   LatencyStats        `json:"latency"`
}

// ExportJSON renders the same data as the Prometheus endpoint, plus
// nearest-rank latency percentiles over the last five minutes.
func (m *Metrics) ExportJSON(ctx context.Context) (*JSONExport, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	out := &JSONExport{
		Timestamp: event.FormatTime(m.clock.Now()),
		Metrics:   make(map[string][]Series, len(families)),
	}
	for _, mf := range families {
		var series []Series
		for _, pm := range mf.GetMetric() {
			s := Series{}
			if labels := pm.GetLabel(); len(labels) > 0 {
				s.Labels = make(map[string]string, len(labels))
				for _, l := range labels {
					s.Labels[l.GetName()] = l.GetValue()
				}
			}
			switch {
			case pm.GetCounter() != nil:
				s.Value = pm.GetCounter().GetValue()
			case pm.GetGauge() != nil:
				s.Value = pm.GetGauge().GetValue()
			case pm.GetHistogram() != nil:
				// Histograms export their sum; buckets stay on the
				// Prometheus endpoint.
				s.Value = pm.GetHistogram().GetSampleSum()
			default:
				continue
			}
			series = append(series, s)
		}
		if series != nil {
			out.Metrics[mf.GetName()] = series
		}
	}

	since := m.clock.Now().Add(-latencyWindow)
	durations, err := m.store.DurationsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("latency window: %w", err)
	}
	out.Latency = LatencyStats{
		WindowSeconds:     int(latencyWindow / time.Second),
		SampleCount:       len(durations),
		P50Ms:             percentile(durations, 50),
		P95Ms:             percentile(durations, 95),
		P99Ms:             percentile(durations, 99),
		RequestsPerMinute: float64(len(durations)) / latencyWindow.Minutes(),
	}
	return out, nil
}

// percentile is nearest-rank over an ascending-sorted slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
