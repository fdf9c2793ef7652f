// Package metrics captures request, feed, and subscriber telemetry,
// rolls raw logs up into fixed-interval buckets, enforces retention, and
// exports both Prometheus text and JSON snapshots.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/canaria-project/canaria/internal/config"
	"github.com/canaria-project/canaria/internal/storage"
)

// Metrics owns the Prometheus registry and writes raw telemetry rows
// through the store.
type Metrics struct {
	store *storage.Store
	cfg   *config.Manager
	clock clockwork.Clock
	log   zerolog.Logger

	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	wsClients       prometheus.Gauge
	feedConnected   *prometheus.GaugeVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	mu          sync.RWMutex
	heartbeatFn func() float64
}

func New(store *storage.Store, cfg *config.Manager, clock clockwork.Clock, log zerolog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		store:    store,
		cfg:      cfg,
		clock:    clock,
		log:      log.With().Str("component", "metrics").Logger(),
		registry: reg,

		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "canaria_events_total",
			Help: "Events stored, by authority.",
		}, []string{"source"}),
		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canaria_websocket_clients",
			Help: "Currently connected WebSocket subscribers.",
		}),
		feedConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "canaria_feed_connected",
			Help: "Whether an upstream feed is connected (1) or not (0).",
		}, []string{"feed"}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "canaria_requests_total",
			Help: "HTTP requests served, by endpoint and status.",
		}, []string{"endpoint", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "canaria_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"endpoint"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "canaria_parser_heartbeat_age_seconds",
		Help: "Seconds since the external poller last reported a heartbeat. -1 before the first one.",
	}, func() float64 {
		m.mu.RLock()
		fn := m.heartbeatFn
		m.mu.RUnlock()
		if fn == nil {
			return -1
		}
		return fn()
	})

	return m
}

// SetHeartbeatAgeFunc wires the gauge to the ingest heartbeat. Called
// once during startup.
func (m *Metrics) SetHeartbeatAgeFunc(fn func() float64) {
	m.mu.Lock()
	m.heartbeatFn = fn
	m.mu.Unlock()
}

// LogRequest records one finished HTTP request in the raw log and the
// Prometheus series. A failed row write is logged, never surfaced.
func (m *Metrics) LogRequest(ctx context.Context, rl storage.RequestLog) {
	m.requestsTotal.WithLabelValues(rl.Endpoint, strconv.Itoa(rl.Status)).Inc()
	m.requestDuration.WithLabelValues(rl.Endpoint).Observe(float64(rl.DurationMs) / 1000)
	if err := m.store.InsertRequestLog(ctx, rl); err != nil {
		m.log.Error().Err(err).Msg("request log write failed")
	}
}

// RecordFeedEvent persists a connector lifecycle transition and keeps
// the connected gauge in step.
func (m *Metrics) RecordFeedEvent(ctx context.Context, feed, transition, details string) {
	switch transition {
	case "connected":
		m.feedConnected.WithLabelValues(feed).Set(1)
	case "disconnected":
		m.feedConnected.WithLabelValues(feed).Set(0)
	}
	err := m.store.InsertFeedEvent(ctx, storage.FeedEvent{
		TS:      m.clock.Now(),
		Feed:    feed,
		Event:   transition,
		Details: details,
	})
	if err != nil {
		m.log.Error().Err(err).Str("feed", feed).Msg("feed event write failed")
	}
}

// EventStored bumps the per-authority stored-events counter.
func (m *Metrics) EventStored(source string) {
	m.eventsTotal.WithLabelValues(source).Inc()
}

// RecordClientCount samples the subscriber count into the minute-bucket
// history and the gauge.
func (m *Metrics) RecordClientCount(ctx context.Context, n int) {
	m.wsClients.Set(float64(n))
	if err := m.store.UpsertClientCount(ctx, m.clock.Now(), n); err != nil {
		m.log.Error().Err(err).Msg("client count write failed")
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
