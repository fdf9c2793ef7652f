// Package admin builds the operator-facing read models (health, status,
// monitoring, dashboard) and executes admin actions.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/canaria-project/canaria/internal/config"
	"github.com/canaria-project/canaria/internal/event"
	"github.com/canaria-project/canaria/internal/feeds"
	"github.com/canaria-project/canaria/internal/ingest"
	"github.com/canaria-project/canaria/internal/metrics"
	"github.com/canaria-project/canaria/internal/ratelimit"
	"github.com/canaria-project/canaria/internal/storage"
)

// Feed is the connector surface admin needs: snapshot and forced
// reconnect.
type Feed interface {
	Name() string
	Snapshot() feeds.State
	ForceReconnect()
}

// HubStats exposes the subscriber counters.
type HubStats interface {
	Size() int
	TotalConnections() int64
}

// Admin aggregates every subsystem into operator views.
type Admin struct {
	store     *storage.Store
	cfg       *config.Manager
	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics
	ingestor  *ingest.Ingestor
	hub       HubStats
	feeds     []Feed
	signerKey string
	clock     clockwork.Clock
	startedAt time.Time
	log       zerolog.Logger
}

func New(store *storage.Store, cfg *config.Manager, limiter *ratelimit.Limiter, m *metrics.Metrics, ing *ingest.Ingestor, hub HubStats, feedList []Feed, signerKey string, clock clockwork.Clock, log zerolog.Logger) *Admin {
	return &Admin{
		store:     store,
		cfg:       cfg,
		limiter:   limiter,
		metrics:   m,
		ingestor:  ing,
		hub:       hub,
		feeds:     feedList,
		signerKey: signerKey,
		clock:     clock,
		startedAt: clock.Now(),
		log:       log.With().Str("component", "admin").Logger(),
	}
}

// CheckResult is one subsystem's health verdict.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthReport is the /v1/health body.
type HealthReport struct {
	Healthy   bool                   `json:"healthy"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health classifies parser, feeds, and database. Overall healthy means
// all three pass.
func (a *Admin) Health(ctx context.Context) HealthReport {
	now := a.clock.Now()
	checks := make(map[string]CheckResult, 3)

	age := a.ingestor.HeartbeatAge()
	parserTimeout := a.cfg.ParserTimeout().Seconds()
	switch {
	case age < 0:
		checks["parser"] = CheckResult{Healthy: false, Detail: "no heartbeat received yet"}
	case age < parserTimeout:
		checks["parser"] = CheckResult{Healthy: true, Detail: fmt.Sprintf("heartbeat %.0fs ago", age)}
	default:
		checks["parser"] = CheckResult{Healthy: false, Detail: fmt.Sprintf("heartbeat %.0fs ago, limit %.0fs", age, parserTimeout)}
	}

	connected := 0
	for _, f := range a.feeds {
		if f.Snapshot().Status == feeds.StatusConnected {
			connected++
		}
	}
	checks["feeds"] = CheckResult{
		Healthy: connected > 0,
		Detail:  fmt.Sprintf("%d/%d connected", connected, len(a.feeds)),
	}

	if _, err := a.store.Count(ctx); err != nil {
		checks["database"] = CheckResult{Healthy: false, Detail: err.Error()}
	} else {
		checks["database"] = CheckResult{Healthy: true}
	}

	healthy := true
	for _, c := range checks {
		healthy = healthy && c.Healthy
	}
	return HealthReport{
		Healthy:   healthy,
		Checks:    checks,
		Timestamp: event.FormatTime(now),
	}
}

// StatusReport is the /v1/status body: a dashboard-friendly one-liner.
type StatusReport struct {
	Status    string `json:"status"`
	Summary   string `json:"summary"`
	Timestamp string `json:"timestamp"`
}

func (a *Admin) Status(ctx context.Context) StatusReport {
	report := a.Health(ctx)
	status := "ok"
	summary := "all subsystems healthy"
	if !report.Healthy {
		status = "degraded"
		summary = ""
		// Fixed order so the summary is stable across calls.
		for _, name := range []string{"parser", "feeds", "database"} {
			c, ok := report.Checks[name]
			if !ok || c.Healthy {
				continue
			}
			if summary != "" {
				summary += "; "
			}
			summary += name + " unhealthy"
			if c.Detail != "" {
				summary += " (" + c.Detail + ")"
			}
		}
	}
	return StatusReport{Status: status, Summary: summary, Timestamp: report.Timestamp}
}
