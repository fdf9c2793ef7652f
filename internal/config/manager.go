package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/canaria-project/canaria/internal/storage"
)

// dynamicKey is the config-table row holding the whole dynamic document.
const dynamicKey = "main"

// Valid rollup interval tokens.
var rollupIntervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
}

// Dynamic is the operator-mutable configuration document. It persists as
// one JSON row and survives restarts.
type Dynamic struct {
	Metrics    MetricsSettings    `json:"metrics"`
	RateLimit  RateLimitSettings  `json:"rateLimit"`
	Monitoring MonitoringSettings `json:"monitoring"`
}

type MetricsSettings struct {
	RollupInterval      string `json:"rollupInterval"`
	RetentionDays       int    `json:"retentionDays"`
	RollupRetentionDays int    `json:"rollupRetentionDays"`
}

type RateLimitSettings struct {
	Enabled bool                     `json:"enabled"`
	Limits  map[string]EndpointLimit `json:"limits"`
}

type EndpointLimit struct {
	MaxRequests   int `json:"maxRequests"`
	WindowSeconds int `json:"windowSeconds"`
}

type MonitoringSettings struct {
	ParserTimeoutSeconds int `json:"parserTimeoutSeconds"`
	FeedTimeoutSeconds   int `json:"feedTimeoutSeconds"`
	CleanupIntervalHours int `json:"cleanupIntervalHours"`
}

// DefaultDynamic returns the settings a fresh deployment starts with.
func DefaultDynamic() Dynamic {
	return Dynamic{
		Metrics: MetricsSettings{
			RollupInterval:      "5m",
			RetentionDays:       7,
			RollupRetentionDays: 30,
		},
		RateLimit: RateLimitSettings{
			Enabled: true,
			Limits: map[string]EndpointLimit{
				"/v1/events":        {MaxRequests: 60, WindowSeconds: 60},
				"/v1/events/latest": {MaxRequests: 60, WindowSeconds: 60},
				"/v1/status":        {MaxRequests: 30, WindowSeconds: 60},
				"/v1/connections":   {MaxRequests: 30, WindowSeconds: 60},
				"/v1/monitoring":    {MaxRequests: 30, WindowSeconds: 60},
				"/v1/metrics":       {MaxRequests: 60, WindowSeconds: 60},
			},
		},
		Monitoring: MonitoringSettings{
			ParserTimeoutSeconds: 300,
			FeedTimeoutSeconds:   300,
			CleanupIntervalHours: 1,
		},
	}
}

// dynamicEnv are the deployment-time overrides. They apply only when the
// config row does not exist yet; afterwards the stored document wins.
type dynamicEnv struct {
	RollupInterval   *string `env:"METRICS_ROLLUP_INTERVAL"`
	RetentionDays    *int    `env:"METRICS_RETENTION_DAYS"`
	RollupRetention  *int    `env:"ROLLUP_RETENTION_DAYS"`
	RateLimitEnabled *bool   `env:"RATE_LIMIT_ENABLED"`
}

// Manager loads, caches, and persists the dynamic document.
type Manager struct {
	store *storage.Store
	log   zerolog.Logger

	mu  sync.RWMutex
	cur Dynamic
}

// NewManager reads the stored document or materializes defaults plus
// environment overrides on the very first boot.
func NewManager(ctx context.Context, store *storage.Store, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		store: store,
		log:   log.With().Str("component", "config").Logger(),
	}

	raw, ok, err := store.GetConfigValue(ctx, dynamicKey)
	if err != nil {
		return nil, fmt.Errorf("load dynamic config: %w", err)
	}
	if ok {
		var d Dynamic
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			m.log.Error().Err(err).Msg("stored config unreadable, falling back to defaults")
			d = DefaultDynamic()
		}
		normalize(&d, m.log)
		m.cur = d
		return m, nil
	}

	d := DefaultDynamic()
	applyEnvOverrides(&d, m.log)
	normalize(&d, m.log)
	if err := m.persist(ctx, d); err != nil {
		return nil, err
	}
	m.cur = d
	m.log.Info().Msg("initialized dynamic config")
	return m, nil
}

func applyEnvOverrides(d *Dynamic, log zerolog.Logger) {
	var o dynamicEnv
	if err := env.Parse(&o); err != nil {
		log.Warn().Err(err).Msg("environment overrides unreadable, ignored")
		return
	}
	if o.RollupInterval != nil {
		if _, ok := rollupIntervals[*o.RollupInterval]; ok {
			d.Metrics.RollupInterval = *o.RollupInterval
		} else {
			log.Warn().Str("value", *o.RollupInterval).Msg("METRICS_ROLLUP_INTERVAL out of range, ignored")
		}
	}
	if o.RetentionDays != nil {
		if *o.RetentionDays >= 1 && *o.RetentionDays <= 365 {
			d.Metrics.RetentionDays = *o.RetentionDays
		} else {
			log.Warn().Int("value", *o.RetentionDays).Msg("METRICS_RETENTION_DAYS out of range, ignored")
		}
	}
	if o.RollupRetention != nil {
		if *o.RollupRetention >= 1 && *o.RollupRetention <= 365 {
			d.Metrics.RollupRetentionDays = *o.RollupRetention
		} else {
			log.Warn().Int("value", *o.RollupRetention).Msg("ROLLUP_RETENTION_DAYS out of range, ignored")
		}
	}
	if o.RateLimitEnabled != nil {
		d.RateLimit.Enabled = *o.RateLimitEnabled
	}
}

// normalize repairs values a hand-edited or older document may carry.
func normalize(d *Dynamic, log zerolog.Logger) {
	def := DefaultDynamic()
	if _, ok := rollupIntervals[d.Metrics.RollupInterval]; !ok {
		log.Warn().Str("value", d.Metrics.RollupInterval).Msg("invalid rollup interval, using default")
		d.Metrics.RollupInterval = def.Metrics.RollupInterval
	}
	if d.Metrics.RetentionDays < 1 || d.Metrics.RetentionDays > 365 {
		d.Metrics.RetentionDays = def.Metrics.RetentionDays
	}
	if d.Metrics.RollupRetentionDays < 1 || d.Metrics.RollupRetentionDays > 365 {
		d.Metrics.RollupRetentionDays = def.Metrics.RollupRetentionDays
	}
	if d.RateLimit.Limits == nil {
		d.RateLimit.Limits = def.RateLimit.Limits
	}
	if d.Monitoring.ParserTimeoutSeconds <= 0 {
		d.Monitoring.ParserTimeoutSeconds = def.Monitoring.ParserTimeoutSeconds
	}
	if d.Monitoring.FeedTimeoutSeconds <= 0 {
		d.Monitoring.FeedTimeoutSeconds = def.Monitoring.FeedTimeoutSeconds
	}
	if d.Monitoring.CleanupIntervalHours <= 0 {
		d.Monitoring.CleanupIntervalHours = def.Monitoring.CleanupIntervalHours
	}
}

func validate(d *Dynamic) error {
	if _, ok := rollupIntervals[d.Metrics.RollupInterval]; !ok {
		return fmt.Errorf("rollupInterval must be one of 1m, 5m, 15m, 1h")
	}
	if d.Metrics.RetentionDays < 1 || d.Metrics.RetentionDays > 365 {
		return fmt.Errorf("retentionDays must be between 1 and 365")
	}
	if d.Metrics.RollupRetentionDays < 1 || d.Metrics.RollupRetentionDays > 365 {
		return fmt.Errorf("rollupRetentionDays must be between 1 and 365")
	}
	for endpoint, l := range d.RateLimit.Limits {
		if l.MaxRequests <= 0 || l.WindowSeconds <= 0 {
			return fmt.Errorf("limit for %s must have positive maxRequests and windowSeconds", endpoint)
		}
	}
	if d.Monitoring.ParserTimeoutSeconds <= 0 ||
		d.Monitoring.FeedTimeoutSeconds <= 0 ||
		d.Monitoring.CleanupIntervalHours <= 0 {
		return fmt.Errorf("monitoring timeouts must be positive")
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, d Dynamic) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dynamic config: %w", err)
	}
	if err := m.store.SetConfigValue(ctx, dynamicKey, string(raw)); err != nil {
		return fmt.Errorf("persist dynamic config: %w", err)
	}
	return nil
}

// Get returns a copy callers may mutate freely.
func (m *Manager) Get() Dynamic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.clone()
}

// Update deep-merges partial into the current document, validates,
// persists, then swaps the cache.
func (m *Manager) Update(ctx context.Context, partial map[string]any) (Dynamic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	curRaw, err := json.Marshal(m.cur)
	if err != nil {
		return Dynamic{}, fmt.Errorf("marshal current config: %w", err)
	}
	var curMap map[string]any
	if err := json.Unmarshal(curRaw, &curMap); err != nil {
		return Dynamic{}, fmt.Errorf("unmarshal current config: %w", err)
	}

	merged := deepMerge(curMap, partial)
	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return Dynamic{}, fmt.Errorf("marshal merged config: %w", err)
	}

	var next Dynamic
	dec := json.NewDecoder(bytes.NewReader(mergedRaw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		return Dynamic{}, fmt.Errorf("invalid config update: %w", err)
	}
	if err := validate(&next); err != nil {
		return Dynamic{}, err
	}
	if err := m.persist(ctx, next); err != nil {
		return Dynamic{}, err
	}
	m.cur = next
	m.log.Info().Msg("dynamic config updated")
	return next.clone(), nil
}

// deepMerge overlays b onto a; nested maps merge, everything else
// overwrites.
func deepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v
	}
	for k, bv := range b {
		if am, ok := out[k].(map[string]any); ok {
			if bm, ok := bv.(map[string]any); ok {
				out[k] = deepMerge(am, bm)
				continue
			}
		}
		out[k] = bv
	}
	return out
}

func (d Dynamic) clone() Dynamic {
	out := d
	out.RateLimit.Limits = make(map[string]EndpointLimit, len(d.RateLimit.Limits))
	for k, v := range d.RateLimit.Limits {
		out.RateLimit.Limits[k] = v
	}
	return out
}

// Accessors. Consumers call these each cycle instead of subscribing to
// change notifications.

func (m *Manager) RollupInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rollupIntervals[m.cur.Metrics.RollupInterval]
}

func (m *Manager) RetentionDays() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.Metrics.RetentionDays
}

func (m *Manager) RollupRetentionDays() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.Metrics.RollupRetentionDays
}

func (m *Manager) RateLimitEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.RateLimit.Enabled
}

// LimitFor returns the rule for an endpoint key, if any.
func (m *Manager) LimitFor(endpoint string) (EndpointLimit, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.cur.RateLimit.Limits[endpoint]
	return l, ok
}

func (m *Manager) ParserTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.cur.Monitoring.ParserTimeoutSeconds) * time.Second
}

func (m *Manager) FeedTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.cur.Monitoring.FeedTimeoutSeconds) * time.Second
}

func (m *Manager) CleanupInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.cur.Monitoring.CleanupIntervalHours) * time.Hour
}
