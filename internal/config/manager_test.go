package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canaria-project/canaria/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "canaria.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestManagerFirstInitUsesDefaults(t *testing.T) {
	s := newTestStore(t)
	m, err := NewManager(context.Background(), s, zerolog.Nop())
	require.NoError(t, err)

	d := m.Get()
	assert.Equal(t, "5m", d.Metrics.RollupInterval)
	assert.Equal(t, 7, d.Metrics.RetentionDays)
	assert.Equal(t, 30, d.Metrics.RollupRetentionDays)
	assert.True(t, d.RateLimit.Enabled)
	assert.Equal(t, 5*time.Minute, m.RollupInterval())
	assert.Equal(t, 300*time.Second, m.ParserTimeout())

	l, ok := m.LimitFor("/v1/events")
	require.True(t, ok)
	assert.Equal(t, 60, l.MaxRequests)
	assert.Equal(t, 60, l.WindowSeconds)

	_, ok = m.LimitFor("/v1/ws")
	assert.False(t, ok)
}

func TestManagerEnvOverridesFirstInitOnly(t *testing.T) {
	s := newTestStore(t)
	t.Setenv("METRICS_ROLLUP_INTERVAL", "15m")
	t.Setenv("METRICS_RETENTION_DAYS", "3")
	t.Setenv("RATE_LIMIT_ENABLED", "false")

	m, err := NewManager(context.Background(), s, zerolog.Nop())
	require.NoError(t, err)
	d := m.Get()
	assert.Equal(t, "15m", d.Metrics.RollupInterval)
	assert.Equal(t, 3, d.Metrics.RetentionDays)
	assert.False(t, d.RateLimit.Enabled)

	// A later boot sees the stored row; changed env no longer applies.
	t.Setenv("METRICS_ROLLUP_INTERVAL", "1h")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	m2, err := NewManager(context.Background(), s, zerolog.Nop())
	require.NoError(t, err)
	d2 := m2.Get()
	assert.Equal(t, "15m", d2.Metrics.RollupInterval)
	assert.False(t, d2.RateLimit.Enabled)
}

func TestManagerEnvOverrideOutOfRangeIgnored(t *testing.T) {
	s := newTestStore(t)
	t.Setenv("METRICS_ROLLUP_INTERVAL", "2h")
	t.Setenv("METRICS_RETENTION_DAYS", "9000")

	m, err := NewManager(context.Background(), s, zerolog.Nop())
	require.NoError(t, err)
	d := m.Get()
	assert.Equal(t, "5m", d.Metrics.RollupInterval)
	assert.Equal(t, 7, d.Metrics.RetentionDays)
}

func TestManagerUpdateDeepMerges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m, err := NewManager(ctx, s, zerolog.Nop())
	require.NoError(t, err)

	updated, err := m.Update(ctx, map[string]any{
		"metrics": map[string]any{"rollupInterval": "1m"},
		"rateLimit": map[string]any{
			"limits": map[string]any{
				"/v1/events": map[string]any{"maxRequests": 10.0},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "1m", updated.Metrics.RollupInterval)
	// Untouched siblings survive the merge.
	assert.Equal(t, 7, updated.Metrics.RetentionDays)
	assert.Equal(t, 10, updated.RateLimit.Limits["/v1/events"].MaxRequests)
	assert.Equal(t, 60, updated.RateLimit.Limits["/v1/events"].WindowSeconds)
	assert.Equal(t, 30, updated.RateLimit.Limits["/v1/status"].MaxRequests)

	// Persisted: a fresh manager sees the update.
	m2, err := NewManager(ctx, s, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, time.Minute, m2.RollupInterval())
}

func TestManagerUpdateRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m, err := NewManager(ctx, s, zerolog.Nop())
	require.NoError(t, err)

	_, err = m.Update(ctx, map[string]any{
		"metrics": map[string]any{"rollupInterval": "45s"},
	})
	assert.Error(t, err)

	_, err = m.Update(ctx, map[string]any{
		"metrics": map[string]any{"retentionDays": 400.0},
	})
	assert.Error(t, err)

	_, err = m.Update(ctx, map[string]any{
		"unknownSection": map[string]any{"x": 1.0},
	})
	assert.Error(t, err)

	// Current document is untouched after failed updates.
	assert.Equal(t, "5m", m.Get().Metrics.RollupInterval)
}

func TestManagerGetReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	m, err := NewManager(context.Background(), s, zerolog.Nop())
	require.NoError(t, err)

	d := m.Get()
	d.RateLimit.Limits["/v1/events"] = EndpointLimit{MaxRequests: 1, WindowSeconds: 1}

	fresh := m.Get()
	assert.Equal(t, 60, fresh.RateLimit.Limits["/v1/events"].MaxRequests)
}
