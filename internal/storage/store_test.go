package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canaria-project/canaria/internal/event"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "canaria.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(id, source, ts string) event.Event {
	return event.Event{
		ID:            id,
		Source:        source,
		ReceiveSource: event.ReceiveWolfX,
		Type:          "information",
		Time:          ts,
		ReceiveTime:   ts,
		Magnitude:     event.Ptr(4.5),
		Region:        event.Ptr("Tokyo"),
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "canaria.db")

	s1, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	_, err = s1.Insert(context.Background(), []event.Event{
		testEvent("a", event.SourceJMA, "2025-01-01T00:00:00.000Z"),
	})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Reopen runs schema + migrations against existing tables.
	s2, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()
	n, err := s2.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInsertDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testEvent("A", event.SourceJMA, "2025-01-01T00:00:00.000Z")
	b := testEvent("B", event.SourceP2PQuake, "2025-01-02T00:00:00.000Z")

	n, err := s.Insert(ctx, []event.Event{a})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Insert(ctx, []event.Event{a, b})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	total, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "B", latest.ID)

	oldest, err := s.Oldest(ctx)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.Equal(t, "A", oldest.ID)
}

func TestInsertSameBatchDuplicate(t *testing.T) {
	s := newTestStore(t)
	e := testEvent("X", event.SourceJMA, "2025-01-01T00:00:00.000Z")

	n, err := s.Insert(context.Background(), []event.Event{e, e})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCountBySourceSumsToCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, []event.Event{
		testEvent("1", event.SourceJMA, "2025-01-01T00:00:00.000Z"),
		testEvent("2", event.SourceJMA, "2025-01-01T01:00:00.000Z"),
		testEvent("3", event.SourceP2PQuake, "2025-01-01T02:00:00.000Z"),
		testEvent("4", event.SourceKMA, "2025-01-01T03:00:00.000Z"),
	})
	require.NoError(t, err)

	bySource, err := s.CountBySource(ctx)
	require.NoError(t, err)
	total, err := s.Count(ctx)
	require.NoError(t, err)

	var sum int64
	for _, n := range bySource {
		sum += n
	}
	assert.Equal(t, total, sum)
	assert.Equal(t, int64(2), bySource[event.SourceJMA])
}

func TestListFiltersAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, []event.Event{
		testEvent("early", event.SourceJMA, "2025-01-01T00:00:00.000Z"),
		testEvent("mid", event.SourceP2PQuake, "2025-01-02T00:00:00.000Z"),
		testEvent("late", event.SourceJMA, "2025-01-03T00:00:00.000Z"),
	})
	require.NoError(t, err)

	all, err := s.List(ctx, ListQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "late", all[0].ID)
	assert.Equal(t, "early", all[2].ID)

	jma, err := s.List(ctx, ListQuery{Source: event.SourceJMA})
	require.NoError(t, err)
	assert.Len(t, jma, 2)

	since, err := s.List(ctx, ListQuery{
		Since: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	window, err := s.List(ctx, ListQuery{
		Since: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Until: time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "mid", window[0].ID)

	limited, err := s.List(ctx, ListQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "late", limited[0].ID)
}

func TestNullFieldsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := event.Event{
		ID:            "nulls",
		Source:        event.SourceP2PQuake,
		ReceiveSource: event.ReceiveP2P,
		Type:          "551",
		Time:          "2025-01-01T00:00:00.000Z",
		ReceiveTime:   "2025-01-01T00:00:01.000Z",
	}
	_, err := s.Insert(ctx, []event.Event{e})
	require.NoError(t, err)

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Magnitude)
	assert.Nil(t, got.Latitude)
	assert.Nil(t, got.Region)
	assert.Nil(t, got.ReportType)
	assert.Nil(t, got.IssueTime)

	zero := event.Event{
		ID:          "zero-mag",
		Source:      event.SourceJMA,
		Time:        "2025-01-02T00:00:00.000Z",
		ReceiveTime: "2025-01-02T00:00:00.000Z",
		Magnitude:   event.Ptr(0.0),
	}
	_, err = s.Insert(ctx, []event.Event{zero})
	require.NoError(t, err)

	got, err = s.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, got.Magnitude)
	assert.Equal(t, 0.0, *got.Magnitude)
}

func TestDeleteEventsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, []event.Event{
		testEvent("old", event.SourceJMA, "2025-01-01T00:00:00.000Z"),
		testEvent("new", event.SourceJMA, "2025-02-01T00:00:00.000Z"),
	})
	require.NoError(t, err)

	n, err := s.DeleteEventsBefore(ctx, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	total, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestTableStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, []event.Event{testEvent("a", event.SourceJMA, "2025-01-01T00:00:00.000Z")})
	require.NoError(t, err)

	stats, err := s.TableStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["events"])
	assert.Contains(t, stats, "request_logs")
	assert.Contains(t, stats, "config")
	assert.Len(t, stats, len(tableNames))
}
