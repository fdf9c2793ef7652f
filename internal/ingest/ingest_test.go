package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canaria-project/canaria/internal/config"
	"github.com/canaria-project/canaria/internal/event"
	"github.com/canaria-project/canaria/internal/metrics"
	"github.com/canaria-project/canaria/internal/signer"
	"github.com/canaria-project/canaria/internal/storage"
)

type fakeHub struct {
	mu     sync.Mutex
	frames []any
}

func (f *fakeHub) Broadcast(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, v)
}

func (f *fakeHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeHub) frame(i int) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[i]
}

type fakeUploader struct {
	mu       sync.Mutex
	triggers int
}

func (f *fakeUploader) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
}

func (f *fakeUploader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers
}

func newIngestor(t *testing.T, clock clockwork.Clock) (*Ingestor, *storage.Store, *fakeHub, *fakeUploader) {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "canaria.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg, err := config.NewManager(context.Background(), s, zerolog.Nop())
	require.NoError(t, err)
	m := metrics.New(s, cfg, clock, zerolog.Nop())

	sig, err := signer.New(config.SigningConfig{}, clock, zerolog.Nop())
	require.NoError(t, err)

	h := &fakeHub{}
	up := &fakeUploader{}
	ing := New(s, sig, h, up, nil, m, clock, zerolog.Nop())
	return ing, s, h, up
}

func runIngestor(t *testing.T, ing *Ingestor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ing.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func testEvent(id string) event.Event {
	return event.Event{
		ID:     id,
		Source: event.SourceJMA,
		Time:   "2025-01-01T00:00:00.000Z",
	}
}

func TestPipelineStoresSignsBroadcasts(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	ing, s, h, up := newIngestor(t, clock)
	runIngestor(t, ing)

	ing.Enqueue([]event.Event{testEvent("a"), testEvent("b")})

	require.Eventually(t, func() bool { return h.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Eventually(t, func() bool { return up.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, ing.Snapshot().LastStoredAt.IsZero())
}

func TestPipelineSkipsBroadcastForPureDuplicates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ing, s, h, up := newIngestor(t, clock)
	runIngestor(t, ing)

	ing.Enqueue([]event.Event{testEvent("a")})
	require.Eventually(t, func() bool { return h.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Re-ingesting the same event (a reconnect backfill) must not
	// broadcast again.
	ing.Enqueue([]event.Event{testEvent("a")})
	// A mixed batch broadcasts only the new event.
	ing.Enqueue([]event.Event{testEvent("a"), testEvent("b")})

	require.Eventually(t, func() bool { return h.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Eventually(t, func() bool { return up.count() == 2 }, 5*time.Second, 10*time.Millisecond)

	frame, ok := h.frame(1).(map[string]any)
	require.True(t, ok)
	envelopes, ok := frame["signedEvents"].([]signer.SignedEvent)
	require.True(t, ok)
	require.Len(t, envelopes, 1)
	assert.Contains(t, envelopes[0].Payload, `"eventId":"b"`)
}

func TestPipelineDropsInvalidKeepsRest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ing, s, h, _ := newIngestor(t, clock)
	runIngestor(t, ing)

	ing.Enqueue([]event.Event{
		{ID: "", Source: event.SourceJMA, Time: "2025-01-01T00:00:00.000Z"},
		testEvent("ok"),
	})

	require.Eventually(t, func() bool { return h.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubmitSyncIsOneShot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ing, _, _, _ := newIngestor(t, clock)

	// Unreachable heartbeat does not consume the flag.
	assert.False(t, ing.Submit(SubmitRequest{Heartbeat: &Heartbeat{AuthorityReachable: false}}))
	// First reachable heartbeat wins exactly once.
	assert.True(t, ing.Submit(SubmitRequest{Heartbeat: &Heartbeat{AuthorityReachable: true}}))
	assert.False(t, ing.Submit(SubmitRequest{Heartbeat: &Heartbeat{AuthorityReachable: true}}))

	// Destructive admin actions re-arm it.
	ing.RearmSync()
	assert.True(t, ing.Submit(SubmitRequest{Heartbeat: &Heartbeat{AuthorityReachable: true}}))
}

func TestParserErrorRingBoundedNewestFirst(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ing, _, _, _ := newIngestor(t, clock)

	for i := 0; i < MaxParserErrors+2; i++ {
		msg := fmt.Sprintf("parse failure %d", i)
		ing.Submit(SubmitRequest{Heartbeat: &Heartbeat{
			AuthorityReachable: true,
			Error:              &msg,
		}})
		clock.Advance(time.Second)
	}

	snap := ing.Snapshot()
	require.Len(t, snap.ParserErrors, MaxParserErrors)
	assert.Equal(t, "parse failure 11", snap.ParserErrors[0].Error)
	assert.Equal(t, "parse failure 2", snap.ParserErrors[MaxParserErrors-1].Error)
}

func TestHeartbeatAge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ing, _, _, _ := newIngestor(t, clock)

	assert.Equal(t, float64(-1), ing.HeartbeatAge())

	ing.Submit(SubmitRequest{Heartbeat: &Heartbeat{AuthorityReachable: true}})
	clock.Advance(90 * time.Second)
	assert.InDelta(t, 90, ing.HeartbeatAge(), 0.001)
}
