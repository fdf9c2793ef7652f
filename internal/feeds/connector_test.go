package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canaria-project/canaria/internal/event"
)

func TestNextBackoffSequence(t *testing.T) {
	want := []time.Duration{
		4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	d := baseBackoff
	assert.Equal(t, 2*time.Second, d)
	for _, w := range want {
		d = NextBackoff(d)
		assert.Equal(t, w, d)
	}
}

// echoNormalizer treats every frame as one event keyed by its payload.
type echoNormalizer struct{}

func (echoNormalizer) Normalize(raw []byte, recvTime time.Time) ([]event.Event, bool) {
	m, ok := decodeFrame(raw)
	if !ok {
		return nil, false
	}
	if typeField(m) == "heartbeat" {
		return nil, true
	}
	id, _ := m["id"].(string)
	return []event.Event{{
		ID:          id,
		Source:      event.SourceJMA,
		Time:        event.FormatTime(recvTime),
		ReceiveTime: event.FormatTime(recvTime),
	}}, false
}

func (echoNormalizer) History(body []byte, recvTime time.Time) []event.Event { return nil }

type nopRecorder struct{}

func (nopRecorder) RecordFeedEvent(context.Context, string, string, string) {}

// collector gathers emitted batches.
type collector struct {
	mu      sync.Mutex
	batches [][]event.Event
}

func (c *collector) sink(batch []event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, b := range c.batches {
		for _, e := range b {
			out = append(out, e.ID)
		}
	}
	return out
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// feedServer simulates the upstream: each accepted socket gets a script.
func feedServer(t *testing.T, script func(n int, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	accepted := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		accepted++
		n := accepted
		mu.Unlock()
		script(n, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectorFlapReconnects(t *testing.T) {
	// First session delivers one event then drops; second stays up.
	srv := feedServer(t, func(n int, conn *websocket.Conn) {
		switch n {
		case 1:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"first"}`))
			conn.Close()
		default:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"second"}`))
			// Hold the socket open until the test tears the server down.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	})

	col := &collector{}
	c := NewConnector(Config{
		Name:       "test",
		URL:        wsURL(srv),
		Normalizer: echoNormalizer{},
		Sink:       col.sink,
		Recorder:   nopRecorder{},
		Clock:      clockwork.NewRealClock(),
		Logger:     zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		st := c.Snapshot()
		return st.ReconnectCount == 1 && st.Status == StatusConnected
	}, 15*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		ids := col.ids()
		return len(ids) == 2 && ids[0] == "first" && ids[1] == "second"
	}, 15*time.Second, 20*time.Millisecond)

	st := c.Snapshot()
	assert.False(t, st.LastMessageAt.IsZero())
	assert.Empty(t, st.LastError)
}

func TestBackoffResetsAfterSuccessfulOpen(t *testing.T) {
	// Every dial succeeds and the upstream drops the socket right away.
	// Successful opens reset the backoff, so successive opens stay ~2s
	// apart; without the reset the gaps double (4s, 8s, ...).
	var mu sync.Mutex
	var opens []time.Time
	srv := feedServer(t, func(n int, conn *websocket.Conn) {
		mu.Lock()
		opens = append(opens, time.Now())
		mu.Unlock()
		conn.Close()
	})

	col := &collector{}
	c := NewConnector(Config{
		Name:       "test",
		URL:        wsURL(srv),
		Normalizer: echoNormalizer{},
		Sink:       col.sink,
		Recorder:   nopRecorder{},
		Clock:      clockwork.NewRealClock(),
		Logger:     zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(opens) >= 3
	}, 20*time.Second, 20*time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < 3; i++ {
		gap := opens[i].Sub(opens[i-1])
		assert.Less(t, gap, 3500*time.Millisecond, "gap %d should stay at the base delay", i)
	}
}

func TestConnectorForceReconnect(t *testing.T) {
	srv := feedServer(t, func(n int, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	col := &collector{}
	c := NewConnector(Config{
		Name:       "test",
		URL:        wsURL(srv),
		Normalizer: echoNormalizer{},
		Sink:       col.sink,
		Recorder:   nopRecorder{},
		Clock:      clockwork.NewRealClock(),
		Logger:     zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.Snapshot().Status == StatusConnected
	}, 10*time.Second, 20*time.Millisecond)

	c.ForceReconnect()

	require.Eventually(t, func() bool {
		st := c.Snapshot()
		return st.ReconnectCount == 1 && st.Status == StatusConnected
	}, 15*time.Second, 20*time.Millisecond)
}

func TestBackfillOldestFirst(t *testing.T) {
	history := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Newest first, as the relays serve it.
		w.Write([]byte(`[
			{"code":551,"id":"new","time":"2025/06/03 09:00:00","earthquake":{"time":"2025/06/03 08:59:00"}},
			{"code":551,"id":"old","time":"2025/06/03 08:35:00","earthquake":{"time":"2025/06/03 08:31:00"}}
		]`))
	}))
	t.Cleanup(history.Close)

	col := &collector{}
	c := NewConnector(Config{
		Name:          "test",
		URL:           "ws://127.0.0.1:0/never",
		HistoryURL:    history.URL,
		BackfillLimit: 10,
		Normalizer:    NewP2PNormalizer(zerolog.Nop()),
		Sink:          col.sink,
		Recorder:      nopRecorder{},
		Clock:         clockwork.NewRealClock(),
		Logger:        zerolog.Nop(),
	})

	c.backfill(context.Background())

	ids := col.ids()
	require.Equal(t, []string{"old", "new"}, ids)
}
