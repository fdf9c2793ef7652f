// Package feeds runs the long-lived upstream WebSocket connectors and
// normalizes their heterogeneous payloads into canonical events.
package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/canaria-project/canaria/internal/event"
)

const (
	baseBackoff       = 2 * time.Second
	maxBackoff        = 60 * time.Second
	clientPingPeriod  = 30 * time.Second
	inactivityTimeout = 120 * time.Second
	writeTimeout      = 10 * time.Second
	backfillTimeout   = 15 * time.Second
)

// Status is a connector lifecycle phase.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// State is the observable side of one connector. External readers always
// get a copy; only the connector goroutine writes it.
type State struct {
	Status          Status    `json:"status"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	LastError       string    `json:"lastError,omitempty"`
	ConnectedAt     time.Time `json:"connectedAt"`
	DisconnectedAt  time.Time `json:"disconnectedAt"`
	ReconnectCount  int       `json:"reconnectCount"`
	TotalUptimeMs   int64     `json:"totalUptimeMs"`
}

// Normalizer converts one upstream frame into canonical events.
// heartbeat marks protocol-level liveness frames that warrant a pong and
// produce no events. A record that fails to normalize is dropped inside
// the normalizer; the rest of the frame survives.
type Normalizer interface {
	Normalize(raw []byte, receiveTime time.Time) (events []event.Event, heartbeat bool)
	// History parses the backfill endpoint's response body.
	History(body []byte, receiveTime time.Time) []event.Event
}

// Recorder receives connector lifecycle transitions.
type Recorder interface {
	RecordFeedEvent(ctx context.Context, feed, transition, details string)
}

// Config sets up one connector.
type Config struct {
	Name          string
	URL           string
	HistoryURL    string
	BackfillLimit int
	Normalizer    Normalizer
	Sink          func(batch []event.Event)
	Recorder      Recorder
	Clock         clockwork.Clock
	HTTPClient    *http.Client
	Logger        zerolog.Logger
}

// Connector is one upstream feed client. Its lifecycle is
// Connecting -> Connected -> Disconnected -> Connecting, with capped
// exponential backoff between attempts.
type Connector struct {
	cfg        Config
	clock      clockwork.Clock
	httpClient *http.Client
	log        zerolog.Logger

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
}

func NewConnector(cfg Config) *Connector {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: backfillTimeout}
	}
	return &Connector{
		cfg:        cfg,
		clock:      cfg.Clock,
		httpClient: httpClient,
		log:        cfg.Logger.With().Str("component", "feed").Str("feed", cfg.Name).Logger(),
		state:      State{Status: StatusConnecting},
	}
}

// Name returns the connector's feed name.
func (c *Connector) Name() string { return c.cfg.Name }

// Snapshot returns a copy of the current state.
func (c *Connector) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ForceReconnect closes the live socket so the run loop redials.
func (c *Connector) ForceReconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Run dials, backfills once, and keeps the session alive until ctx is
// canceled. Reconnect delays double from 2s and cap at 60s across
// consecutive failed dials; a successful open resets them to the base.
func (c *Connector) Run(ctx context.Context) {
	c.backfill(ctx)

	backoff := baseBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		opened, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if opened {
			backoff = baseBackoff
		}
		c.log.Warn().Err(err).Dur("retryIn", backoff).Msg("feed session ended")

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(backoff):
		}
		backoff = NextBackoff(backoff)
	}
}

// NextBackoff is the reconnect delay progression: min(prev*2, 60s).
func NextBackoff(prev time.Duration) time.Duration {
	next := prev * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// session runs one socket lifetime: dial, pump messages, account uptime.
// opened reports whether the dial succeeded, so the caller can reset its
// backoff.
func (c *Connector) session(ctx context.Context) (opened bool, err error) {
	c.setConnecting()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		c.recordDisconnect(fmt.Errorf("dial: %w", err), time.Time{})
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	openedAt := c.clock.Now()
	c.setConnected(conn, openedAt)
	c.cfg.Recorder.RecordFeedEvent(ctx, c.cfg.Name, "connected", c.cfg.URL)
	c.log.Info().Msg("feed connected")

	// Watchdog and client pings run beside the read loop; whichever ends
	// first closes the socket and unblocks the others.
	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(sessionCtx, conn)
	}()

	readErr := c.readLoop(conn)
	stop()
	conn.Close()
	wg.Wait()

	c.recordDisconnect(readErr, openedAt)
	c.cfg.Recorder.RecordFeedEvent(ctx, c.cfg.Name, "disconnected", errString(readErr))
	return true, readErr
}

func (c *Connector) readLoop(conn *websocket.Conn) error {
	resetDeadline := func() {
		conn.SetReadDeadline(time.Now().Add(inactivityTimeout))
	}
	resetDeadline()
	conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		now := c.clock.Now()
		c.noteMessage(now)
		resetDeadline()

		events, heartbeat := c.cfg.Normalizer.Normalize(raw, now)
		if heartbeat {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`)); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
			continue
		}
		if len(events) > 0 {
			c.cfg.Sink(events)
		}
	}
}

func (c *Connector) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := c.clock.NewTicker(clientPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// backfill fetches the most-recent-N history once at startup and ingests
// it oldest first, so subscribers see a coherent backlog.
func (c *Connector) backfill(ctx context.Context) {
	if c.cfg.HistoryURL == "" {
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, backfillTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.HistoryURL, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("backfill request build failed")
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("backfill fetch failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Msg("backfill fetch rejected")
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.log.Warn().Err(err).Msg("backfill read failed")
		return
	}

	events := c.cfg.Normalizer.History(body, c.clock.Now())
	if limit := c.cfg.BackfillLimit; limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	if len(events) == 0 {
		return
	}
	// History endpoints return newest first; replay oldest first.
	reversed := make([]event.Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		reversed = append(reversed, events[i])
	}
	c.cfg.Sink(reversed)
	c.log.Info().Int("events", len(reversed)).Msg("backfill ingested")
}

func (c *Connector) setConnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Status = StatusConnecting
}

func (c *Connector) setConnected(conn *websocket.Conn, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.DisconnectedAt.IsZero() {
		c.state.ReconnectCount++
	}
	c.state.Status = StatusConnected
	c.state.ConnectedAt = now
	c.state.LastError = ""
	c.conn = conn
}

func (c *Connector) noteMessage(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.LastMessageAt = now
	c.state.LastHeartbeatAt = now
	c.state.LastError = ""
}

func (c *Connector) recordDisconnect(err error, openedAt time.Time) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !openedAt.IsZero() {
		c.state.TotalUptimeMs += now.Sub(openedAt).Milliseconds()
	}
	c.state.Status = StatusDisconnected
	c.state.DisconnectedAt = now
	c.state.LastError = errString(err)
	c.conn = nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// decodeFrame is the shared lenient JSON decode for normalizers. Numbers
// stay json.Number so event.Float can coerce them without precision loss.
func decodeFrame(raw []byte) (map[string]any, bool) {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, false
	}
	return m, true
}
