// Package hub maintains the set of live WebSocket subscribers and fans
// broadcast frames out to all of them.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/canaria-project/canaria/internal/event"
)

const pingInterval = 60 * time.Second

// LatestFunc supplies the snapshot event new subscribers receive before
// any broadcast.
type LatestFunc func(ctx context.Context) (*event.Event, error)

// Hub owns the subscriber set. Registration, removal, snapshot delivery
// and fan-out all happen on the Run goroutine, so the set needs no lock
// and every subscriber sees snapshot-before-broadcast ordering.
type Hub struct {
	latest LatestFunc
	clock  clockwork.Clock
	log    zerolog.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	clients map[*Client]struct{}

	size  atomic.Int64
	total atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func New(latest LatestFunc, clock clockwork.Clock, log zerolog.Logger) *Hub {
	return &Hub{
		latest:     latest,
		clock:      clock,
		log:        log.With().Str("component", "hub").Logger(),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*Client]struct{}),
		done:       make(chan struct{}),
	}
}

// Run blocks until ctx is canceled, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.add(ctx, c)
		case c := <-h.unregister:
			h.remove(c)
		case payload := <-h.broadcast:
			h.fanOut(payload)
		case <-ticker.Chan():
			h.ping()
		}
	}
}

// Register hands a new subscriber to the Run goroutine.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.close()
	}
}

// Unregister removes a subscriber; safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast serializes v once and queues the frame for every subscriber.
func (h *Hub) Broadcast(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("broadcast marshal failed")
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.done:
	default:
		h.log.Warn().Msg("broadcast queue full, dropping frame")
	}
}

// Size returns the current subscriber count.
func (h *Hub) Size() int {
	return int(h.size.Load())
}

// TotalConnections returns the monotonic count of subscribers ever
// registered.
func (h *Hub) TotalConnections() int64 {
	return h.total.Load()
}

func (h *Hub) add(ctx context.Context, c *Client) {
	h.clients[c] = struct{}{}
	h.size.Store(int64(len(h.clients)))
	h.total.Add(1)
	h.log.Debug().Int("clients", len(h.clients)).Msg("subscriber registered")

	// Snapshot goes into the send queue here, on the Run goroutine, so it
	// always precedes any later broadcast for this subscriber.
	e, err := h.latest(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("snapshot lookup failed")
		return
	}
	if e == nil {
		return
	}
	frame, err := json.Marshal(map[string]any{"event": e})
	if err != nil {
		h.log.Error().Err(err).Msg("snapshot marshal failed")
		return
	}
	if !c.trySend(frame) {
		h.drop(c)
	}
}

func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.size.Store(int64(len(h.clients)))
	c.close()
	h.log.Debug().Int("clients", len(h.clients)).Msg("subscriber removed")
}

// drop is remove for subscribers that failed a send mid-iteration.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	h.size.Store(int64(len(h.clients)))
	c.close()
}

func (h *Hub) fanOut(payload []byte) {
	var slow []*Client
	for c := range h.clients {
		if !c.trySend(payload) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.drop(c)
	}
}

func (h *Hub) ping() {
	frame, err := json.Marshal(map[string]any{
		"type": "ping",
		"ts":   h.clock.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	h.fanOut(frame)
}

func (h *Hub) shutdown() {
	h.closeOnce.Do(func() { close(h.done) })
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.size.Store(0)
	h.log.Info().Msg("hub shut down")
}
