// Package ingest is the single write path: it accepts event batches from
// the feed connectors and the external poller, persists them with
// dedupe, signs what materialized, and fans the result out.
package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/canaria-project/canaria/internal/event"
	"github.com/canaria-project/canaria/internal/metrics"
	"github.com/canaria-project/canaria/internal/signer"
	"github.com/canaria-project/canaria/internal/storage"
)

// MaxParserErrors bounds the in-memory parser error ring.
const MaxParserErrors = 10

// Heartbeat is the external poller's liveness report. Held in memory
// only.
type Heartbeat struct {
	AuthorityReachable bool           `json:"authorityReachable"`
	LastParseTime      *string        `json:"lastParseTime,omitempty"`
	LastEventTime      *string        `json:"lastEventTime,omitempty"`
	DelayMs            *int64         `json:"delayMs,omitempty"`
	Error              *string        `json:"error,omitempty"`
	Stats              map[string]any `json:"stats,omitempty"`
}

// ParserError is one entry of the parser error ring, newest first.
type ParserError struct {
	Timestamp string `json:"timestamp"`
	Error     string `json:"error"`
}

// Broadcaster fans a frame out to all live subscribers.
type Broadcaster interface {
	Broadcast(v any)
}

// Uploader schedules a backup projection write.
type Uploader interface {
	Trigger()
}

// Publisher relays signed batches to downstream consumers. May be nil.
type Publisher interface {
	PublishSigned(data []byte) error
}

// Ingestor owns the pipeline and the poller-facing in-memory state.
type Ingestor struct {
	store   *storage.Store
	signer  *signer.Signer
	hub     Broadcaster
	backup  Uploader
	relay   Publisher
	metrics *metrics.Metrics
	clock   clockwork.Clock
	log     zerolog.Logger

	batches chan []event.Event

	// needsAuthoritySync starts armed; the first reachable heartbeat
	// consumes it, telling the poller to send full state once.
	needsAuthoritySync atomic.Bool

	mu           sync.RWMutex
	heartbeat    *Heartbeat
	heartbeatAt  time.Time
	parserErrors []ParserError
	lastStoredAt time.Time
}

func New(store *storage.Store, sig *signer.Signer, hub Broadcaster, backup Uploader, relay Publisher, m *metrics.Metrics, clock clockwork.Clock, log zerolog.Logger) *Ingestor {
	ing := &Ingestor{
		store:   store,
		signer:  sig,
		hub:     hub,
		backup:  backup,
		relay:   relay,
		metrics: m,
		clock:   clock,
		log:     log.With().Str("component", "ingest").Logger(),
		batches: make(chan []event.Event, 128),
	}
	ing.needsAuthoritySync.Store(true)
	return ing
}

// Enqueue hands a connector batch to the pipeline. Never blocks the
// connector; an overrun pipeline drops the batch and logs.
func (ing *Ingestor) Enqueue(batch []event.Event) {
	if len(batch) == 0 {
		return
	}
	select {
	case ing.batches <- batch:
	default:
		ing.log.Error().Int("events", len(batch)).Msg("pipeline full, batch dropped")
	}
}

// SubmitRequest is the poller's POST body.
type SubmitRequest struct {
	Heartbeat *Heartbeat    `json:"heartbeat,omitempty"`
	Events    []event.Event `json:"events,omitempty"`
}

// Submit stores the heartbeat snapshot, queues the events, and reports
// whether the poller should resync its full state. The sync indicator
// fires exactly once per process lifetime: the first heartbeat that
// reports the authority reachable consumes it atomically.
func (ing *Ingestor) Submit(req SubmitRequest) (syncRequested bool) {
	if req.Heartbeat != nil {
		ing.recordHeartbeat(req.Heartbeat)
		if req.Heartbeat.AuthorityReachable {
			syncRequested = ing.needsAuthoritySync.CompareAndSwap(true, false)
		}
	}
	ing.Enqueue(req.Events)
	return syncRequested
}

// RearmSync re-arms the one-shot sync indicator. Used after destructive
// admin actions so the poller repopulates cleared state.
func (ing *Ingestor) RearmSync() {
	ing.needsAuthoritySync.Store(true)
}

func (ing *Ingestor) recordHeartbeat(hb *Heartbeat) {
	now := ing.clock.Now()
	ing.mu.Lock()
	defer ing.mu.Unlock()
	cp := *hb
	ing.heartbeat = &cp
	ing.heartbeatAt = now
	if hb.Error != nil && *hb.Error != "" {
		ring := make([]ParserError, 0, MaxParserErrors)
		ring = append(ring, ParserError{
			Timestamp: event.FormatTime(now),
			Error:     *hb.Error,
		})
		ring = append(ring, ing.parserErrors...)
		if len(ring) > MaxParserErrors {
			ring = ring[:MaxParserErrors]
		}
		ing.parserErrors = ring
	}
}

// Run drains the pipeline until ctx is canceled.
func (ing *Ingestor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-ing.batches:
			ing.process(ctx, batch)
		}
	}
}

// process writes one batch through the store, then signs and fans out
// only the events that actually materialized. A storage failure skips
// the broadcast for this batch and nothing else.
func (ing *Ingestor) process(ctx context.Context, batch []event.Event) {
	now := ing.clock.Now()
	valid := batch[:0:0]
	for i := range batch {
		e := batch[i]
		if e.ReceiveTime == "" {
			e.ReceiveTime = event.FormatTime(now)
		}
		if err := e.Validate(); err != nil {
			ing.log.Warn().Err(err).Str("eventId", e.ID).Msg("invalid event dropped")
			continue
		}
		valid = append(valid, e)
	}
	if len(valid) == 0 {
		return
	}

	inserted, err := ing.store.InsertNew(ctx, valid)
	if err != nil {
		ing.log.Error().Err(err).Int("events", len(valid)).Msg("batch insert failed, broadcast skipped")
		return
	}
	if len(inserted) == 0 {
		return
	}

	ing.mu.Lock()
	ing.lastStoredAt = now
	ing.mu.Unlock()

	signedEvents := make([]signer.SignedEvent, 0, len(inserted))
	for i := range inserted {
		ing.metrics.EventStored(inserted[i].Source)
		se, err := ing.signer.Sign(inserted[i])
		if err != nil {
			ing.log.Error().Err(err).Str("eventId", inserted[i].ID).Msg("sign failed, event not broadcast")
			continue
		}
		signedEvents = append(signedEvents, se)
	}
	if len(signedEvents) == 0 {
		return
	}

	frame := map[string]any{"signedEvents": signedEvents}
	ing.hub.Broadcast(frame)
	if ing.relay != nil {
		if data, err := json.Marshal(frame); err == nil {
			if err := ing.relay.PublishSigned(data); err != nil {
				ing.log.Warn().Err(err).Msg("relay publish failed")
			}
		}
	}
	if ing.backup != nil {
		ing.backup.Trigger()
	}

	ing.log.Info().
		Int("inserted", len(inserted)).
		Int("batch", len(valid)).
		Msg("batch stored and broadcast")
}

// HeartbeatAge returns seconds since the last poller heartbeat, or -1
// before the first one. Wired into the Prometheus gauge and health.
func (ing *Ingestor) HeartbeatAge() float64 {
	ing.mu.RLock()
	defer ing.mu.RUnlock()
	if ing.heartbeatAt.IsZero() {
		return -1
	}
	return ing.clock.Now().Sub(ing.heartbeatAt).Seconds()
}

// Snapshot is the read model the admin views consume. Everything is a
// copy.
type Snapshot struct {
	Heartbeat    *Heartbeat
	HeartbeatAt  time.Time
	ParserErrors []ParserError
	LastStoredAt time.Time
}

func (ing *Ingestor) Snapshot() Snapshot {
	ing.mu.RLock()
	defer ing.mu.RUnlock()
	snap := Snapshot{
		HeartbeatAt:  ing.heartbeatAt,
		LastStoredAt: ing.lastStoredAt,
	}
	if ing.heartbeat != nil {
		cp := *ing.heartbeat
		snap.Heartbeat = &cp
	}
	snap.ParserErrors = append([]ParserError(nil), ing.parserErrors...)
	return snap
}
