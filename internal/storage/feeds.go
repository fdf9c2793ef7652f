package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/canaria-project/canaria/internal/event"
)

// FeedEvent is one connector lifecycle transition.
type FeedEvent struct {
	TS      time.Time
	Feed    string
	Event   string
	Details string
}

// ClientCount is one minute-bucket sample of connected subscribers.
type ClientCount struct {
	TS    time.Time
	Count int
}

// InsertFeedEvent appends one feed lifecycle row.
func (s *Store) InsertFeedEvent(ctx context.Context, fe FeedEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_events (ts, feed, event, details) VALUES (?, ?, ?, ?)`,
		event.FormatTime(fe.TS), fe.Feed, fe.Event, fe.Details)
	if err != nil {
		return fmt.Errorf("insert feed event: %w", err)
	}
	return nil
}

// FeedEventsSince returns feed lifecycle rows since t, newest first.
func (s *Store) FeedEventsSince(ctx context.Context, since time.Time, limit int) ([]FeedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, feed, event, details FROM feed_events
		 WHERE ts >= ? ORDER BY ts DESC LIMIT ?`,
		event.FormatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query feed events: %w", err)
	}
	defer rows.Close()

	var out []FeedEvent
	for rows.Next() {
		var fe FeedEvent
		var ts string
		if err := rows.Scan(&ts, &fe.Feed, &fe.Event, &fe.Details); err != nil {
			return nil, fmt.Errorf("scan feed event: %w", err)
		}
		t, err := time.Parse(event.TimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse feed event ts: %w", err)
		}
		fe.TS = t
		out = append(out, fe)
	}
	return out, rows.Err()
}

// DeleteFeedEventsBefore removes feed lifecycle rows older than cutoff.
func (s *Store) DeleteFeedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM feed_events WHERE ts < ?`, event.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete feed events: %w", err)
	}
	return res.RowsAffected()
}

// UpsertClientCount records the subscriber count for ts's minute bucket,
// replacing any earlier sample for the same minute.
func (s *Store) UpsertClientCount(ctx context.Context, ts time.Time, count int) error {
	minute := ts.UTC().Truncate(time.Minute)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO ws_client_history (ts, count) VALUES (?, ?)`,
		event.FormatTime(minute), count)
	if err != nil {
		return fmt.Errorf("upsert client count: %w", err)
	}
	return nil
}

// ClientCountsSince returns minute-bucket samples since t, oldest first.
func (s *Store) ClientCountsSince(ctx context.Context, since time.Time) ([]ClientCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, count FROM ws_client_history WHERE ts >= ? ORDER BY ts ASC`,
		event.FormatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query client counts: %w", err)
	}
	defer rows.Close()

	var out []ClientCount
	for rows.Next() {
		var c ClientCount
		var ts string
		if err := rows.Scan(&ts, &c.Count); err != nil {
			return nil, fmt.Errorf("scan client count: %w", err)
		}
		t, err := time.Parse(event.TimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse client count ts: %w", err)
		}
		c.TS = t
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteClientCountsBefore removes samples older than cutoff.
func (s *Store) DeleteClientCountsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ws_client_history WHERE ts < ?`, event.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete client counts: %w", err)
	}
	return res.RowsAffected()
}
