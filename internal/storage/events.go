package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/canaria-project/canaria/internal/event"
)

const eventColumns = `event_id, source, receive_source, type, report_type,
	time, issue_time, receive_time, latitude, longitude, magnitude, depth,
	intensity, region, advisory, revision`

const insertEventSQL = `INSERT OR IGNORE INTO events (` + eventColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Insert writes a batch in one transaction, skipping rows whose event_id
// already exists. The returned count is the number of rows that actually
// materialized. Batch order is preserved.
func (s *Store) Insert(ctx context.Context, events []event.Event) (int, error) {
	inserted, err := s.InsertNew(ctx, events)
	if err != nil {
		return 0, err
	}
	return len(inserted), nil
}

// InsertNew is Insert returning the events that actually materialized, in
// batch order. Callers that fan events out use it to skip duplicates.
func (s *Store) InsertNew(ctx context.Context, events []event.Event) ([]event.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	var inserted []event.Event
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertEventSQL)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for i := range events {
			e := &events[i]
			res, err := stmt.ExecContext(ctx,
				e.ID, e.Source, e.ReceiveSource, e.Type, nullString(e.ReportType),
				e.Time, nullString(e.IssueTime), e.ReceiveTime,
				nullFloat(e.Latitude), nullFloat(e.Longitude), nullFloat(e.Magnitude),
				nullFloat(e.Depth), nullFloat(e.Intensity),
				nullString(e.Region), nullString(e.Advisory), nullString(e.Revision),
			)
			if err != nil {
				return fmt.Errorf("insert event %s: %w", e.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n > 0 {
				inserted = append(inserted, *e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// ListQuery filters List. Zero values mean "no filter". Limit defaults to
// 20 and caps at 1000.
type ListQuery struct {
	Since  time.Time
	Until  time.Time
	Source string
	Type   string
	Limit  int
}

// List returns events ordered strictly by origin time, newest first.
func (s *Store) List(ctx context.Context, q ListQuery) ([]event.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 1000 {
		limit = 1000
	}

	query := "SELECT " + eventColumns + " FROM events"
	var conds []string
	var args []any
	if !q.Since.IsZero() {
		conds = append(conds, "time >= ?")
		args = append(args, event.FormatTime(q.Since))
	}
	if !q.Until.IsZero() {
		conds = append(conds, "time <= ?")
		args = append(args, event.FormatTime(q.Until))
	}
	if q.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, q.Source)
	}
	if q.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, q.Type)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY time DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Latest returns the event with the greatest origin time, or nil.
func (s *Store) Latest(ctx context.Context) (*event.Event, error) {
	return s.oneEvent(ctx, "SELECT "+eventColumns+" FROM events ORDER BY time DESC LIMIT 1")
}

// Oldest returns the event with the smallest origin time, or nil.
func (s *Store) Oldest(ctx context.Context) (*event.Event, error) {
	return s.oneEvent(ctx, "SELECT "+eventColumns+" FROM events ORDER BY time ASC LIMIT 1")
}

func (s *Store) oneEvent(ctx context.Context, query string) (*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Count returns the total number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// CountBySource returns per-authority event counts.
func (s *Store) CountBySource(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT source, COUNT(*) FROM events GROUP BY source")
	if err != nil {
		return nil, fmt.Errorf("count by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var source string
		var n int64
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("scan source count: %w", err)
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

// DeleteEventsBefore removes events with origin time before cutoff.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE time < ?", event.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (event.Event, error) {
	var e event.Event
	var reportType, issueTime, region, advisory, revision sql.NullString
	var lat, lon, mag, depth, intensity sql.NullFloat64
	err := r.Scan(
		&e.ID, &e.Source, &e.ReceiveSource, &e.Type, &reportType,
		&e.Time, &issueTime, &e.ReceiveTime, &lat, &lon, &mag, &depth,
		&intensity, &region, &advisory, &revision,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan event: %w", err)
	}
	e.ReportType = fromNullString(reportType)
	e.IssueTime = fromNullString(issueTime)
	e.Latitude = fromNullFloat(lat)
	e.Longitude = fromNullFloat(lon)
	e.Magnitude = fromNullFloat(mag)
	e.Depth = fromNullFloat(depth)
	e.Intensity = fromNullFloat(intensity)
	e.Region = fromNullString(region)
	e.Advisory = fromNullString(advisory)
	e.Revision = fromNullString(revision)
	return e, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func fromNullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
