package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/canaria-project/canaria/internal/event"
)

// RequestLog is one completed HTTP request.
type RequestLog struct {
	TS         time.Time
	Endpoint   string
	Method     string
	Status     int
	DurationMs int64
	IP         string
	UserAgent  string
}

// RollupRow is one aggregated metric bucket.
type RollupRow struct {
	TS              time.Time
	IntervalSeconds int
	MetricName      string
	Labels          string
	Value           float64
	Count           int64
}

// EndpointStatusCount is a request count grouped by endpoint and status.
type EndpointStatusCount struct {
	Endpoint string
	Status   int
	Count    int64
}

// EndpointDuration is the average request duration per endpoint.
type EndpointDuration struct {
	Endpoint string
	AvgMs    float64
	Count    int64
}

// InsertRequestLog appends one request log row.
func (s *Store) InsertRequestLog(ctx context.Context, rl RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (ts, endpoint, method, status, duration_ms, ip, user_agent)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.FormatTime(rl.TS), rl.Endpoint, rl.Method, rl.Status, rl.DurationMs, rl.IP, rl.UserAgent)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// RequestCountsByEndpointStatus aggregates request counts over [from, to).
func (s *Store) RequestCountsByEndpointStatus(ctx context.Context, from, to time.Time) ([]EndpointStatusCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, status, COUNT(*) FROM request_logs
		 WHERE ts >= ? AND ts < ? GROUP BY endpoint, status`,
		event.FormatTime(from), event.FormatTime(to))
	if err != nil {
		return nil, fmt.Errorf("aggregate request counts: %w", err)
	}
	defer rows.Close()

	var out []EndpointStatusCount
	for rows.Next() {
		var c EndpointStatusCount
		if err := rows.Scan(&c.Endpoint, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan request count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RequestDurationsByEndpoint aggregates average durations over [from, to).
func (s *Store) RequestDurationsByEndpoint(ctx context.Context, from, to time.Time) ([]EndpointDuration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, AVG(duration_ms), COUNT(*) FROM request_logs
		 WHERE ts >= ? AND ts < ? GROUP BY endpoint`,
		event.FormatTime(from), event.FormatTime(to))
	if err != nil {
		return nil, fmt.Errorf("aggregate request durations: %w", err)
	}
	defer rows.Close()

	var out []EndpointDuration
	for rows.Next() {
		var d EndpointDuration
		if err := rows.Scan(&d.Endpoint, &d.AvgMs, &d.Count); err != nil {
			return nil, fmt.Errorf("scan request duration: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DurationsSince returns raw request durations since the given time,
// sorted ascending for percentile math.
func (s *Store) DurationsSince(ctx context.Context, since time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT duration_ms FROM request_logs WHERE ts >= ? ORDER BY duration_ms ASC`,
		event.FormatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountRequestsSince returns the number of request log rows since t.
func (s *Store) CountRequestsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs WHERE ts >= ?`, event.FormatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return n, nil
}

// CountRequestsWithStatus returns how many logged requests finished with
// the given status.
func (s *Store) CountRequestsWithStatus(ctx context.Context, status int) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count requests by status: %w", err)
	}
	return n, nil
}

// DeleteRequestLogsBefore removes request logs older than cutoff.
func (s *Store) DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE ts < ?`, event.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}
	return res.RowsAffected()
}

// UpsertRollup writes one rollup bucket, replacing any existing row with
// the same (ts, interval, name, labels) key.
func (s *Store) UpsertRollup(ctx context.Context, r RollupRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO metrics_rollup (ts, interval_seconds, metric_name, labels, value, count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.FormatTime(r.TS), r.IntervalSeconds, r.MetricName, r.Labels, r.Value, r.Count)
	if err != nil {
		return fmt.Errorf("upsert rollup: %w", err)
	}
	return nil
}

// RollupsSince returns rollup rows with ts >= since, oldest first.
func (s *Store) RollupsSince(ctx context.Context, since time.Time) ([]RollupRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, interval_seconds, metric_name, labels, value, count
		 FROM metrics_rollup WHERE ts >= ? ORDER BY ts ASC`,
		event.FormatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}
	defer rows.Close()

	var out []RollupRow
	for rows.Next() {
		var r RollupRow
		var ts string
		if err := rows.Scan(&ts, &r.IntervalSeconds, &r.MetricName, &r.Labels, &r.Value, &r.Count); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		t, err := time.Parse(event.TimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse rollup ts: %w", err)
		}
		r.TS = t
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastRollupTime returns the newest rollup bucket timestamp for the given
// interval, or the zero time when none exist.
func (s *Store) LastRollupTime(ctx context.Context, intervalSeconds int) (time.Time, error) {
	var ts *string
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM metrics_rollup WHERE interval_seconds = ?`, intervalSeconds).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("query last rollup: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	t, err := time.Parse(event.TimeLayout, *ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last rollup ts: %w", err)
	}
	return t, nil
}

// DeleteRollupsBefore removes rollup buckets older than cutoff.
func (s *Store) DeleteRollupsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM metrics_rollup WHERE ts < ?`, event.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete rollups: %w", err)
	}
	return res.RowsAffected()
}
