package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RateLimitRow is one fixed-window counter. Key is "<ip>:<endpoint>";
// WindowStart is aligned unix seconds.
type RateLimitRow struct {
	Key         string
	Count       int
	WindowStart int64
}

// IPCount aggregates request counts for one client IP.
type IPCount struct {
	IP    string
	Count int64
}

// GetRateLimit returns the counter row for key, or nil when absent.
func (s *Store) GetRateLimit(ctx context.Context, key string) (*RateLimitRow, error) {
	var r RateLimitRow
	err := s.db.QueryRowContext(ctx,
		`SELECT key, count, window_start FROM rate_limits WHERE key = ?`, key).
		Scan(&r.Key, &r.Count, &r.WindowStart)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit: %w", err)
	}
	return &r, nil
}

// UpsertRateLimit writes the counter row for its key.
func (s *Store) UpsertRateLimit(ctx context.Context, r RateLimitRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rate_limits (key, count, window_start) VALUES (?, ?, ?)`,
		r.Key, r.Count, r.WindowStart)
	if err != nil {
		return fmt.Errorf("upsert rate limit: %w", err)
	}
	return nil
}

// DeleteRateLimitsForIP removes counters for one IP, optionally narrowed
// to a single endpoint.
func (s *Store) DeleteRateLimitsForIP(ctx context.Context, ip, endpoint string) (int64, error) {
	var res sql.Result
	var err error
	if endpoint == "" {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM rate_limits WHERE key LIKE ? ESCAPE '\'`, escapeLike(ip)+":%")
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM rate_limits WHERE key = ?`, ip+":"+endpoint)
	}
	if err != nil {
		return 0, fmt.Errorf("delete rate limits: %w", err)
	}
	return res.RowsAffected()
}

// DeleteRateLimitsBefore removes counters whose window started before the
// given unix-seconds cutoff.
func (s *Store) DeleteRateLimitsBefore(ctx context.Context, windowStartBefore int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE window_start < ?`, windowStartBefore)
	if err != nil {
		return 0, fmt.Errorf("delete stale rate limits: %w", err)
	}
	return res.RowsAffected()
}

// TopRateLimitIPs aggregates counter totals by the IP prefix of the key,
// highest first.
func (s *Store) TopRateLimitIPs(ctx context.Context, n int) ([]IPCount, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT substr(key, 1, instr(key, ':') - 1) AS ip, SUM(count) AS total
		 FROM rate_limits WHERE instr(key, ':') > 0
		 GROUP BY ip ORDER BY total DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("top rate limit ips: %w", err)
	}
	defer rows.Close()

	var out []IPCount
	for rows.Next() {
		var c IPCount
		if err := rows.Scan(&c.IP, &c.Count); err != nil {
			return nil, fmt.Errorf("scan ip count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
