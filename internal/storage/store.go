// Package storage is the embedded SQLite repository behind every
// persistent concern: events, request logs, metric rollups, rate-limit
// counters, feed lifecycle logs, client-count history and configuration.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const busyTimeoutMs = 10000

// tableNames drives TableStats and keeps the dashboard in sync with the
// schema below.
var tableNames = []string{
	"events",
	"request_logs",
	"metrics_rollup",
	"rate_limits",
	"feed_events",
	"ws_client_history",
	"config",
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id       TEXT PRIMARY KEY,
	source         TEXT NOT NULL,
	receive_source TEXT NOT NULL DEFAULT '',
	type           TEXT NOT NULL DEFAULT '',
	report_type    TEXT,
	time           TEXT NOT NULL,
	issue_time     TEXT,
	receive_time   TEXT NOT NULL,
	latitude       REAL,
	longitude      REAL,
	magnitude      REAL,
	depth          REAL,
	intensity      REAL,
	region         TEXT,
	advisory       TEXT,
	revision       TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(time DESC);
CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);

CREATE TABLE IF NOT EXISTS request_logs (
	ts          TEXT NOT NULL,
	endpoint    TEXT NOT NULL,
	method      TEXT NOT NULL,
	status      INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	ip          TEXT NOT NULL DEFAULT '',
	user_agent  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_request_logs_ts ON request_logs(ts);

CREATE TABLE IF NOT EXISTS metrics_rollup (
	ts               TEXT NOT NULL,
	interval_seconds INTEGER NOT NULL,
	metric_name      TEXT NOT NULL,
	labels           TEXT NOT NULL,
	value            REAL NOT NULL,
	count            INTEGER NOT NULL,
	PRIMARY KEY (ts, interval_seconds, metric_name, labels)
);

CREATE TABLE IF NOT EXISTS rate_limits (
	key          TEXT PRIMARY KEY,
	count        INTEGER NOT NULL,
	window_start INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS feed_events (
	ts      TEXT NOT NULL,
	feed    TEXT NOT NULL,
	event   TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_feed_events_ts ON feed_events(ts);

CREATE TABLE IF NOT EXISTS ws_client_history (
	ts    TEXT PRIMARY KEY,
	count INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS config (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// migrations are additive column changes for databases created before the
// column existed in the schema. Running them against a fresh database is
// harmless.
var migrations = []string{
	`ALTER TABLE events ADD COLUMN advisory TEXT`,
	`ALTER TABLE events ADD COLUMN revision TEXT`,
}

// Store owns the database handle. SQLite gets a single connection so all
// writers serialize at this boundary.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log.With().Str("component", "storage").Logger()}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTransaction runs fn inside a transaction, committing on nil and
// rolling back otherwise.
func (s *Store) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error().Err(rbErr).Msg("transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// TableStats returns the current row count of every table.
func (s *Store) TableStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, len(tableNames))
	for _, name := range tableNames {
		var n int64
		// name comes from the fixed list above, never from input.
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+name).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		stats[name] = n
	}
	return stats, nil
}

// Vacuum reclaims space after large deletes.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
