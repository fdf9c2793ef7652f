package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/canaria-project/canaria/internal/event"
)

// GetConfigValue reads one config row. The second return reports whether
// the key exists.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, true, nil
}

// SetConfigValue upserts one config row and bumps updated_at.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, event.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}
