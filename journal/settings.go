package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Settings is a durable key-value store for agent state that must
// survive restarts, such as the activation flag.
type Settings struct {
	db *sql.DB
}

func NewSettings(db *sql.DB) *Settings {
	return &Settings{db: db}
}

// Get returns the stored value, or fallback when the key is absent.
func (s *Settings) Get(ctx context.Context, key, fallback string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("journal: get setting %s: %w", key, err)
	}
	return v, nil
}

// Set stores or replaces the value for key.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	err := execRetry(ctx, s.db, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("journal: set setting %s: %w", key, err)
	}
	return nil
}

// GetBool reads a boolean setting.
func (s *Settings) GetBool(ctx context.Context, key string, fallback bool) (bool, error) {
	v, err := s.Get(ctx, key, strconv.FormatBool(fallback))
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, nil
	}
	return b, nil
}

// SetBool stores a boolean setting.
func (s *Settings) SetBool(ctx context.Context, key string, value bool) error {
	return s.Set(ctx, key, strconv.FormatBool(value))
}
