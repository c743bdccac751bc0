package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// SetSetting upserts one configuration value by dotted key
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetSettingString reads a setting, returning fallback when the key is absent
func (s *Store) GetSettingString(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// GetSettingBool reads a boolean setting. Unparsable values fall back rather
// than flipping a feature unexpectedly.
func (s *Store) GetSettingBool(ctx context.Context, key string, fallback bool) (bool, error) {
	raw, err := s.GetSettingString(ctx, key, strconv.FormatBool(fallback))
	if err != nil {
		return fallback, err
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, nil
	}
	return parsed, nil
}
