package store

import (
	"context"
	"fmt"
	"time"
)

// IncrementWindow bumps the request counter for one (subject, endpoint,
// window) cell and returns the count after the increment. The upsert is a
// single statement, so concurrent requests over the same cell never lose an
// increment.
func (s *Store) IncrementWindow(ctx context.Context, subject, endpoint string, windowStart time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_windows (subject, endpoint, window_start, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(subject, endpoint, window_start)
			DO UPDATE SET count = count + 1
		RETURNING count`,
		subject, endpoint, windowStart.UTC().Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment rate window: %w", err)
	}
	return count, nil
}

// DeleteExpiredWindows drops windows that started before cutoff
func (s *Store) DeleteExpiredWindows(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_windows WHERE window_start < ?`,
		cutoff.UTC().Unix())
	if err != nil {
		return fmt.Errorf("delete expired windows: %w", err)
	}
	return nil
}
