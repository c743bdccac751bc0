package store

import (
	"context"
	"fmt"
	"time"
)

// IsEventProcessed reports whether a provider event id holds a replay marker
func (s *Store) IsEventProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE provider = ? AND event_id = ?`,
		provider, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup webhook marker: %w", err)
	}
	return n > 0, nil
}

// ClaimEvent atomically claims a provider event id for processing. The
// marker insert itself is the replay gate: exactly one of two concurrent
// deliveries gets true, the other sees the conflict and backs off.
func (s *Store) ClaimEvent(ctx context.Context, provider, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(provider, event_id) DO NOTHING`,
		provider, eventID, time.Now().UTC().Unix())
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim event rows: %w", err)
	}
	return n > 0, nil
}

// ReleaseEvent drops the claim on a failed event so the provider's
// redelivery can run it again.
func (s *Store) ReleaseEvent(ctx context.Context, provider, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE provider = ? AND event_id = ?`,
		provider, eventID)
	if err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	return nil
}

// DeleteExpiredMarkers drops replay markers processed before cutoff
func (s *Store) DeleteExpiredMarkers(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE processed_at < ?`,
		cutoff.UTC().Unix())
	if err != nil {
		return fmt.Errorf("delete expired markers: %w", err)
	}
	return nil
}
