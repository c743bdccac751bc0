package store

import (
	"context"
	"fmt"
	"time"
)

// AuditEvent is one persisted audit-trail record. Details is sanitized JSON;
// sensitive fields are hashed or masked before they reach the store.
type AuditEvent struct {
	ID        int64
	Category  string
	EventType string
	Severity  string
	Details   string
	CreatedAt time.Time
}

// InsertAuditEvent appends a record to the audit trail
func (s *Store) InsertAuditEvent(ctx context.Context, category, eventType, severity, detailsJSON string) error {
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (category, event_type, severity, details, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		category, eventType, severity, detailsJSON, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns recent audit records for a category, newest first
func (s *Store) ListAuditEvents(ctx context.Context, category string, limit int) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, event_type, severity, details, created_at
		FROM audit_events
		WHERE category = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, category, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var (
			ev        AuditEvent
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.Category, &ev.EventType, &ev.Severity,
			&ev.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &ev)
	}
	return out, rows.Err()
}
