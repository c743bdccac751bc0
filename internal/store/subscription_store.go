package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "keymint/internal/errors"
)

// Subscription links a license to a recurring payment on the provider side
type Subscription struct {
	ID            int64
	LicenseID     int64
	ExternalID    string
	Provider      string
	Status        string
	AutoRenew     bool
	LastPaymentAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateSubscription links a provider subscription to a license
func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	now := time.Now().UTC()
	status := sub.Status
	if status == "" {
		status = "active"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (license_id, external_id, provider, status,
			auto_renew, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.LicenseID, sub.ExternalID, sub.Provider, status,
		sub.AutoRenew, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("subscription insert id: %w", err)
	}
	return s.getSubscription(ctx, `id = ?`, id)
}

// GetSubscriptionByExternalID fetches a subscription by its provider-side id
func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	return s.getSubscription(ctx, `external_id = ?`, externalID)
}

// GetSubscriptionByLicenseID fetches the subscription linked to a license
func (s *Store) GetSubscriptionByLicenseID(ctx context.Context, licenseID int64) (*Subscription, error) {
	return s.getSubscription(ctx, `license_id = ?`, licenseID)
}

func (s *Store) getSubscription(ctx context.Context, where string, arg any) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, license_id, external_id, provider, status, auto_renew,
			last_payment_at, created_at, updated_at
		FROM subscriptions WHERE `+where, arg)

	var (
		sub           Subscription
		lastPaymentAt sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(&sub.ID, &sub.LicenseID, &sub.ExternalID, &sub.Provider,
		&sub.Status, &sub.AutoRenew, &lastPaymentAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if lastPaymentAt.Valid {
		t := time.Unix(lastPaymentAt.Int64, 0).UTC()
		sub.LastPaymentAt = &t
	}
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

// UpdateSubscriptionStatus records a lifecycle change reported by the provider
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, externalID, status string, autoRenew bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = ?, auto_renew = ?, updated_at = ?
		WHERE external_id = ?`,
		status, autoRenew, time.Now().UTC().Unix(), externalID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrSubscriptionNotFound
	}
	return nil
}

// RecordSubscriptionPayment stamps the last successful payment time
func (s *Store) RecordSubscriptionPayment(ctx context.Context, externalID string, paidAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET last_payment_at = ?, status = 'active', updated_at = ?
		WHERE external_id = ?`,
		paidAt.UTC().Unix(), time.Now().UTC().Unix(), externalID)
	if err != nil {
		return fmt.Errorf("record subscription payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrSubscriptionNotFound
	}
	return nil
}
