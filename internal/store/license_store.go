package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "keymint/internal/errors"
)

// License is a stored license row. ActivationCount is derived at read time
// from the activations table, never stored.
type License struct {
	ID              int64
	Key             string
	Status          string
	CustomerEmail   string
	ProductRef      string
	OrderRef        string
	MaxActivations  int
	ActivationCount int
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const licenseColumns = `l.id, l.license_key, l.status, l.customer_email, l.product_ref,
	l.order_ref, l.max_activations, l.expires_at, l.created_at, l.updated_at,
	(SELECT COUNT(*) FROM activations a
		WHERE a.license_id = l.id AND a.active = 1 AND a.revoked = 0)`

func scanLicense(row interface{ Scan(...any) error }) (*License, error) {
	var (
		lic       License
		expiresAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&lic.ID, &lic.Key, &lic.Status, &lic.CustomerEmail,
		&lic.ProductRef, &lic.OrderRef, &lic.MaxActivations, &expiresAt,
		&createdAt, &updatedAt, &lic.ActivationCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrLicenseNotFound
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		lic.ExpiresAt = &t
	}
	lic.CreatedAt = time.Unix(createdAt, 0).UTC()
	lic.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &lic, nil
}

// CreateLicense inserts a new license and returns it with its assigned id
func (s *Store) CreateLicense(ctx context.Context, lic *License) (*License, error) {
	now := time.Now().UTC()
	var expiresAt *int64
	if lic.ExpiresAt != nil {
		v := lic.ExpiresAt.Unix()
		expiresAt = &v
	}
	status := lic.Status
	if status == "" {
		status = "active"
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO licenses (license_key, status, customer_email, product_ref,
			order_ref, max_activations, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lic.Key, status, lic.CustomerEmail, lic.ProductRef, lic.OrderRef,
		lic.MaxActivations, expiresAt, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert license: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("license insert id: %w", err)
	}
	return s.GetLicenseByID(ctx, id)
}

// CreateLicenseWithSubscription inserts a license and its linked provider
// subscription in one transaction. A failure on either insert rolls back
// both, so no license ever exists with a half-linked subscription.
func (s *Store) CreateLicenseWithSubscription(ctx context.Context, lic *License, sub *Subscription) (*License, error) {
	now := time.Now().UTC()
	var expiresAt *int64
	if lic.ExpiresAt != nil {
		v := lic.ExpiresAt.Unix()
		expiresAt = &v
	}
	status := lic.Status
	if status == "" {
		status = "active"
	}
	subStatus := sub.Status
	if subStatus == "" {
		subStatus = "active"
	}

	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO licenses (license_key, status, customer_email, product_ref,
				order_ref, max_activations, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			lic.Key, status, lic.CustomerEmail, lic.ProductRef, lic.OrderRef,
			lic.MaxActivations, expiresAt, now.Unix(), now.Unix())
		if err != nil {
			return fmt.Errorf("insert license: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("license insert id: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO subscriptions (license_id, external_id, provider, status,
				auto_renew, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, sub.ExternalID, sub.Provider, subStatus, sub.AutoRenew,
			now.Unix(), now.Unix())
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetLicenseByID(ctx, id)
}

// GetLicenseByID fetches a license by primary key
func (s *Store) GetLicenseByID(ctx context.Context, id int64) (*License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses l WHERE l.id = ?`, id)
	return scanLicense(row)
}

// GetLicenseByKey fetches a license by its normalized key
func (s *Store) GetLicenseByKey(ctx context.Context, key string) (*License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses l WHERE l.license_key = ?`, key)
	return scanLicense(row)
}

// GetLicenseByOrderRef fetches the license created for a payment order
func (s *Store) GetLicenseByOrderRef(ctx context.Context, orderRef string) (*License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses l WHERE l.order_ref = ?
		 ORDER BY l.id DESC LIMIT 1`, orderRef)
	return scanLicense(row)
}

// GetLicenseByCustomerEmail fetches the most recent license for an email
func (s *Store) GetLicenseByCustomerEmail(ctx context.Context, email string) (*License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses l WHERE l.customer_email = ?
		 ORDER BY l.id DESC LIMIT 1`, email)
	return scanLicense(row)
}

// GetLicenseBySubscriptionExternalID resolves a license through its linked
// subscription's provider-side id.
func (s *Store) GetLicenseBySubscriptionExternalID(ctx context.Context, externalID string) (*License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses l
		 JOIN subscriptions sub ON sub.license_id = l.id
		 WHERE sub.external_id = ?`, externalID)
	return scanLicense(row)
}

// UpdateLicenseStatus writes a new lifecycle status for the license
func (s *Store) UpdateLicenseStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("update license status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrLicenseNotFound
	}
	return nil
}

// ExtendLicense moves the expiry forward. Extension is anchored on the
// current expiry when the license is still valid and on now when it has
// already lapsed, so a renewal after a gap does not grant back-dated time.
func (s *Store) ExtendLicense(ctx context.Context, id int64, d time.Duration) (*License, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var expiresAt sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT expires_at FROM licenses WHERE id = ?`, id).Scan(&expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.ErrLicenseNotFound
		}
		if err != nil {
			return fmt.Errorf("read license expiry: %w", err)
		}

		now := time.Now().UTC()
		anchor := now
		if expiresAt.Valid {
			current := time.Unix(expiresAt.Int64, 0).UTC()
			if current.After(now) {
				anchor = current
			}
		}
		newExpiry := anchor.Add(d).Unix()

		_, err = tx.ExecContext(ctx,
			`UPDATE licenses SET expires_at = ?, updated_at = ? WHERE id = ?`,
			newExpiry, now.Unix(), id)
		if err != nil {
			return fmt.Errorf("update license expiry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetLicenseByID(ctx, id)
}

// RevokeLicense marks the license revoked and cascades to every active
// activation and the linked subscription in one transaction.
func (s *Store) RevokeLicense(ctx context.Context, id int64, reason string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Unix()

		res, err := tx.ExecContext(ctx,
			`UPDATE licenses SET status = 'revoked', updated_at = ? WHERE id = ?`,
			now, id)
		if err != nil {
			return fmt.Errorf("revoke license: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.ErrLicenseNotFound
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE activations
			SET active = 0, revoked = 1, revoked_reason = ?, revoked_at = ?
			WHERE license_id = ? AND active = 1`,
			reason, now, id)
		if err != nil {
			return fmt.Errorf("revoke activations: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE subscriptions SET status = 'canceled', auto_renew = 0, updated_at = ?
			WHERE license_id = ?`, now, id)
		if err != nil {
			return fmt.Errorf("cancel subscription: %w", err)
		}
		return nil
	})
}
