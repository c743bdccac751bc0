package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "keymint/internal/errors"
)

// Activation is one machine bound to a license. The fingerprint and machine
// hashes are salted digests; raw identifiers are never stored.
type Activation struct {
	ID              int64
	LicenseID       int64
	FingerprintHash string
	MachineHash     string
	Active          bool
	Revoked         bool
	RevokedReason   string
	IPAddress       string
	ActivatedAt     time.Time
	DeactivatedAt   *time.Time
	RevokedAt       *time.Time
}

// ActivationResult reports the outcome of an activation attempt
type ActivationResult struct {
	// AlreadyActive is true when the same machine tuple was already bound,
	// in which case no new slot was consumed.
	AlreadyActive bool
	// ActiveCount is the number of active machines after the operation.
	ActiveCount int
}

// ActivateMachine binds a machine to a license, enforcing the activation
// ceiling. The count check and the insert run in one transaction so two
// concurrent activations cannot both claim the last slot. Re-activating an
// already-bound machine succeeds without consuming a slot.
func (s *Store) ActivateMachine(ctx context.Context, licenseID int64, fingerprintHash, machineHash, ipAddress string) (*ActivationResult, error) {
	var result ActivationResult

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var maxActivations int
		err := tx.QueryRowContext(ctx,
			`SELECT max_activations FROM licenses WHERE id = ?`, licenseID).
			Scan(&maxActivations)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.ErrLicenseNotFound
		}
		if err != nil {
			return fmt.Errorf("read license: %w", err)
		}

		var existing int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM activations
			WHERE license_id = ? AND fingerprint_hash = ? AND machine_hash = ?
				AND active = 1 AND revoked = 0
			LIMIT 1`,
			licenseID, fingerprintHash, machineHash).Scan(&existing)
		if err == nil {
			result.AlreadyActive = true
			return tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM activations
				WHERE license_id = ? AND active = 1 AND revoked = 0`,
				licenseID).Scan(&result.ActiveCount)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup activation: %w", err)
		}

		var activeCount int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM activations
			WHERE license_id = ? AND active = 1 AND revoked = 0`,
			licenseID).Scan(&activeCount)
		if err != nil {
			return fmt.Errorf("count activations: %w", err)
		}
		if activeCount >= maxActivations {
			return apperrors.ErrActivationLimitExceeded
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO activations (license_id, fingerprint_hash, machine_hash,
				active, ip_address, activated_at)
			VALUES (?, ?, ?, 1, ?, ?)`,
			licenseID, fingerprintHash, machineHash, ipAddress,
			time.Now().UTC().Unix())
		if err != nil {
			return fmt.Errorf("insert activation: %w", err)
		}
		result.ActiveCount = activeCount + 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DeactivateMachine releases the binding for one machine tuple, freeing its
// slot. Returns ErrActivationNotFound when no matching active binding exists.
func (s *Store) DeactivateMachine(ctx context.Context, licenseID int64, fingerprintHash, machineHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE activations
		SET active = 0, deactivated_at = ?
		WHERE license_id = ? AND fingerprint_hash = ? AND machine_hash = ?
			AND active = 1 AND revoked = 0`,
		time.Now().UTC().Unix(), licenseID, fingerprintHash, machineHash)
	if err != nil {
		return fmt.Errorf("deactivate machine: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrActivationNotFound
	}
	return nil
}

// HasActiveActivation reports whether the machine tuple is currently bound
func (s *Store) HasActiveActivation(ctx context.Context, licenseID int64, fingerprintHash, machineHash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activations
		WHERE license_id = ? AND fingerprint_hash = ? AND machine_hash = ?
			AND active = 1 AND revoked = 0`,
		licenseID, fingerprintHash, machineHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup activation: %w", err)
	}
	return n > 0, nil
}

// CountActiveActivations returns the number of active machines on a license
func (s *Store) CountActiveActivations(ctx context.Context, licenseID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activations
		WHERE license_id = ? AND active = 1 AND revoked = 0`,
		licenseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count activations: %w", err)
	}
	return n, nil
}

// ListActivations returns the most recent activation records for a license,
// newest first.
func (s *Store) ListActivations(ctx context.Context, licenseID int64, limit int) ([]*Activation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, license_id, fingerprint_hash, machine_hash, active, revoked,
			revoked_reason, ip_address, activated_at, deactivated_at, revoked_at
		FROM activations
		WHERE license_id = ?
		ORDER BY activated_at DESC, id DESC
		LIMIT ?`, licenseID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	var out []*Activation
	for rows.Next() {
		var (
			a             Activation
			activatedAt   int64
			deactivatedAt sql.NullInt64
			revokedAt     sql.NullInt64
		)
		err := rows.Scan(&a.ID, &a.LicenseID, &a.FingerprintHash, &a.MachineHash,
			&a.Active, &a.Revoked, &a.RevokedReason, &a.IPAddress,
			&activatedAt, &deactivatedAt, &revokedAt)
		if err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		a.ActivatedAt = time.Unix(activatedAt, 0).UTC()
		if deactivatedAt.Valid {
			t := time.Unix(deactivatedAt.Int64, 0).UTC()
			a.DeactivatedAt = &t
		}
		if revokedAt.Valid {
			t := time.Unix(revokedAt.Int64, 0).UTC()
			a.RevokedAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
