package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/security"
	"keymint/internal/store"
)

// Manager owns every lifecycle transition. Handlers and webhook processors
// never write license state directly; they go through here so the transition
// rules live in one place.
type Manager struct {
	store  *store.Store
	hasher *security.Hasher
	logger *slog.Logger
}

// NewManager creates a license manager
func NewManager(st *store.Store, hasher *security.Hasher, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		hasher: hasher,
		logger: infrastructure.WithComponent(logger, "license"),
	}
}

// EffectiveStatus derives the status a caller observes. A stored 'active'
// license past its expiry reads as expired without any write.
func EffectiveStatus(lic *store.License, now time.Time) string {
	if lic.Status == StatusActive && lic.ExpiresAt != nil && !lic.ExpiresAt.After(now) {
		return StatusExpired
	}
	return lic.Status
}

// lookup fetches a license after checking the key format, so malformed input
// never reaches the database.
func (m *Manager) lookup(ctx context.Context, key string) (*store.License, error) {
	if !security.IsValidLicenseKeyFormat(key) {
		return nil, apperrors.ErrInvalidLicenseFormat
	}
	return m.store.GetLicenseByKey(ctx, security.NormalizeLicenseKey(key))
}

// checkUsable returns the error matching a non-usable effective status
func checkUsable(lic *store.License, now time.Time) error {
	switch EffectiveStatus(lic, now) {
	case StatusActive:
		return nil
	case StatusExpired:
		return apperrors.ErrLicenseExpired
	case StatusSuspended:
		return apperrors.ErrLicenseSuspended
	case StatusRevoked:
		return apperrors.ErrLicenseRevoked
	default:
		return fmt.Errorf("unknown license status %q", lic.Status)
	}
}

// Validate checks that a key identifies a currently usable license. When a
// machine fingerprint is supplied the machine must also hold an active
// activation on the license; an unbound machine gets ErrActivationNotFound
// even though the license itself is fine.
func (m *Manager) Validate(ctx context.Context, key, fingerprint, machineID string) (*store.License, error) {
	lic, err := m.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := checkUsable(lic, time.Now().UTC()); err != nil {
		return lic, err
	}

	if fingerprint != "" || machineID != "" {
		bound, err := m.store.HasActiveActivation(ctx, lic.ID,
			m.hasher.HashMachineData(fingerprint),
			m.hasher.HashMachineData(machineID))
		if err != nil {
			return lic, err
		}
		if !bound {
			m.logger.WarnContext(ctx, "validation for unbound machine",
				slog.String("license_key", security.MaskLicenseKey(key)))
			return lic, apperrors.ErrActivationNotFound
		}
	}
	return lic, nil
}

// Activate binds a machine to a usable license. Raw machine identifiers are
// hashed before touching storage; re-activating a bound machine is a no-op
// success.
func (m *Manager) Activate(ctx context.Context, key, fingerprint, machineID, ipAddress string) (*store.License, *store.ActivationResult, error) {
	lic, err := m.Validate(ctx, key, "", "")
	if err != nil {
		return lic, nil, err
	}

	res, err := m.store.ActivateMachine(ctx, lic.ID,
		m.hasher.HashMachineData(fingerprint),
		m.hasher.HashMachineData(machineID),
		ipAddress)
	if err != nil {
		return lic, nil, err
	}

	m.logger.InfoContext(ctx, "machine activated",
		slog.String("license_key", security.MaskLicenseKey(key)),
		slog.Bool("already_active", res.AlreadyActive),
		slog.Int("active_count", res.ActiveCount),
		slog.Int("max_activations", lic.MaxActivations))
	return lic, res, nil
}

// Deactivate releases one machine binding. The license only needs to exist;
// deactivation is allowed on expired and suspended licenses so customers can
// free slots before renewing.
func (m *Manager) Deactivate(ctx context.Context, key, fingerprint, machineID string) (*store.License, error) {
	lic, err := m.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if lic.Status == StatusRevoked {
		return lic, apperrors.ErrLicenseRevoked
	}

	err = m.store.DeactivateMachine(ctx, lic.ID,
		m.hasher.HashMachineData(fingerprint),
		m.hasher.HashMachineData(machineID))
	if err != nil {
		return lic, err
	}

	m.logger.InfoContext(ctx, "machine deactivated",
		slog.String("license_key", security.MaskLicenseKey(key)))
	return lic, nil
}

// Suspend pauses an active license, typically on a payment dispute
func (m *Manager) Suspend(ctx context.Context, key, reason string) (*store.License, error) {
	lic, err := m.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if lic.Status != StatusActive {
		return lic, apperrors.ErrInvalidTransition
	}
	if err := m.store.UpdateLicenseStatus(ctx, lic.ID, StatusSuspended); err != nil {
		return lic, err
	}
	m.logger.WarnContext(ctx, "license suspended",
		slog.String("license_key", security.MaskLicenseKey(key)),
		slog.String("reason", reason))
	return m.store.GetLicenseByID(ctx, lic.ID)
}

// Reactivate lifts a suspension. Only suspended licenses qualify; revoked
// licenses require AdminReactivate.
func (m *Manager) Reactivate(ctx context.Context, key string) (*store.License, error) {
	lic, err := m.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if lic.Status != StatusSuspended {
		return lic, apperrors.ErrInvalidTransition
	}
	if err := m.store.UpdateLicenseStatus(ctx, lic.ID, StatusActive); err != nil {
		return lic, err
	}
	m.logger.InfoContext(ctx, "license reactivated",
		slog.String("license_key", security.MaskLicenseKey(key)))
	return m.store.GetLicenseByID(ctx, lic.ID)
}

// Revoke permanently invalidates a license and cascades to its activations
// and subscription. Revoking an already-revoked license is idempotent.
func (m *Manager) Revoke(ctx context.Context, key, reason string) (*store.License, error) {
	lic, err := m.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if lic.Status == StatusRevoked {
		return lic, nil
	}
	if err := m.store.RevokeLicense(ctx, lic.ID, reason); err != nil {
		return lic, err
	}
	m.logger.WarnContext(ctx, "license revoked",
		slog.String("license_key", security.MaskLicenseKey(key)),
		slog.String("reason", reason))
	return m.store.GetLicenseByID(ctx, lic.ID)
}

// AdminReactivate is the only path out of revoked. Previously revoked
// activations stay revoked; machines must activate again.
func (m *Manager) AdminReactivate(ctx context.Context, key string) (*store.License, error) {
	lic, err := m.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if lic.Status != StatusRevoked {
		return lic, apperrors.ErrInvalidTransition
	}
	if err := m.store.UpdateLicenseStatus(ctx, lic.ID, StatusActive); err != nil {
		return lic, err
	}
	m.logger.WarnContext(ctx, "revoked license reinstated",
		slog.String("license_key", security.MaskLicenseKey(key)))
	return m.store.GetLicenseByID(ctx, lic.ID)
}

// Extend moves the expiry forward, typically on a renewal payment
func (m *Manager) Extend(ctx context.Context, key string, d time.Duration) (*store.License, error) {
	lic, err := m.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if lic.Status == StatusRevoked {
		return lic, apperrors.ErrLicenseRevoked
	}
	return m.store.ExtendLicense(ctx, lic.ID, d)
}

// Issue creates a new license with a freshly generated key
func (m *Manager) Issue(ctx context.Context, params IssueParams) (*store.License, error) {
	if params.MaxActivations <= 0 {
		params.MaxActivations = 1
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if params.ValidFor > 0 {
		t := time.Now().UTC().Add(params.ValidFor)
		expiresAt = &t
	}

	record := &store.License{
		Key:            security.NormalizeLicenseKey(key),
		CustomerEmail:  params.CustomerEmail,
		ProductRef:     params.ProductRef,
		OrderRef:       params.OrderRef,
		MaxActivations: params.MaxActivations,
		ExpiresAt:      expiresAt,
	}

	var lic *store.License
	if params.SubscriptionID != "" {
		lic, err = m.store.CreateLicenseWithSubscription(ctx, record, &store.Subscription{
			ExternalID: params.SubscriptionID,
			Provider:   params.SubscriptionProvider,
			AutoRenew:  true,
		})
	} else {
		lic, err = m.store.CreateLicense(ctx, record)
	}
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "license issued",
		slog.String("license_key", security.MaskLicenseKey(key)),
		slog.String("product_ref", params.ProductRef),
		slog.Int("max_activations", params.MaxActivations))

	// Return the dashed form the customer receives; storage keeps the
	// normalized form.
	lic.Key = key
	return lic, nil
}

// Status summarizes a license without mutating anything. Unlike Validate it
// succeeds for any existing license, whatever its state.
func (m *Manager) Status(ctx context.Context, key string) (*Status, error) {
	lic, err := m.lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	st := &Status{
		Key:             security.MaskLicenseKey(lic.Key),
		EffectiveStatus: EffectiveStatus(lic, now),
		CustomerEmail:   lic.CustomerEmail,
		ProductRef:      lic.ProductRef,
		ActivationCount: lic.ActivationCount,
		MaxActivations:  lic.MaxActivations,
	}
	if lic.ExpiresAt != nil {
		formatted := lic.ExpiresAt.Format(time.RFC3339)
		st.ExpiresAt = &formatted
		days := int(time.Until(*lic.ExpiresAt).Hours() / 24)
		if days < 0 {
			days = 0
		}
		st.DaysLeft = &days
	}
	return st, nil
}

// ActivationCount returns the number of currently active machines
func (m *Manager) ActivationCount(ctx context.Context, licenseID int64) (int, error) {
	return m.store.CountActiveActivations(ctx, licenseID)
}

// Activations returns recent activation history with machine data masked
func (m *Manager) Activations(ctx context.Context, key string, limit int) ([]*store.Activation, error) {
	lic, err := m.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	return m.store.ListActivations(ctx, lic.ID, limit)
}
