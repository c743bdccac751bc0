package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "keymint/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "keymint.db"), slog.Default(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestLicense(t *testing.T, s *Store, key string, maxActivations int) *License {
	t.Helper()
	expiry := time.Now().UTC().Add(365 * 24 * time.Hour)
	lic, err := s.CreateLicense(context.Background(), &License{
		Key:            key,
		CustomerEmail:  "buyer@example.com",
		ProductRef:     "pro",
		OrderRef:       "order-" + key,
		MaxActivations: maxActivations,
		ExpiresAt:      &expiry,
	})
	require.NoError(t, err)
	return lic
}

func TestCreateAndGetLicense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lic := createTestLicense(t, s, "KMAB12CD34EF56GH78", 3)
	assert.Equal(t, "active", lic.Status)
	assert.Equal(t, 3, lic.MaxActivations)
	assert.Equal(t, 0, lic.ActivationCount)
	require.NotNil(t, lic.ExpiresAt)

	byKey, err := s.GetLicenseByKey(ctx, "KMAB12CD34EF56GH78")
	require.NoError(t, err)
	assert.Equal(t, lic.ID, byKey.ID)

	byOrder, err := s.GetLicenseByOrderRef(ctx, "order-KMAB12CD34EF56GH78")
	require.NoError(t, err)
	assert.Equal(t, lic.ID, byOrder.ID)

	byEmail, err := s.GetLicenseByCustomerEmail(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, lic.ID, byEmail.ID)

	_, err = s.GetLicenseByKey(ctx, "KMZZZZZZZZZZZZZZZZ")
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestActivationCeiling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lic := createTestLicense(t, s, "KMAAAA1111BBBB2222", 2)

	res, err := s.ActivateMachine(ctx, lic.ID, "fp-1", "mid-1", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyActive)
	assert.Equal(t, 1, res.ActiveCount)

	res, err = s.ActivateMachine(ctx, lic.ID, "fp-2", "mid-2", "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ActiveCount)

	_, err = s.ActivateMachine(ctx, lic.ID, "fp-3", "mid-3", "10.0.0.3")
	assert.ErrorIs(t, err, apperrors.ErrActivationLimitExceeded)

	// Same tuple again is idempotent and consumes no slot
	res, err = s.ActivateMachine(ctx, lic.ID, "fp-1", "mid-1", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyActive)
	assert.Equal(t, 2, res.ActiveCount)

	// Deactivation frees a slot for a new machine
	require.NoError(t, s.DeactivateMachine(ctx, lic.ID, "fp-1", "mid-1"))
	res, err = s.ActivateMachine(ctx, lic.ID, "fp-3", "mid-3", "10.0.0.3")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ActiveCount)
}

func TestConcurrentActivationsNeverExceedCeiling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const ceiling = 3
	lic := createTestLicense(t, s, "KMCCCC3333DDDD4444", ceiling)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := "fp-" + string(rune('a'+i))
			_, errs[i] = s.ActivateMachine(ctx, lic.ID, fp, fp, "10.0.0.1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, apperrors.ErrActivationLimitExceeded)
		}
	}
	assert.Equal(t, ceiling, succeeded)

	count, err := s.CountActiveActivations(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, ceiling, count)
}

func TestDeactivateUnknownMachine(t *testing.T) {
	s := newTestStore(t)
	lic := createTestLicense(t, s, "KMEEEE5555FFFF6666", 1)

	err := s.DeactivateMachine(context.Background(), lic.ID, "fp-x", "mid-x")
	assert.ErrorIs(t, err, apperrors.ErrActivationNotFound)
}

func TestRevokeLicenseCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lic := createTestLicense(t, s, "KMGGGG7777HHHH8888", 5)

	_, err := s.ActivateMachine(ctx, lic.ID, "fp-1", "mid-1", "")
	require.NoError(t, err)
	_, err = s.ActivateMachine(ctx, lic.ID, "fp-2", "mid-2", "")
	require.NoError(t, err)

	_, err = s.CreateSubscription(ctx, &Subscription{
		LicenseID:  lic.ID,
		ExternalID: "sub_123",
		Provider:   "stripe",
		AutoRenew:  true,
	})
	require.NoError(t, err)

	require.NoError(t, s.RevokeLicense(ctx, lic.ID, "chargeback"))

	got, err := s.GetLicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, "revoked", got.Status)
	assert.Equal(t, 0, got.ActivationCount)

	acts, err := s.ListActivations(ctx, lic.ID, 50)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	for _, a := range acts {
		assert.False(t, a.Active)
		assert.True(t, a.Revoked)
		assert.Equal(t, "chargeback", a.RevokedReason)
		assert.NotNil(t, a.RevokedAt)
	}

	sub, err := s.GetSubscriptionByLicenseID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", sub.Status)
	assert.False(t, sub.AutoRenew)
}

func TestExtendLicenseAnchoring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Valid license extends from its current expiry
	future := time.Now().UTC().Add(10 * 24 * time.Hour)
	lic, err := s.CreateLicense(ctx, &License{
		Key: "KMIIII9999JJJJ0000", MaxActivations: 1, ExpiresAt: &future,
	})
	require.NoError(t, err)

	extended, err := s.ExtendLicense(ctx, lic.ID, 30*24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, extended.ExpiresAt)
	assert.WithinDuration(t, future.Add(30*24*time.Hour), *extended.ExpiresAt, 2*time.Second)

	// Lapsed license extends from now, not from the old expiry
	past := time.Now().UTC().Add(-100 * 24 * time.Hour)
	lapsed, err := s.CreateLicense(ctx, &License{
		Key: "KMKKKK1111LLLL2222", MaxActivations: 1, ExpiresAt: &past,
	})
	require.NoError(t, err)

	renewed, err := s.ExtendLicense(ctx, lapsed.ID, 30*24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, renewed.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), *renewed.ExpiresAt, 2*time.Second)
}

func TestIncrementWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	window := time.Now().UTC().Truncate(time.Minute)

	for i := 1; i <= 5; i++ {
		count, err := s.IncrementWindow(ctx, "ip:10.0.0.1", "validate", window)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	// Different cell, independent counter
	count, err := s.IncrementWindow(ctx, "ip:10.0.0.2", "validate", window)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.IncrementWindow(ctx, "ip:10.0.0.1", "activate", window)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// New window starts the count over
	count, err = s.IncrementWindow(ctx, "ip:10.0.0.1", "validate", window.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.DeleteExpiredWindows(ctx, window.Add(2*time.Minute)))
	count, err = s.IncrementWindow(ctx, "ip:10.0.0.1", "validate", window)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "deleted window restarts from scratch")
}

func TestWebhookMarkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	processed, err := s.IsEventProcessed(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.False(t, processed)

	claimed, err := s.ClaimEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, claimed, "first delivery wins the claim")

	claimed, err = s.ClaimEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.False(t, claimed, "second delivery loses the claim")

	processed, err = s.IsEventProcessed(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)

	// Same id under another provider is a distinct event
	processed, err = s.IsEventProcessed(ctx, "paypal", "evt_1")
	require.NoError(t, err)
	assert.False(t, processed)

	// Releasing a claim reopens it for the next delivery
	require.NoError(t, s.ReleaseEvent(ctx, "stripe", "evt_1"))
	claimed, err = s.ClaimEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, s.DeleteExpiredMarkers(ctx, time.Now().UTC().Add(time.Hour)))
	processed, err = s.IsEventProcessed(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	val, err := s.GetSettingString(ctx, "features.offline_grace", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", val)

	require.NoError(t, s.SetSetting(ctx, "features.offline_grace", "true"))
	enabled, err := s.GetSettingBool(ctx, "features.offline_grace", false)
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, s.SetSetting(ctx, "features.offline_grace", "not-a-bool"))
	enabled, err = s.GetSettingBool(ctx, "features.offline_grace", true)
	require.NoError(t, err)
	assert.True(t, enabled, "unparsable value falls back")
}

func TestSubscriptionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lic := createTestLicense(t, s, "KMMMMM3333NNNN4444", 1)

	sub, err := s.CreateSubscription(ctx, &Subscription{
		LicenseID: lic.ID, ExternalID: "I-XYZ", Provider: "paypal", AutoRenew: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "active", sub.Status)

	byLicense, err := s.GetLicenseBySubscriptionExternalID(ctx, "I-XYZ")
	require.NoError(t, err)
	assert.Equal(t, lic.ID, byLicense.ID)

	paidAt := time.Now().UTC()
	require.NoError(t, s.RecordSubscriptionPayment(ctx, "I-XYZ", paidAt))

	require.NoError(t, s.UpdateSubscriptionStatus(ctx, "I-XYZ", "canceled", false))
	sub, err = s.GetSubscriptionByExternalID(ctx, "I-XYZ")
	require.NoError(t, err)
	assert.Equal(t, "canceled", sub.Status)
	assert.False(t, sub.AutoRenew)
	require.NotNil(t, sub.LastPaymentAt)

	err = s.UpdateSubscriptionStatus(ctx, "I-MISSING", "active", true)
	assert.ErrorIs(t, err, apperrors.ErrSubscriptionNotFound)
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertAuditEvent(ctx, "security", "signature_invalid", "critical", `{"provider":"stripe"}`))
	require.NoError(t, s.InsertAuditEvent(ctx, "security", "rate_limited", "medium", ""))
	require.NoError(t, s.InsertAuditEvent(ctx, "license", "activated", "", `{"key_hash":"abc"}`))

	events, err := s.ListAuditEvents(ctx, "security", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, "security", ev.Category)
		assert.NotEmpty(t, ev.Details, "empty details default to an empty JSON object")
	}
}
