package webhook

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/audit"
	apperrors "keymint/internal/errors"
	"keymint/internal/license"
	"keymint/internal/security"
	"keymint/internal/store"
)

type procEnv struct {
	proc    *Processor
	manager *license.Manager
	store   *store.Store
}

func newProcEnv(t *testing.T) *procEnv {
	t.Helper()
	logger := slog.Default()
	st, err := store.Open(filepath.Join(t.TempDir(), "keymint.db"), logger, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	manager := license.NewManager(st, security.NewHasher("test-salt"), logger)
	auditLog := audit.NewLogger(st, nil, nil, logger)
	return &procEnv{
		proc:    NewProcessor(st, manager, auditLog, nil, 3, logger),
		manager: manager,
		store:   st,
	}
}

func paymentEvent(id, orderRef string) *Event {
	return &Event{
		Provider:       ProviderStripe,
		ID:             id,
		Kind:           KindPaymentCompleted,
		Type:           "checkout.session.completed",
		OrderRef:       orderRef,
		CustomerEmail:  "buyer@example.com",
		ProductRef:     "pro",
		MaxActivations: 3,
		DurationDays:   365,
	}
}

func TestProcessPaymentCompletedIssuesLicense(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()

	require.NoError(t, env.proc.Process(ctx, paymentEvent("evt_1", "pi_100")))

	lic, err := env.store.GetLicenseByOrderRef(ctx, "pi_100")
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", lic.CustomerEmail)
	assert.Equal(t, 3, lic.MaxActivations)
	require.NotNil(t, lic.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), *lic.ExpiresAt, time.Minute)
}

func TestProcessDuplicateEventIsIgnored(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()

	require.NoError(t, env.proc.Process(ctx, paymentEvent("evt_1", "pi_100")))
	require.NoError(t, env.proc.Process(ctx, paymentEvent("evt_1", "pi_100")))

	// Same payment under a new event id still issues nothing: the order is
	// already licensed.
	require.NoError(t, env.proc.Process(ctx, paymentEvent("evt_2", "pi_100")))

	first, err := env.store.GetLicenseByOrderRef(ctx, "pi_100")
	require.NoError(t, err)
	// Only one license ever existed for the order
	lic, err := env.store.GetLicenseByCustomerEmail(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, lic.ID)
}

func TestProcessSubscriptionFlow(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()

	checkout := paymentEvent("evt_1", "pi_100")
	checkout.SubscriptionID = "sub_42"
	checkout.DurationDays = 30
	require.NoError(t, env.proc.Process(ctx, checkout))

	lic, err := env.store.GetLicenseByOrderRef(ctx, "pi_100")
	require.NoError(t, err)
	firstExpiry := *lic.ExpiresAt

	// Renewal charge extends by the default period and stamps the payment
	require.NoError(t, env.proc.Process(ctx, &Event{
		Provider:       ProviderStripe,
		ID:             "evt_2",
		Kind:           KindSubscriptionPayment,
		Type:           "invoice.payment_succeeded",
		SubscriptionID: "sub_42",
	}))

	lic, err = env.store.GetLicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, firstExpiry.Add(defaultRenewalDays*24*time.Hour), *lic.ExpiresAt, 2*time.Second)

	sub, err := env.store.GetSubscriptionByExternalID(ctx, "sub_42")
	require.NoError(t, err)
	require.NotNil(t, sub.LastPaymentAt)

	// Cancellation revokes the license outright and cascades
	require.NoError(t, env.proc.Process(ctx, &Event{
		Provider:       ProviderStripe,
		ID:             "evt_3",
		Kind:           KindSubscriptionCanceled,
		Type:           "customer.subscription.deleted",
		SubscriptionID: "sub_42",
	}))

	sub, err = env.store.GetSubscriptionByExternalID(ctx, "sub_42")
	require.NoError(t, err)
	assert.Equal(t, "canceled", sub.Status)
	assert.False(t, sub.AutoRenew)

	lic, err = env.store.GetLicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, license.StatusRevoked, lic.Status)
	_, err = env.manager.Validate(ctx, lic.Key, "", "")
	assert.ErrorIs(t, err, apperrors.ErrLicenseRevoked)

	// Redelivered cancellation is idempotent
	require.NoError(t, env.proc.Process(ctx, &Event{
		Provider:       ProviderStripe,
		ID:             "evt_4",
		Kind:           KindSubscriptionCanceled,
		Type:           "customer.subscription.deleted",
		SubscriptionID: "sub_42",
	}))
}

func TestProcessRefundRevokes(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()

	require.NoError(t, env.proc.Process(ctx, paymentEvent("evt_1", "pi_100")))
	lic, err := env.store.GetLicenseByOrderRef(ctx, "pi_100")
	require.NoError(t, err)

	_, _, err = env.manager.Activate(ctx, lic.Key, "fp-a", "mid-a", "")
	require.NoError(t, err)

	require.NoError(t, env.proc.Process(ctx, &Event{
		Provider: ProviderStripe,
		ID:       "evt_2",
		Kind:     KindPaymentRefunded,
		Type:     "charge.refunded",
		OrderRef: "pi_100",
	}))

	lic, err = env.store.GetLicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, license.StatusRevoked, lic.Status)
	assert.Equal(t, 0, lic.ActivationCount, "revocation cascades to activations")
}

func TestProcessDisputeRoundTrip(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()

	require.NoError(t, env.proc.Process(ctx, paymentEvent("evt_1", "pi_100")))
	lic, err := env.store.GetLicenseByOrderRef(ctx, "pi_100")
	require.NoError(t, err)

	require.NoError(t, env.proc.Process(ctx, &Event{
		Provider: ProviderStripe, ID: "evt_2", Kind: KindDisputeOpened,
		Type: "charge.dispute.created", OrderRef: "pi_100",
	}))
	lic, err = env.store.GetLicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, license.StatusSuspended, lic.Status)

	// Redelivered dispute event for an already-suspended license is benign
	require.NoError(t, env.proc.Process(ctx, &Event{
		Provider: ProviderStripe, ID: "evt_3", Kind: KindDisputeOpened,
		Type: "charge.dispute.created", OrderRef: "pi_100",
	}))

	require.NoError(t, env.proc.Process(ctx, &Event{
		Provider: ProviderStripe, ID: "evt_4", Kind: KindDisputeResolved,
		Type: "charge.dispute.closed", OrderRef: "pi_100",
	}))
	lic, err = env.store.GetLicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, lic.Status)
}

func TestProcessUnknownKindAcknowledged(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()

	err := env.proc.Process(ctx, &Event{
		Provider: ProviderStripe, ID: "evt_1", Kind: KindUnknown,
		Type: "payment_method.attached",
	})
	assert.NoError(t, err, "unhandled types are acknowledged, not retried")

	events, err := env.store.ListAuditEvents(ctx, audit.CategoryWebhook, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "event_unhandled", events[0].EventType)
}

func TestProcessDisabledEventTypeAcknowledged(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SetSetting(ctx, "webhooks.stripe.checkout.session.completed.enabled", "false"))

	require.NoError(t, env.proc.Process(ctx, paymentEvent("evt_1", "pi_100")))

	_, err := env.store.GetLicenseByOrderRef(ctx, "pi_100")
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound, "disabled event types issue nothing")

	events, err := env.store.ListAuditEvents(ctx, audit.CategoryWebhook, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "event_disabled", events[0].EventType)

	// Re-enabling lets a later delivery process normally
	require.NoError(t, env.store.SetSetting(ctx, "webhooks.stripe.checkout.session.completed.enabled", "true"))
	require.NoError(t, env.proc.Process(ctx, paymentEvent("evt_2", "pi_100")))
	_, err = env.store.GetLicenseByOrderRef(ctx, "pi_100")
	assert.NoError(t, err)
}

func TestProcessFailureLeavesEventUnmarked(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()

	// Refund for a license that does not exist fails and stays retryable
	err := env.proc.Process(ctx, &Event{
		Provider: ProviderStripe, ID: "evt_1", Kind: KindPaymentRefunded,
		Type: "charge.refunded", OrderRef: "pi_missing",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)

	processed, err := env.store.IsEventProcessed(ctx, ProviderStripe, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed, "failed events must stay unmarked for redelivery")
}

func TestProcessFailedCheckoutLeavesNothingBehind(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()

	first := paymentEvent("evt_1", "pi_100")
	first.SubscriptionID = "sub_42"
	require.NoError(t, env.proc.Process(ctx, first))

	// A different order colliding on the same subscription id fails as a
	// whole: the license insert rolls back with the subscription link.
	second := paymentEvent("evt_2", "pi_200")
	second.SubscriptionID = "sub_42"
	require.Error(t, env.proc.Process(ctx, second))

	_, err := env.store.GetLicenseByOrderRef(ctx, "pi_200")
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound,
		"no license may exist without its subscription link")

	processed, err := env.store.IsEventProcessed(ctx, ProviderStripe, "evt_2")
	require.NoError(t, err)
	assert.False(t, processed, "the failed event releases its claim for redelivery")
}

func TestResolveLicenseOrder(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()

	byOrder, err := env.manager.Issue(ctx, license.IssueParams{
		CustomerEmail: "shared@example.com", OrderRef: "pi_1", MaxActivations: 1,
	})
	require.NoError(t, err)
	byEmail, err := env.manager.Issue(ctx, license.IssueParams{
		CustomerEmail: "shared@example.com", OrderRef: "pi_2", MaxActivations: 1,
	})
	require.NoError(t, err)

	// Order reference wins over email
	lic, err := env.proc.resolveLicense(ctx, &Event{OrderRef: "pi_1", CustomerEmail: "shared@example.com"})
	require.NoError(t, err)
	assert.Equal(t, security.NormalizeLicenseKey(byOrder.Key), lic.Key)

	// Email resolves when the order is unknown
	lic, err = env.proc.resolveLicense(ctx, &Event{OrderRef: "pi_999", CustomerEmail: "shared@example.com"})
	require.NoError(t, err)
	assert.Equal(t, security.NormalizeLicenseKey(byEmail.Key), lic.Key)

	_, err = env.proc.resolveLicense(ctx, &Event{OrderRef: "pi_999", CustomerEmail: "nobody@example.com"})
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}
