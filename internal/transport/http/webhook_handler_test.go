package http

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
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
	"keymint/internal/webhook"
)

type fakePayPalParser struct {
	ev  *webhook.Event
	err error
}

func (f *fakePayPalParser) VerifyAndParse(ctx context.Context, payload []byte, headers http.Header) (*webhook.Event, error) {
	return f.ev, f.err
}

type webhookEnv struct {
	handler *WebhookHandler
	store   *store.Store
}

func newWebhookEnv(t *testing.T, paypal PayPalParser) *webhookEnv {
	t.Helper()
	logger := slog.Default()
	st, err := store.Open(filepath.Join(t.TempDir(), "keymint.db"), logger, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	manager := license.NewManager(st, security.NewHasher("test-salt"), logger)
	auditLog := audit.NewLogger(st, nil, nil, logger)
	processor := webhook.NewProcessor(st, manager, auditLog, nil, 3, logger)

	h := NewWebhookHandler(processor, "whsec_test", paypal, auditLog, 5*time.Second, logger)
	return &webhookEnv{handler: h, store: st}
}

func (e *webhookEnv) post(path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.Routes().ServeHTTP(rec, req)
	return rec
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	env := newWebhookEnv(t, &fakePayPalParser{})

	rec := env.post("/stripe", `{"id":"evt_1"}`, map[string]string{
		"Stripe-Signature": "t=1,v1=deadbeef",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "signature verification failed")

	// Rejection was audited as a critical security event
	events, err := env.store.ListAuditEvents(context.Background(), audit.CategorySecurity, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "signature_invalid", events[0].EventType)
	assert.Equal(t, audit.SeverityCritical, events[0].Severity)
}

func TestStripeWebhookProcessesEvent(t *testing.T) {
	env := newWebhookEnv(t, &fakePayPalParser{})
	env.handler.stripeParse = func(payload []byte, sigHeader, secret string) (*webhook.Event, error) {
		return &webhook.Event{
			Provider:       webhook.ProviderStripe,
			ID:             "evt_1",
			Kind:           webhook.KindPaymentCompleted,
			Type:           "checkout.session.completed",
			OrderRef:       "pi_100",
			CustomerEmail:  "buyer@example.com",
			MaxActivations: 2,
		}, nil
	}

	rec := env.post("/stripe", `{}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "received")

	lic, err := env.store.GetLicenseByOrderRef(context.Background(), "pi_100")
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", lic.CustomerEmail)

	// Redelivery is acknowledged without issuing twice
	rec = env.post("/stripe", `{}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStripeWebhookProcessingFailureAnswers500(t *testing.T) {
	env := newWebhookEnv(t, &fakePayPalParser{})
	env.handler.stripeParse = func(payload []byte, sigHeader, secret string) (*webhook.Event, error) {
		return &webhook.Event{
			Provider: webhook.ProviderStripe,
			ID:       "evt_1",
			Kind:     webhook.KindPaymentRefunded,
			Type:     "charge.refunded",
			OrderRef: "pi_missing",
		}, nil
	}

	rec := env.post("/stripe", `{}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	processed, err := env.store.IsEventProcessed(context.Background(), webhook.ProviderStripe, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed, "failed events stay retryable")
}

func TestPayPalWebhookSignatureFailure(t *testing.T) {
	env := newWebhookEnv(t, &fakePayPalParser{
		err: fmt.Errorf("%w: verification_status failure", apperrors.ErrSignatureInvalid),
	})

	rec := env.post("/paypal", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPayPalWebhookVerifierOutage(t *testing.T) {
	env := newWebhookEnv(t, &fakePayPalParser{err: fmt.Errorf("connect timeout")})

	rec := env.post("/paypal", `{}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code,
		"verifier outage is retryable, not a signature rejection")
}

func TestPayPalWebhookProcessesEvent(t *testing.T) {
	env := newWebhookEnv(t, &fakePayPalParser{
		ev: &webhook.Event{
			Provider:       webhook.ProviderPayPal,
			ID:             "WH-1",
			Kind:           webhook.KindPaymentCompleted,
			Type:           "PAYMENT.CAPTURE.COMPLETED",
			OrderRef:       "order-55",
			CustomerEmail:  "buyer@example.com",
			MaxActivations: 1,
		},
	})

	rec := env.post("/paypal", `{}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, err := env.store.GetLicenseByOrderRef(context.Background(), "order-55")
	assert.NoError(t, err)
}
