package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keymint/internal/audit"
	apperrors "keymint/internal/errors"
	"keymint/internal/webhook"
)

// webhookBodyLimit caps the accepted payload size
const webhookBodyLimit = 1 << 20 // 1 MiB

// StripeParser verifies and normalizes a Stripe payload
type StripeParser func(payload []byte, sigHeader, endpointSecret string) (*webhook.Event, error)

// PayPalParser verifies and normalizes a PayPal payload
type PayPalParser interface {
	VerifyAndParse(ctx context.Context, payload []byte, headers http.Header) (*webhook.Event, error)
}

// WebhookHandler receives payment-provider callbacks. Signature failures are
// rejected with 400 and audited; processing failures answer 500 so the
// provider redelivers; everything else is acknowledged with 200.
type WebhookHandler struct {
	processor      *webhook.Processor
	stripeParse    StripeParser
	stripeSecret   string
	paypal         PayPalParser
	audit          *audit.Logger
	processTimeout time.Duration
	logger         *slog.Logger
}

// NewWebhookHandler creates the webhook handler
func NewWebhookHandler(
	processor *webhook.Processor,
	stripeSecret string,
	paypal PayPalParser,
	auditLog *audit.Logger,
	processTimeout time.Duration,
	logger *slog.Logger,
) *WebhookHandler {
	if processTimeout <= 0 {
		processTimeout = 30 * time.Second
	}
	return &WebhookHandler{
		processor:      processor,
		stripeParse:    webhook.ParseStripeEvent,
		stripeSecret:   stripeSecret,
		paypal:         paypal,
		audit:          auditLog,
		processTimeout: processTimeout,
		logger:         logger.With(slog.String("handler", "webhook")),
	}
}

// Routes returns the /api/webhooks subrouter
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/stripe", h.Stripe)
	r.Post("/paypal", h.PayPal)
	return r
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	return io.ReadAll(r.Body)
}

// Stripe handles POST /api/webhooks/stripe
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(w, r)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "failed to read request body"})
		return
	}

	ev, err := h.stripeParse(payload, r.Header.Get("Stripe-Signature"), h.stripeSecret)
	if err != nil {
		h.rejectSignature(w, r, webhook.ProviderStripe, err)
		return
	}

	h.process(w, r, ev)
}

// PayPal handles POST /api/webhooks/paypal
func (h *WebhookHandler) PayPal(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(w, r)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "failed to read request body"})
		return
	}

	verifyCtx, cancel := context.WithTimeout(r.Context(), h.processTimeout)
	defer cancel()

	ev, err := h.paypal.VerifyAndParse(verifyCtx, payload, r.Header)
	if err != nil {
		if errors.Is(err, apperrors.ErrSignatureInvalid) {
			h.rejectSignature(w, r, webhook.ProviderPayPal, err)
			return
		}
		// Verification infrastructure failure; let PayPal retry
		h.logger.ErrorContext(r.Context(), "paypal verification failed",
			slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "verification unavailable"})
		return
	}

	h.process(w, r, ev)
}

func (h *WebhookHandler) rejectSignature(w http.ResponseWriter, r *http.Request, provider string, err error) {
	h.logger.WarnContext(r.Context(), "webhook signature rejected",
		slog.String("provider", provider),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("error", err.Error()))
	h.audit.Security(r.Context(), "signature_invalid", map[string]any{
		"provider":    provider,
		"remote_addr": r.RemoteAddr,
	})
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, map[string]string{"error": "signature verification failed"})
}

func (h *WebhookHandler) process(w http.ResponseWriter, r *http.Request, ev *webhook.Event) {
	ctx, cancel := context.WithTimeout(r.Context(), h.processTimeout)
	defer cancel()

	if err := h.processor.Process(ctx, ev); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook processing failed",
			slog.String("provider", ev.Provider),
			slog.String("event_id", ev.ID),
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "processing failed"})
		return
	}

	render.JSON(w, r, map[string]bool{"received": true})
}
