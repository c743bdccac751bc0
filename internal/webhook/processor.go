// Package webhook turns payment-provider events into license transitions.
// Provider payloads are normalized into one Event shape; the Processor is
// the only place that decides which lifecycle transition an event triggers.
// Each event id is claimed before its transition runs; the claim insert is
// the replay gate, and a failed transition releases the claim so the
// provider's redelivery can retry.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keymint/internal/audit"
	apperrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/license"
	"keymint/internal/store"
)

// Providers
const (
	ProviderStripe = "stripe"
	ProviderPayPal = "paypal"
)

// Kind is a provider-independent event classification
type Kind string

const (
	KindPaymentCompleted     Kind = "payment_completed"
	KindPaymentRefunded      Kind = "payment_refunded"
	KindDisputeOpened        Kind = "dispute_opened"
	KindDisputeResolved      Kind = "dispute_resolved"
	KindSubscriptionPayment  Kind = "subscription_payment"
	KindSubscriptionCanceled Kind = "subscription_canceled"
	KindUnknown              Kind = "unknown"
)

// Event is a normalized payment event
type Event struct {
	Provider       string
	ID             string
	Kind           Kind
	Type           string
	OrderRef       string
	CustomerEmail  string
	SubscriptionID string
	ProductRef     string
	MaxActivations int
	DurationDays   int
}

// defaultRenewalDays is applied when a subscription payment carries no
// period information.
const defaultRenewalDays = 30

// Processor applies normalized events to the license store
type Processor struct {
	store          *store.Store
	manager        *license.Manager
	audit          *audit.Logger
	metrics        *infrastructure.BusinessMetrics
	maxActivations int
	logger         *slog.Logger
}

// NewProcessor creates a webhook processor. defaultMaxActivations applies to
// issued licenses whose event carries no activation limit.
func NewProcessor(st *store.Store, manager *license.Manager, auditLog *audit.Logger, metrics *infrastructure.BusinessMetrics, defaultMaxActivations int, logger *slog.Logger) *Processor {
	if defaultMaxActivations <= 0 {
		defaultMaxActivations = 1
	}
	return &Processor{
		store:          st,
		manager:        manager,
		audit:          auditLog,
		metrics:        metrics,
		maxActivations: defaultMaxActivations,
		logger:         infrastructure.WithComponent(logger, "webhook"),
	}
}

// Process applies one event. Duplicates and unhandled types return nil so
// the transport acknowledges them; only genuine processing failures surface
// as errors, releasing the event's claim for redelivery.
func (p *Processor) Process(ctx context.Context, ev *Event) error {
	enabled, err := p.store.GetSettingBool(ctx, settingKey(ev), true)
	if err != nil {
		return fmt.Errorf("event toggle lookup: %w", err)
	}
	if !enabled {
		p.logger.InfoContext(ctx, "webhook event type disabled by setting",
			slog.String("provider", ev.Provider),
			slog.String("event_type", ev.Type))
		p.audit.Event(ctx, audit.CategoryWebhook, "event_disabled", map[string]any{
			"provider":   ev.Provider,
			"event_type": ev.Type,
		})
		p.countEvent(ctx, "disabled")
		return nil
	}

	// The claim insert is the replay gate: a redelivery, concurrent or
	// hours later, loses the claim and is acknowledged without running.
	claimed, err := p.store.ClaimEvent(ctx, ev.Provider, ev.ID)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		p.logger.InfoContext(ctx, "duplicate webhook event ignored",
			slog.String("provider", ev.Provider),
			slog.String("event_id", ev.ID),
			slog.String("event_type", ev.Type))
		p.audit.Event(ctx, audit.CategoryWebhook, "event_duplicate", map[string]any{
			"provider":   ev.Provider,
			"event_id":   ev.ID,
			"event_type": ev.Type,
		})
		p.countEvent(ctx, "duplicate")
		return nil
	}

	if err := p.apply(ctx, ev); err != nil {
		if relErr := p.store.ReleaseEvent(ctx, ev.Provider, ev.ID); relErr != nil {
			p.logger.ErrorContext(ctx, "failed to release event claim",
				slog.String("provider", ev.Provider),
				slog.String("event_id", ev.ID),
				slog.String("error", relErr.Error()))
		}
		p.countEvent(ctx, "failed")
		return err
	}

	infrastructure.AddSpanEvent(ctx, "webhook.event.processed", map[string]interface{}{
		"provider":   ev.Provider,
		"event_id":   ev.ID,
		"event_type": ev.Type,
	})
	p.audit.Event(ctx, audit.CategoryWebhook, "event_processed", map[string]any{
		"provider":   ev.Provider,
		"event_id":   ev.ID,
		"event_type": ev.Type,
		"kind":       string(ev.Kind),
	})
	p.countEvent(ctx, "processed")
	return nil
}

// settingKey is the dotted settings key that toggles processing of one
// provider event type, e.g. "webhooks.stripe.charge.refunded.enabled".
func settingKey(ev *Event) string {
	return fmt.Sprintf("webhooks.%s.%s.enabled", ev.Provider, ev.Type)
}

func (p *Processor) countEvent(ctx context.Context, outcome string) {
	if p.metrics != nil {
		p.metrics.WebhookEvents.Add(ctx, 1, infrastructure.OperationOutcome(outcome))
	}
}

func (p *Processor) apply(ctx context.Context, ev *Event) error {
	switch ev.Kind {
	case KindPaymentCompleted:
		return p.handlePaymentCompleted(ctx, ev)
	case KindSubscriptionPayment:
		return p.handleSubscriptionPayment(ctx, ev)
	case KindPaymentRefunded:
		return p.transitionLicense(ctx, ev, func(key string) error {
			_, err := p.manager.Revoke(ctx, key, "payment refunded")
			return err
		})
	case KindDisputeOpened:
		return p.transitionLicense(ctx, ev, func(key string) error {
			_, err := p.manager.Suspend(ctx, key, "payment dispute opened")
			if errors.Is(err, apperrors.ErrInvalidTransition) {
				return nil
			}
			return err
		})
	case KindDisputeResolved:
		return p.transitionLicense(ctx, ev, func(key string) error {
			_, err := p.manager.Reactivate(ctx, key)
			if errors.Is(err, apperrors.ErrInvalidTransition) {
				return nil
			}
			return err
		})
	case KindSubscriptionCanceled:
		return p.handleSubscriptionCanceled(ctx, ev)
	default:
		p.logger.InfoContext(ctx, "unhandled webhook event type",
			slog.String("provider", ev.Provider),
			slog.String("event_type", ev.Type))
		p.audit.Event(ctx, audit.CategoryWebhook, "event_unhandled", map[string]any{
			"provider":   ev.Provider,
			"event_type": ev.Type,
		})
		return nil
	}
}

// resolveLicense locates the license an event refers to: by order reference
// first, then customer email, then subscription id.
func (p *Processor) resolveLicense(ctx context.Context, ev *Event) (*store.License, error) {
	if ev.OrderRef != "" {
		lic, err := p.store.GetLicenseByOrderRef(ctx, ev.OrderRef)
		if err == nil {
			return lic, nil
		}
		if !errors.Is(err, apperrors.ErrLicenseNotFound) {
			return nil, err
		}
	}
	if ev.CustomerEmail != "" {
		lic, err := p.store.GetLicenseByCustomerEmail(ctx, ev.CustomerEmail)
		if err == nil {
			return lic, nil
		}
		if !errors.Is(err, apperrors.ErrLicenseNotFound) {
			return nil, err
		}
	}
	if ev.SubscriptionID != "" {
		lic, err := p.store.GetLicenseBySubscriptionExternalID(ctx, ev.SubscriptionID)
		if err == nil {
			return lic, nil
		}
		if !errors.Is(err, apperrors.ErrLicenseNotFound) {
			return nil, err
		}
	}
	return nil, apperrors.ErrLicenseNotFound
}

func (p *Processor) transitionLicense(ctx context.Context, ev *Event, fn func(key string) error) error {
	lic, err := p.resolveLicense(ctx, ev)
	if err != nil {
		return fmt.Errorf("resolve license for %s event %s: %w", ev.Provider, ev.ID, err)
	}
	return fn(lic.Key)
}

// handlePaymentCompleted issues a new license for a first-time purchase. A
// redelivered or duplicate payment for an already-licensed order is a no-op.
func (p *Processor) handlePaymentCompleted(ctx context.Context, ev *Event) error {
	if ev.OrderRef != "" {
		_, err := p.store.GetLicenseByOrderRef(ctx, ev.OrderRef)
		if err == nil {
			p.logger.InfoContext(ctx, "order already licensed",
				slog.String("provider", ev.Provider),
				slog.String("order_ref", ev.OrderRef))
			return nil
		}
		if !errors.Is(err, apperrors.ErrLicenseNotFound) {
			return err
		}
	}

	var validFor time.Duration
	if ev.DurationDays > 0 {
		validFor = time.Duration(ev.DurationDays) * 24 * time.Hour
	}
	maxActivations := ev.MaxActivations
	if maxActivations <= 0 {
		maxActivations = p.maxActivations
	}
	// License and subscription link commit together; the store rolls both
	// back when either insert fails.
	_, err := p.manager.Issue(ctx, license.IssueParams{
		CustomerEmail:        ev.CustomerEmail,
		ProductRef:           ev.ProductRef,
		OrderRef:             ev.OrderRef,
		MaxActivations:       maxActivations,
		ValidFor:             validFor,
		SubscriptionID:       ev.SubscriptionID,
		SubscriptionProvider: ev.Provider,
	})
	if err != nil {
		return fmt.Errorf("issue license for order %s: %w", ev.OrderRef, err)
	}
	return nil
}

// handleSubscriptionPayment extends the license on a renewal charge
func (p *Processor) handleSubscriptionPayment(ctx context.Context, ev *Event) error {
	lic, err := p.resolveLicense(ctx, ev)
	if err != nil {
		return fmt.Errorf("resolve license for renewal %s: %w", ev.ID, err)
	}

	days := ev.DurationDays
	if days <= 0 {
		days = defaultRenewalDays
	}
	if _, err := p.manager.Extend(ctx, lic.Key, time.Duration(days)*24*time.Hour); err != nil {
		return fmt.Errorf("extend license: %w", err)
	}

	if ev.SubscriptionID != "" {
		if err := p.store.RecordSubscriptionPayment(ctx, ev.SubscriptionID, time.Now().UTC()); err != nil &&
			!errors.Is(err, apperrors.ErrSubscriptionNotFound) {
			return err
		}
	}
	return nil
}

// handleSubscriptionCanceled revokes the license backing a canceled
// subscription. Revocation cascades to the activations and marks the
// subscription canceled, so the machines lose access immediately.
func (p *Processor) handleSubscriptionCanceled(ctx context.Context, ev *Event) error {
	if ev.SubscriptionID == "" {
		return fmt.Errorf("cancellation event %s carries no subscription id", ev.ID)
	}
	return p.transitionLicense(ctx, ev, func(key string) error {
		_, err := p.manager.Revoke(ctx, key, "subscription canceled")
		return err
	})
}
