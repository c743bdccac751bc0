package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v82/webhook"

	apperrors "keymint/internal/errors"
)

// Partial views of the Stripe objects this service reads. Decoding from
// Data.Raw keeps the coupling to the exact fields used.
type stripeCheckoutSession struct {
	ID              string `json:"id"`
	PaymentIntent   string `json:"payment_intent"`
	Subscription    string `json:"subscription"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	CustomerEmail string `json:"customer_email"`
}

type stripeCharge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	BillingDetails struct {
		Email string `json:"email"`
	} `json:"billing_details"`
}

type stripeDispute struct {
	ID            string `json:"id"`
	Charge        string `json:"charge"`
	Status        string `json:"status"`
	PaymentIntent string `json:"payment_intent"`
}

type stripeSubscription struct {
	ID string `json:"id"`
}

// ParseStripeEvent verifies the signature and normalizes the event.
// A failed signature check returns ErrSignatureInvalid.
func ParseStripeEvent(payload []byte, sigHeader, endpointSecret string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, sigHeader, endpointSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrSignatureInvalid, err)
	}

	ev := &Event{
		Provider: ProviderStripe,
		ID:       stripeEvent.ID,
		Type:     string(stripeEvent.Type),
		Kind:     KindUnknown,
	}

	switch stripeEvent.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSession
		if err := json.Unmarshal(stripeEvent.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("decode checkout.session: %w", err)
		}
		ev.Kind = KindPaymentCompleted
		ev.OrderRef = session.PaymentIntent
		if ev.OrderRef == "" {
			ev.OrderRef = session.ID
		}
		ev.CustomerEmail = session.CustomerDetails.Email
		ev.SubscriptionID = session.Subscription
		ev.ProductRef = session.Metadata["product_ref"]
		ev.MaxActivations = atoiOrZero(session.Metadata["max_activations"])
		ev.DurationDays = atoiOrZero(session.Metadata["duration_days"])

	case "invoice.payment_succeeded":
		var invoice stripeInvoice
		if err := json.Unmarshal(stripeEvent.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		ev.Kind = KindSubscriptionPayment
		ev.SubscriptionID = invoice.Subscription
		ev.CustomerEmail = invoice.CustomerEmail

	case "charge.refunded":
		var charge stripeCharge
		if err := json.Unmarshal(stripeEvent.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		ev.Kind = KindPaymentRefunded
		ev.OrderRef = charge.PaymentIntent
		ev.CustomerEmail = charge.BillingDetails.Email

	case "charge.dispute.created":
		var dispute stripeDispute
		if err := json.Unmarshal(stripeEvent.Data.Raw, &dispute); err != nil {
			return nil, fmt.Errorf("decode dispute: %w", err)
		}
		ev.Kind = KindDisputeOpened
		ev.OrderRef = dispute.PaymentIntent

	case "charge.dispute.closed":
		var dispute stripeDispute
		if err := json.Unmarshal(stripeEvent.Data.Raw, &dispute); err != nil {
			return nil, fmt.Errorf("decode dispute: %w", err)
		}
		ev.OrderRef = dispute.PaymentIntent
		// A lost dispute means the money is gone, same as a refund
		if dispute.Status == "lost" {
			ev.Kind = KindPaymentRefunded
		} else {
			ev.Kind = KindDisputeResolved
		}

	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		ev.Kind = KindSubscriptionCanceled
		ev.SubscriptionID = sub.ID
	}

	return ev, nil
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
