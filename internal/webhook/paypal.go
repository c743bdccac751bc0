package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"keymint/internal/config"
	apperrors "keymint/internal/errors"
)

// PayPalVerifier checks webhook authenticity against PayPal's
// verify-webhook-signature API and normalizes the event payload.
type PayPalVerifier struct {
	cfg    config.PayPalConfig
	client *retryablehttp.Client
}

// NewPayPalVerifier creates a verifier for the configured webhook
func NewPayPalVerifier(cfg config.PayPalConfig) *PayPalVerifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = cfg.VerifyTimeout
	client.Logger = nil
	return &PayPalVerifier{cfg: cfg, client: client}
}

// paypalEvent is the slice of the PayPal webhook payload this service reads
type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                 string `json:"id"`
		State              string `json:"state"`
		BillingAgreementID string `json:"billing_agreement_id"`
		Payer              struct {
			PayerInfo struct {
				Email string `json:"email"`
			} `json:"payer_info"`
		} `json:"payer"`
		Custom string `json:"custom"`
	} `json:"resource"`
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// VerifyAndParse verifies the transmission headers against PayPal and
// normalizes the payload. Verification failure returns ErrSignatureInvalid.
func (v *PayPalVerifier) VerifyAndParse(ctx context.Context, payload []byte, headers http.Header) (*Event, error) {
	transmissionID := headers.Get("Paypal-Transmission-Id")
	if transmissionID == "" {
		return nil, fmt.Errorf("%w: missing transmission headers", apperrors.ErrSignatureInvalid)
	}

	verified, err := v.verify(ctx, verifyRequest{
		AuthAlgo:         headers.Get("Paypal-Auth-Algo"),
		CertURL:          headers.Get("Paypal-Cert-Url"),
		TransmissionID:   transmissionID,
		TransmissionSig:  headers.Get("Paypal-Transmission-Sig"),
		TransmissionTime: headers.Get("Paypal-Transmission-Time"),
		WebhookID:        v.cfg.WebhookID,
		WebhookEvent:     json.RawMessage(payload),
	})
	if err != nil {
		return nil, err
	}
	if !verified {
		return nil, fmt.Errorf("%w: paypal verification_status failure", apperrors.ErrSignatureInvalid)
	}

	var raw paypalEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode paypal event: %w", err)
	}

	ev := &Event{
		Provider:       ProviderPayPal,
		ID:             raw.ID,
		Type:           raw.EventType,
		Kind:           KindUnknown,
		OrderRef:       raw.Resource.Custom,
		CustomerEmail:  raw.Resource.Payer.PayerInfo.Email,
		SubscriptionID: raw.Resource.BillingAgreementID,
	}
	if ev.ID == "" {
		// Fall back to the transmission id so replay detection still works
		ev.ID = transmissionID
	}

	switch raw.EventType {
	case "PAYMENT.SALE.COMPLETED":
		if ev.SubscriptionID != "" {
			ev.Kind = KindSubscriptionPayment
		} else {
			ev.Kind = KindPaymentCompleted
		}
	case "PAYMENT.CAPTURE.COMPLETED", "CHECKOUT.ORDER.APPROVED":
		ev.Kind = KindPaymentCompleted
		if ev.OrderRef == "" {
			ev.OrderRef = raw.Resource.ID
		}
	case "PAYMENT.SALE.REFUNDED", "PAYMENT.CAPTURE.REFUNDED":
		ev.Kind = KindPaymentRefunded
	case "CUSTOMER.DISPUTE.CREATED":
		ev.Kind = KindDisputeOpened
	case "CUSTOMER.DISPUTE.RESOLVED":
		ev.Kind = KindDisputeResolved
	case "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.SUSPENDED":
		ev.Kind = KindSubscriptionCanceled
		if ev.SubscriptionID == "" {
			ev.SubscriptionID = raw.Resource.ID
		}
	}

	return ev, nil
}

func (v *PayPalVerifier) verify(ctx context.Context, req verifyRequest) (bool, error) {
	token, err := v.accessToken(ctx)
	if err != nil {
		return false, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("marshal verify request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		v.cfg.APIBase+"/v1/notifications/verify-webhook-signature", body)
	if err != nil {
		return false, fmt.Errorf("build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("call paypal verify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("paypal verify returned status %d", resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return false, fmt.Errorf("decode verify response: %w", err)
	}
	return vr.VerificationStatus == "SUCCESS", nil
}

func (v *PayPalVerifier) accessToken(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": []string{"client_credentials"}}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		v.cfg.APIBase+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(v.cfg.ClientID, v.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call paypal token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal token returned status %d", resp.StatusCode)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("paypal token response missing access_token")
	}
	return tr.AccessToken, nil
}
