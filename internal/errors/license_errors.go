package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// License-domain sentinel errors. Expected outcomes of the validation and
// activation flows; mapped to HTTP statuses by MapLicenseError and never
// logged as crashes.
var (
	ErrLicenseNotFound         = errors.New("license not found")
	ErrLicenseExpired          = errors.New("license expired")
	ErrLicenseSuspended        = errors.New("license suspended")
	ErrLicenseRevoked          = errors.New("license revoked")
	ErrInvalidLicenseFormat    = errors.New("invalid license key format")
	ErrActivationNotFound      = errors.New("activation not found")
	ErrActivationLimitExceeded = errors.New("activation limit exceeded")
	ErrInvalidTransition       = errors.New("invalid license state transition")
	ErrRateLimited             = errors.New("rate limited")
	ErrSignatureInvalid        = errors.New("webhook signature invalid")
	ErrSubscriptionNotFound    = errors.New("subscription not found")
	ErrTokenSigning            = errors.New("token signing failed")
	ErrTokenInvalid            = errors.New("token invalid or expired")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError translates a license-domain error into ProblemDetails.
// Unknown errors map to a generic internal error: no internals leak to the
// caller.
func MapLicenseError(err error, instance, traceID string) *ProblemDetails {
	var pd *ProblemDetails

	switch {
	case errors.Is(err, ErrLicenseNotFound):
		pd = NewProblemDetails(http.StatusNotFound,
			"/errors/license-not-found", "License Not Found",
			"No license exists for the supplied key.", instance)
	case errors.Is(err, ErrLicenseExpired):
		pd = NewProblemDetails(http.StatusForbidden,
			"/errors/license-expired", "License Expired",
			"This license has expired. Renew it to continue.", instance)
	case errors.Is(err, ErrLicenseSuspended):
		pd = NewProblemDetails(http.StatusForbidden,
			"/errors/license-suspended", "License Suspended",
			"This license is suspended. Contact support for assistance.", instance)
	case errors.Is(err, ErrLicenseRevoked):
		pd = NewProblemDetails(http.StatusForbidden,
			"/errors/license-revoked", "License Revoked",
			"This license has been revoked and can no longer be used.", instance)
	case errors.Is(err, ErrInvalidLicenseFormat):
		pd = NewProblemDetails(http.StatusBadRequest,
			"/errors/invalid-license-format", "Invalid License Format",
			"License key must be in format: KM-XXXX-XXXX-XXXX-XXXX", instance).
			WithExtension("expected_format", "KM-XXXX-XXXX-XXXX-XXXX")
	case errors.Is(err, ErrActivationNotFound):
		pd = NewProblemDetails(http.StatusNotFound,
			"/errors/activation-not-found", "Activation Not Found",
			"No active machine binding matches the supplied identifiers.", instance)
	case errors.Is(err, ErrActivationLimitExceeded):
		pd = NewProblemDetails(http.StatusConflict,
			"/errors/activation-limit", "Activation Limit Exceeded",
			"This license has reached its maximum number of machine activations.", instance)
	case errors.Is(err, ErrInvalidTransition):
		pd = NewProblemDetails(http.StatusConflict,
			"/errors/invalid-transition", "Invalid State Transition",
			"The requested operation is not allowed in the license's current state.", instance)
	case errors.Is(err, ErrRateLimited):
		pd = NewProblemDetails(http.StatusTooManyRequests,
			"/errors/rate-limited", "Too Many Requests",
			"Too many license operations. Please wait before trying again.", instance)
	case errors.Is(err, ErrSignatureInvalid):
		pd = NewProblemDetails(http.StatusBadRequest,
			"/errors/signature-invalid", "Signature Verification Failed",
			"The webhook signature could not be verified.", instance)
	case errors.Is(err, ErrTokenInvalid):
		pd = NewProblemDetails(http.StatusUnauthorized,
			"/errors/token-invalid", "Token Invalid",
			"The validation token is invalid or has expired.", instance)
	default:
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
			pd = NewProblemDetails(apiErr.StatusCode,
				"/errors/invalid-request", apiErr.Message,
				fmt.Sprintf("%v", apiErr.Details), instance)
			break
		}
		pd = NewProblemDetails(http.StatusInternalServerError,
			"/errors/internal", "Internal Server Error",
			"An unexpected error occurred while processing the request.", instance)
	}

	return pd.
		WithExtension("trace_id", traceID).
		WithExtension("timestamp", time.Now().UTC().Format(time.RFC3339))
}
