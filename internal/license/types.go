package license

import "time"

// Stored lifecycle statuses. Expired is derived, never written.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
	StatusExpired   = "expired"
)

// Status is a point-in-time summary of one license
type Status struct {
	Key             string  `json:"license_key"`
	EffectiveStatus string  `json:"status"`
	CustomerEmail   string  `json:"customer_email,omitempty"`
	ProductRef      string  `json:"product_ref,omitempty"`
	ActivationCount int     `json:"activation_count"`
	MaxActivations  int     `json:"max_activations"`
	ExpiresAt       *string `json:"expires_at,omitempty"`
	DaysLeft        *int    `json:"days_left,omitempty"`
}

// IssueParams describes a license to create, typically from a paid order.
// ValidFor of zero issues a perpetual license. A non-empty SubscriptionID
// links a provider subscription atomically with the license.
type IssueParams struct {
	CustomerEmail        string
	ProductRef           string
	OrderRef             string
	MaxActivations       int
	ValidFor             time.Duration
	SubscriptionID       string
	SubscriptionProvider string
}
