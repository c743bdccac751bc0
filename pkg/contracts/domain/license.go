// Package domain contains the request and response types of the license API.
// These types are the single source of truth shared by handlers, services
// and API clients.
package domain

import "time"

// ValidateRequest checks whether a license key is currently usable. The
// machine fields are optional; when present, validation also requires an
// active activation for that machine.
type ValidateRequest struct {
	LicenseKey         string `json:"license_key" validate:"required,min=10,max=64"`
	MachineFingerprint string `json:"machine_fingerprint,omitempty" validate:"omitempty,min=8,max=256"`
	MachineID          string `json:"machine_id,omitempty" validate:"omitempty,max=256"`
}

// ValidateResponse reports the outcome of a validation check
type ValidateResponse struct {
	Valid      bool       `json:"valid"`
	Status     string     `json:"status"`
	ProductRef string     `json:"product_ref,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	DaysLeft   *int       `json:"days_left,omitempty"`
	CheckedAt  time.Time  `json:"checked_at"`
}

// ActivateRequest binds a machine to a license
type ActivateRequest struct {
	LicenseKey         string `json:"license_key" validate:"required,min=10,max=64"`
	MachineFingerprint string `json:"machine_fingerprint" validate:"required,min=8,max=256"`
	MachineID          string `json:"machine_id,omitempty" validate:"omitempty,max=256"`
}

// ActivateResponse reports the activation outcome and remaining capacity
type ActivateResponse struct {
	Activated       bool      `json:"activated"`
	AlreadyActive   bool      `json:"already_active"`
	ActivationCount int       `json:"activation_count"`
	MaxActivations  int       `json:"max_activations"`
	ActivatedAt     time.Time `json:"activated_at"`
}

// DeactivateRequest releases a machine binding
type DeactivateRequest struct {
	LicenseKey         string `json:"license_key" validate:"required,min=10,max=64"`
	MachineFingerprint string `json:"machine_fingerprint" validate:"required,min=8,max=256"`
	MachineID          string `json:"machine_id,omitempty" validate:"omitempty,max=256"`
}

// DeactivateResponse confirms a released binding
type DeactivateResponse struct {
	Deactivated     bool `json:"deactivated"`
	ActivationCount int  `json:"activation_count"`
	MaxActivations  int  `json:"max_activations"`
}

// TokenResponse carries a short-lived signed token proving a validation
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
}

// ActivationRecord is one entry of the activation history. Machine data is
// masked; raw identifiers never leave the server.
type ActivationRecord struct {
	MachineFingerprint string     `json:"machine_fingerprint"`
	Active             bool       `json:"active"`
	Revoked            bool       `json:"revoked"`
	ActivatedAt        time.Time  `json:"activated_at"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
}

// ActivationHistoryResponse lists recent activations for a license
type ActivationHistoryResponse struct {
	LicenseKey  string             `json:"license_key"`
	Activations []ActivationRecord `json:"activations"`
	Count       int                `json:"count"`
}
