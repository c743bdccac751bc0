package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// unknownPlaceholder is substituted for nil/empty inputs so callers never
// have to branch on missing machine data.
const unknownPlaceholder = "unknown"

// Hasher produces one-way digests of machine identifiers. The salt keys the
// HMAC; the same raw input always yields the same digest, which activation
// lookups rely on.
type Hasher struct {
	salt []byte
}

// NewHasher creates a Hasher keyed with salt
func NewHasher(salt string) *Hasher {
	return &Hasher{salt: []byte(salt)}
}

// HashMachineData returns a deterministic hex digest of a machine
// fingerprint or machine id. Empty input hashes the placeholder instead of
// failing.
func (h *Hasher) HashMachineData(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = unknownPlaceholder
	}
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashLicenseKeyForAudit creates a short hash for audit-trail correlation.
// The first 16 hex chars are enough to join records without exposing the key.
func HashLicenseKeyForAudit(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// MaskLicenseKey returns a display-safe fragment of a license key for logs
// and batch-result echoes. Never returns the full key.
func MaskLicenseKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskMachineData masks a machine identifier for activation history display
func MaskMachineData(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return unknownPlaceholder
	}
	if len(raw) <= 6 {
		return "******"
	}
	return raw[:6] + strings.Repeat("*", 6)
}
