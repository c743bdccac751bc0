package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashMachineDataDeterministic(t *testing.T) {
	h := NewHasher("test-salt")

	a := h.HashMachineData("fingerprint-abc")
	b := h.HashMachineData("fingerprint-abc")
	c := h.HashMachineData("fingerprint-xyz")

	assert.Equal(t, a, b, "same input must produce same digest")
	assert.NotEqual(t, a, c, "different inputs must produce different digests")
	assert.NotEqual(t, "fingerprint-abc", a, "digest must not equal input")
	assert.Len(t, a, 64)
}

func TestHashMachineDataSaltChangesDigest(t *testing.T) {
	a := NewHasher("salt-one").HashMachineData("fingerprint-abc")
	b := NewHasher("salt-two").HashMachineData("fingerprint-abc")
	assert.NotEqual(t, a, b)
}

func TestHashMachineDataEmptyInput(t *testing.T) {
	h := NewHasher("test-salt")

	digest := h.HashMachineData("")
	assert.NotEmpty(t, digest, "empty input hashes the placeholder, never fails")
	assert.Equal(t, h.HashMachineData("unknown"), digest)
	assert.Equal(t, digest, h.HashMachineData("   "))
}

func TestMaskLicenseKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"standard key", "KM-AB12-CD34-EF56-GH78", "KM-A****GH78"},
		{"short key", "KM-1234", "****"},
		{"empty key", "", "****"},
		{"exactly eight chars", "ABCDEFGH", "****"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaskLicenseKey(tt.key)
			assert.Equal(t, tt.want, got)
			if len(tt.key) > 0 {
				assert.NotEqual(t, tt.key, got, "mask must never echo the full key")
			}
		})
	}
}

func TestMaskMachineData(t *testing.T) {
	assert.Equal(t, "unknown", MaskMachineData(""))
	assert.Equal(t, "******", MaskMachineData("abc"))
	assert.Equal(t, "abcdef******", MaskMachineData("abcdef0123456789"))
}

func TestHashLicenseKeyForAudit(t *testing.T) {
	assert.Empty(t, HashLicenseKeyForAudit(""))
	h := HashLicenseKeyForAudit("KM-AB12-CD34-EF56-GH78")
	assert.Len(t, h, 16)
	assert.Equal(t, h, HashLicenseKeyForAudit("KM-AB12-CD34-EF56-GH78"))
}

func TestIsValidLicenseKeyFormat(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"dashed scratch card", "KM-AB12-CD34-EF56-GH78", true},
		{"lowercase accepted", "km-ab12-cd34-ef56-gh78", true},
		{"dashless form", "KMAB12CD34EF56GH78", true},
		{"wrong prefix", "XX-AB12-CD34-EF56-GH78", false},
		{"short segment", "KM-AB1-CD34-EF56-GH78", false},
		{"too few segments", "KM-AB12-CD34-EF56", false},
		{"invalid characters", "KM-AB!2-CD34-EF56-GH78", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidLicenseKeyFormat(tt.key))
		})
	}
}

func TestNormalizeLicenseKey(t *testing.T) {
	assert.Equal(t, "KMAB12CD34EF56GH78", NormalizeLicenseKey("km-ab12-cd34-ef56-gh78"))
	assert.Equal(t, "KMAB12CD34EF56GH78", NormalizeLicenseKey("  KMAB12CD34EF56GH78  "))
}
