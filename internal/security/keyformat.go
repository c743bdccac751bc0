package security

import "strings"

// License keys are issued in scratch-card format: KM-XXXX-XXXX-XXXX-XXXX.
// Dashes are optional on input; NormalizeLicenseKey strips them so lookups
// are format-insensitive.

// NormalizeLicenseKey uppercases and strips dashes/whitespace from a key
func NormalizeLicenseKey(key string) string {
	key = strings.ToUpper(strings.TrimSpace(key))
	return strings.ReplaceAll(key, "-", "")
}

// IsValidLicenseKeyFormat reports whether key matches the issued format,
// with or without dashes.
func IsValidLicenseKeyFormat(key string) bool {
	upper := strings.ToUpper(strings.TrimSpace(key))

	if strings.Contains(upper, "-") {
		parts := strings.Split(upper, "-")
		if len(parts) != 5 || parts[0] != "KM" {
			return false
		}
		for i := 1; i < 5; i++ {
			if len(parts[i]) != 4 || !isAlnumUpper(parts[i]) {
				return false
			}
		}
		return true
	}

	// Dashless form: KM + 16 alphanumeric characters
	if len(upper) != 18 || !strings.HasPrefix(upper, "KM") {
		return false
	}
	return isAlnumUpper(upper[2:])
}

func isAlnumUpper(s string) bool {
	for _, ch := range s {
		if !((ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')) {
			return false
		}
	}
	return true
}
