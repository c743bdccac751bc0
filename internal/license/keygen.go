package license

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// keyCharset omits letters easily confused with digits when a customer types
// a key from an email (I, L, O and the digits 0 and 1).
const keyCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateKey returns a fresh license key in scratch-card format:
// KM-XXXX-XXXX-XXXX-XXXX.
func GenerateKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate license key: %w", err)
	}

	var b strings.Builder
	b.WriteString("KM")
	for i, by := range buf {
		if i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(keyCharset[int(by)%len(keyCharset)])
	}
	return b.String(), nil
}
