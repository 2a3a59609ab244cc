package identityd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// NewOpaqueToken returns a base64url-encoded random string of size bytes.
// Authorization codes and refresh tokens use 32 bytes (256 bits).
func NewOpaqueToken(size int) (string, error) {
	if size < 16 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("identityd: random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
