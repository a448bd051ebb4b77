// Package auth implements the gateway's JWT Verifier.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// TokenHasher provides fast, constant-time-comparison hashing for
// high-frequency, FD-scoped secrets: device fingerprints and the SYSTEM
// pre-shared key. There is no long-lived, database-stored API token concept
// here, so the bcrypt path the hasher used to carry has no caller left.
type TokenHasher struct{}

func NewTokenHasher() *TokenHasher { return &TokenHasher{} }

// HashDeviceFingerprint reduces an arbitrary client-supplied fingerprint
// string to the fixed 32-hex-char device_hash column AuthEntry stores.
func (t *TokenHasher) HashDeviceFingerprint(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return fmt.Sprintf("%x", sum)[:32]
}

// GenerateRandomHex returns n bytes of crypto/rand encoded as hex.
func (t *TokenHasher) GenerateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}

// GenerateRandomToken returns n bytes of crypto/rand as a URL-safe base64
// token.
func (t *TokenHasher) GenerateRandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// ConstantTimeEqual compares a and b without leaking timing information,
// used for the SYSTEM route's X-System-Key check (spec.md §4.4).
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
