package webhook

import (
	"crypto/subtle"
	"fmt"
)

// Verifier checks a caller supplied credential
type Verifier interface {
	Verify(candidate string) bool
}

// SecretVerifier compares against a configured shared secret in constant time
type SecretVerifier struct {
	secret []byte
}

// NewSecretVerifier creates verifier instance
func NewSecretVerifier(secret string) (*SecretVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("no secret")
	}
	return &SecretVerifier{secret: []byte(secret)}, nil
}

// Verify compares the candidate to the secret without leaking timing.
// A length mismatch fails without a value comparison.
func (v *SecretVerifier) Verify(candidate string) bool {
	cb := []byte(candidate)
	if len(cb) != len(v.secret) {
		return false
	}
	return subtle.ConstantTimeCompare(cb, v.secret) == 1
}
