package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

const (
	// SecretPrefix marks Guard client secrets
	SecretPrefix = "guard_"
	// secretBytes is the amount of randomness behind each secret
	secretBytes = 32
	// displayPrefixLen is the number of leading characters kept for display
	displayPrefixLen = 12
)

// secretMaterial is everything derived from a freshly generated secret
type secretMaterial struct {
	secret     string
	prefix     string
	lookupHash string
	secretHash string
}

// generateSecret creates a new random secret and its derived hashes
func generateSecret(params *argon2id.Params) (*secretMaterial, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}

	secret := SecretPrefix + hex.EncodeToString(raw)

	secretHash, err := argon2id.CreateHash(secret, params)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}

	return &secretMaterial{
		secret:     secret,
		prefix:     secret[:displayPrefixLen],
		lookupHash: lookupHash(secret),
		secretHash: secretHash,
	}, nil
}

// lookupHash returns the indexed SHA-256 digest of a secret
func lookupHash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// digestEqual compares two hex digests in constant time
func digestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// verifySecret checks secret against its argon2id encoding
func verifySecret(secret, encoded string) bool {
	match, err := argon2id.ComparePasswordAndHash(secret, encoded)
	return err == nil && match
}

// wellFormed reports whether s could be a Guard secret at all
func wellFormed(s string) bool {
	if !strings.HasPrefix(s, SecretPrefix) || len(s) != len(SecretPrefix)+2*secretBytes {
		return false
	}
	_, err := hex.DecodeString(s[len(SecretPrefix):])
	return err == nil
}
