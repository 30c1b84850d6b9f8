package models

import (
	"time"
)

// APIKey represents a client API key. The plaintext secret is never part of
// this struct; only its derived hashes are.
type APIKey struct {
	KID         string     `json:"kid" db:"kid"`
	OwnerUserID string     `json:"userId" db:"owner_user_id"`
	Name        *string    `json:"name,omitempty" db:"name"`
	Plan        PlanName   `json:"plan" db:"plan"`
	Enabled     bool       `json:"enabled" db:"enabled"`
	KeyPrefix   string     `json:"keyPrefix" db:"key_prefix"`
	LookupHash  string     `json:"-" db:"lookup_hash"`
	SecretHash  string     `json:"-" db:"secret_hash"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`
	RotatedAt   *time.Time `json:"rotatedAt,omitempty" db:"rotated_at"`
	DisabledAt  *time.Time `json:"disabledAt,omitempty" db:"disabled_at"`
}

// MaskedRef returns the opaque reference stored in usage logs.
func (k *APIKey) MaskedRef() string {
	return k.KeyPrefix + "…"
}

// IssuedKey is returned exactly once per key-material generation event.
type IssuedKey struct {
	KID    string `json:"kid"`
	APIKey string `json:"apiKey"`
}
