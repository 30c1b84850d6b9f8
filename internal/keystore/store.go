package keystore

import (
	"context"
	"errors"
	"time"

	"github.com/guardapi/guard/internal/models"
)

// Service errors
var (
	ErrKeyNotFound    = errors.New("API key not found")
	ErrKeyDisabled    = errors.New("API key is disabled")
	ErrKeyNotOwned    = errors.New("API key does not belong to user")
	ErrOwnerRequired  = errors.New("owner user id is required")
	ErrMaxKeysReached = errors.New("maximum number of API keys reached")
	ErrInvalidPlan    = errors.New("unknown plan")
)

// SecretUpdate carries replacement secret material for a rotation
type SecretUpdate struct {
	KeyPrefix  string
	LookupHash string
	SecretHash string
	Name       *string
	RotatedAt  time.Time
}

// Store persists API key records
type Store interface {
	// Insert stores a new record
	Insert(ctx context.Context, key *models.APIKey) error
	// GetByKID returns the record with the given kid or ErrKeyNotFound
	GetByKID(ctx context.Context, kid string) (*models.APIKey, error)
	// GetByLookupHash returns the record whose current secret hashes to lookupHash
	GetByLookupHash(ctx context.Context, lookupHash string) (*models.APIKey, error)
	// ListByOwner returns the owner's keys, newest first
	ListByOwner(ctx context.Context, ownerUserID string) ([]*models.APIKey, error)
	// CountEnabledByOwner counts the owner's enabled keys
	CountEnabledByOwner(ctx context.Context, ownerUserID string) (int, error)
	// ReplaceSecret swaps the secret material of an enabled key in one step and
	// returns the lookup hash it replaced. Disabled keys yield ErrKeyDisabled.
	ReplaceSecret(ctx context.Context, kid string, upd SecretUpdate) (string, error)
	// Disable marks the key disabled; disabling twice keeps the first timestamp.
	// Returns the current lookup hash.
	Disable(ctx context.Context, kid string, at time.Time) (string, error)
	// SetPlan changes the plan and returns the current lookup hash
	SetPlan(ctx context.Context, kid string, plan models.PlanName) (string, error)
	// TouchLastSeen advances last_seen_at for each kid, never moving it backwards
	TouchLastSeen(ctx context.Context, seen map[string]time.Time) error
	// ListKIDsByPlan pages kids on plan in kid order, starting after afterKID
	ListKIDsByPlan(ctx context.Context, plan models.PlanName, afterKID string, limit int) ([]string, error)
}
