package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/guardapi/guard/internal/models"
	"github.com/guardapi/guard/internal/monitoring"
	"github.com/rs/zerolog/log"
)

// DefaultMaxKeysPerOwner is the number of enabled keys an owner may hold
const DefaultMaxKeysPerOwner = 10

// Options configures a Service
type Options struct {
	MaxPerOwner int
	Hash        *argon2id.Params
	Plans       models.PlanCatalog
	Now         func() time.Time
}

// Service handles API key lifecycle and secret resolution
type Service struct {
	store Store
	cache ResolveCache
	opts  Options

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewService creates a new key service
func NewService(store Store, cache ResolveCache, opts Options) *Service {
	if cache == nil {
		cache = NoopResolveCache()
	}
	if opts.MaxPerOwner <= 0 {
		opts.MaxPerOwner = DefaultMaxKeysPerOwner
	}
	if opts.Hash == nil {
		opts.Hash = argon2id.DefaultParams
	}
	if opts.Plans == nil {
		opts.Plans = models.DefaultPlans()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store: store,
		cache: cache,
		opts:  opts,
		seen:  make(map[string]time.Time),
	}
}

// Create issues a new free-plan key for ownerUserID. The secret is returned
// only here and from Rotate.
func (s *Service) Create(ctx context.Context, ownerUserID string, name *string) (*models.IssuedKey, error) {
	ownerUserID = strings.TrimSpace(ownerUserID)
	if ownerUserID == "" {
		return nil, ErrOwnerRequired
	}

	count, err := s.store.CountEnabledByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}
	if count >= s.opts.MaxPerOwner {
		return nil, ErrMaxKeysReached
	}

	material, err := generateSecret(s.opts.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to generate API key: %w", err)
	}

	key := &models.APIKey{
		KID:         uuid.New().String(),
		OwnerUserID: ownerUserID,
		Name:        normalizeName(name),
		Plan:        models.PlanFree,
		Enabled:     true,
		KeyPrefix:   material.prefix,
		LookupHash:  material.lookupHash,
		SecretHash:  material.secretHash,
		CreatedAt:   s.opts.Now().UTC(),
	}
	if err := s.store.Insert(ctx, key); err != nil {
		return nil, err
	}

	monitoring.RecordKeyEvent("created")
	log.Info().
		Str("kid", key.KID).
		Str("owner", ownerUserID).
		Str("key_prefix", key.KeyPrefix).
		Msg("API key created")

	return &models.IssuedKey{KID: key.KID, APIKey: material.secret}, nil
}

// Rotate replaces the secret of an enabled key. The previous secret stops
// resolving before Rotate returns.
func (s *Service) Rotate(ctx context.Context, kid, ownerUserID string, name *string) (*models.IssuedKey, error) {
	key, err := s.store.GetByKID(ctx, kid)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(key, ownerUserID); err != nil {
		return nil, err
	}
	if !key.Enabled {
		return nil, ErrKeyDisabled
	}

	material, err := generateSecret(s.opts.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to generate API key: %w", err)
	}

	previous, err := s.store.ReplaceSecret(ctx, kid, SecretUpdate{
		KeyPrefix:  material.prefix,
		LookupHash: material.lookupHash,
		SecretHash: material.secretHash,
		Name:       normalizeName(name),
		RotatedAt:  s.opts.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if err := s.cache.Invalidate(ctx, previous); err != nil {
		return nil, fmt.Errorf("failed to invalidate rotated key: %w", err)
	}

	monitoring.RecordKeyEvent("rotated")
	log.Info().Str("kid", kid).Str("key_prefix", material.prefix).Msg("API key rotated")

	return &models.IssuedKey{KID: kid, APIKey: material.secret}, nil
}

// Disable permanently disables a key. Disabling an already disabled key succeeds.
func (s *Service) Disable(ctx context.Context, kid, ownerUserID string) error {
	key, err := s.store.GetByKID(ctx, kid)
	if err != nil {
		return err
	}
	if err := checkOwner(key, ownerUserID); err != nil {
		return err
	}

	hash, err := s.store.Disable(ctx, kid, s.opts.Now().UTC())
	if err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, hash); err != nil {
		return fmt.Errorf("failed to invalidate disabled key: %w", err)
	}

	if key.Enabled {
		monitoring.RecordKeyEvent("disabled")
		log.Info().Str("kid", kid).Msg("API key disabled")
	}
	return nil
}

// SetPlan moves a key to another plan. The secret is unchanged, so the cached
// record is refreshed in place rather than tombstoned.
func (s *Service) SetPlan(ctx context.Context, kid string, plan models.PlanName) error {
	if _, err := s.opts.Plans.Get(plan); err != nil {
		return ErrInvalidPlan
	}

	hash, err := s.store.SetPlan(ctx, kid, plan)
	if err != nil {
		return err
	}
	key, err := s.store.GetByKID(ctx, kid)
	if err == nil && key.LookupHash == hash {
		err = s.cache.Replace(ctx, key)
	}
	if err != nil {
		if ierr := s.cache.Invalidate(ctx, hash); ierr != nil {
			return fmt.Errorf("failed to invalidate key after plan change: %w", ierr)
		}
	}

	monitoring.RecordKeyEvent("plan_changed")
	log.Info().Str("kid", kid).Str("plan", string(plan)).Msg("API key plan changed")
	return nil
}

// Resolve maps a presented secret to its key record. Unknown, malformed and
// superseded secrets all yield ErrKeyNotFound.
func (s *Service) Resolve(ctx context.Context, secret string) (*models.APIKey, error) {
	if !wellFormed(secret) {
		return nil, ErrKeyNotFound
	}
	hash := lookupHash(secret)

	cached, ok, err := s.cache.Get(ctx, hash)
	if err != nil {
		log.Warn().Err(err).Msg("Resolve cache unavailable, reading store")
	} else if ok && digestEqual(cached.LookupHash, hash) {
		monitoring.RecordCacheHit("resolve")
		return cached, nil
	}
	monitoring.RecordCacheMiss("resolve")

	key, err := s.store.GetByLookupHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !verifySecret(secret, key.SecretHash) {
		return nil, ErrKeyNotFound
	}

	if err := s.cache.Populate(ctx, key); err != nil {
		log.Warn().Err(err).Str("kid", key.KID).Msg("Failed to populate resolve cache")
	}
	return key, nil
}

// Get returns a key by kid
func (s *Service) Get(ctx context.Context, kid string) (*models.APIKey, error) {
	key, err := s.store.GetByKID(ctx, kid)
	if err != nil {
		return nil, err
	}
	s.overlaySeen(key)
	return key, nil
}

// List returns the owner's keys without secret material
func (s *Service) List(ctx context.Context, ownerUserID string) ([]*models.APIKey, error) {
	ownerUserID = strings.TrimSpace(ownerUserID)
	if ownerUserID == "" {
		return nil, ErrOwnerRequired
	}

	keys, err := s.store.ListByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		s.overlaySeen(key)
	}
	return keys, nil
}

// ListKIDsByPlan pages kids on a plan for maintenance jobs
func (s *Service) ListKIDsByPlan(ctx context.Context, plan models.PlanName, afterKID string, limit int) ([]string, error) {
	return s.store.ListKIDsByPlan(ctx, plan, afterKID, limit)
}

// Touch records that kid was seen at ts. Writes are coalesced until the next flush.
func (s *Service) Touch(kid string, ts time.Time) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	if prev, ok := s.seen[kid]; !ok || ts.After(prev) {
		s.seen[kid] = ts
	}
}

// FlushLastSeen persists pending Touch calls
func (s *Service) FlushLastSeen(ctx context.Context) error {
	s.seenMu.Lock()
	pending := s.seen
	s.seen = make(map[string]time.Time)
	s.seenMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := s.store.TouchLastSeen(ctx, pending); err != nil {
		// Put the batch back; newer touches win.
		s.seenMu.Lock()
		for kid, ts := range pending {
			if prev, ok := s.seen[kid]; !ok || ts.After(prev) {
				s.seen[kid] = ts
			}
		}
		s.seenMu.Unlock()
		return err
	}
	return nil
}

// Run flushes last-seen timestamps every interval until ctx is done, then
// performs a final flush
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.FlushLastSeen(flushCtx); err != nil {
				log.Error().Err(err).Msg("Final last-seen flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.FlushLastSeen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("Last-seen flush failed")
			}
		}
	}
}

func (s *Service) overlaySeen(key *models.APIKey) {
	s.seenMu.Lock()
	ts, ok := s.seen[key.KID]
	s.seenMu.Unlock()

	if ok && (key.LastSeenAt == nil || ts.After(*key.LastSeenAt)) {
		t := ts
		key.LastSeenAt = &t
	}
}

func checkOwner(key *models.APIKey, ownerUserID string) error {
	ownerUserID = strings.TrimSpace(ownerUserID)
	if ownerUserID != "" && key.OwnerUserID != ownerUserID {
		return ErrKeyNotOwned
	}
	return nil
}

func normalizeName(name *string) *string {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
