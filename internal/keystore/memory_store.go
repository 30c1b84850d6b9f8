package keystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/guardapi/guard/internal/models"
)

// MemoryStore is a single-process Store used in development and tests
type MemoryStore struct {
	mu     sync.RWMutex
	byKID  map[string]*models.APIKey
	byHash map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKID:  make(map[string]*models.APIKey),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneKey(key)
	s.byKID[key.KID] = stored
	s.byHash[key.LookupHash] = key.KID
	return nil
}

func (s *MemoryStore) GetByKID(ctx context.Context, kid string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byKID[kid]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return cloneKey(key), nil
}

func (s *MemoryStore) GetByLookupHash(ctx context.Context, lookupHash string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kid, ok := s.byHash[lookupHash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return cloneKey(s.byKID[kid]), nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerUserID string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []*models.APIKey
	for _, key := range s.byKID {
		if key.OwnerUserID == ownerUserID {
			keys = append(keys, cloneKey(key))
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].KID > keys[j].KID
		}
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *MemoryStore) CountEnabledByOwner(ctx context.Context, ownerUserID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, key := range s.byKID {
		if key.OwnerUserID == ownerUserID && key.Enabled {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReplaceSecret(ctx context.Context, kid string, upd SecretUpdate) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byKID[kid]
	if !ok {
		return "", ErrKeyNotFound
	}
	if !key.Enabled {
		return "", ErrKeyDisabled
	}

	previous := key.LookupHash
	delete(s.byHash, previous)

	key.KeyPrefix = upd.KeyPrefix
	key.LookupHash = upd.LookupHash
	key.SecretHash = upd.SecretHash
	if upd.Name != nil {
		name := *upd.Name
		key.Name = &name
	}
	rotatedAt := upd.RotatedAt
	key.RotatedAt = &rotatedAt
	s.byHash[upd.LookupHash] = kid

	return previous, nil
}

func (s *MemoryStore) Disable(ctx context.Context, kid string, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byKID[kid]
	if !ok {
		return "", ErrKeyNotFound
	}
	key.Enabled = false
	if key.DisabledAt == nil {
		disabledAt := at
		key.DisabledAt = &disabledAt
	}
	return key.LookupHash, nil
}

func (s *MemoryStore) SetPlan(ctx context.Context, kid string, plan models.PlanName) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byKID[kid]
	if !ok {
		return "", ErrKeyNotFound
	}
	key.Plan = plan
	return key.LookupHash, nil
}

func (s *MemoryStore) TouchLastSeen(ctx context.Context, seen map[string]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for kid, ts := range seen {
		key, ok := s.byKID[kid]
		if !ok {
			continue
		}
		if key.LastSeenAt == nil || ts.After(*key.LastSeenAt) {
			t := ts
			key.LastSeenAt = &t
		}
	}
	return nil
}

func (s *MemoryStore) ListKIDsByPlan(ctx context.Context, plan models.PlanName, afterKID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var kids []string
	for kid, key := range s.byKID {
		if key.Plan == plan && kid > afterKID {
			kids = append(kids, kid)
		}
	}
	sort.Strings(kids)
	if limit > 0 && len(kids) > limit {
		kids = kids[:limit]
	}
	return kids, nil
}

func cloneKey(k *models.APIKey) *models.APIKey {
	c := *k
	if k.Name != nil {
		name := *k.Name
		c.Name = &name
	}
	c.LastSeenAt = cloneTime(k.LastSeenAt)
	c.RotatedAt = cloneTime(k.RotatedAt)
	c.DisabledAt = cloneTime(k.DisabledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
