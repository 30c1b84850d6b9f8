package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guardapi/guard/internal/cache"
	"github.com/guardapi/guard/internal/models"
	"github.com/redis/go-redis/v9"
)

// tombstone marks a lookup hash whose record must be read from the store
const tombstone = "-"

// ResolveCache caches resolved key records by lookup hash.
//
// Populate only writes when nothing (not even a tombstone) is present, and
// Invalidate writes a tombstone that outlives any populate TTL. A resolve that
// read the store before a disable therefore cannot re-cache the stale record.
// Replace refreshes a still-valid hash in place and leaves tombstones alone.
type ResolveCache interface {
	// Get returns the cached record; ok is false on a miss or tombstone
	Get(ctx context.Context, lookupHash string) (key *models.APIKey, ok bool, err error)
	// Populate stores key unless an entry or tombstone exists
	Populate(ctx context.Context, key *models.APIKey) error
	// Replace stores key over any live record, but not over a tombstone
	Replace(ctx context.Context, key *models.APIKey) error
	// Invalidate replaces any entry with a tombstone
	Invalidate(ctx context.Context, lookupHash string) error
}

// replaceScript overwrites a resolve entry unless it holds a tombstone
var replaceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[2] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// cachedKey is the serialized cache form; unlike the API form it keeps the lookup hash
type cachedKey struct {
	KID         string          `json:"kid"`
	OwnerUserID string          `json:"owner"`
	Name        *string         `json:"name,omitempty"`
	Plan        models.PlanName `json:"plan"`
	Enabled     bool            `json:"enabled"`
	KeyPrefix   string          `json:"prefix"`
	LookupHash  string          `json:"lookup"`
	CreatedAt   time.Time       `json:"created"`
	DisabledAt  *time.Time      `json:"disabled,omitempty"`
}

func toCached(k *models.APIKey) cachedKey {
	return cachedKey{
		KID:         k.KID,
		OwnerUserID: k.OwnerUserID,
		Name:        k.Name,
		Plan:        k.Plan,
		Enabled:     k.Enabled,
		KeyPrefix:   k.KeyPrefix,
		LookupHash:  k.LookupHash,
		CreatedAt:   k.CreatedAt,
		DisabledAt:  k.DisabledAt,
	}
}

func (c cachedKey) toKey() *models.APIKey {
	return &models.APIKey{
		KID:         c.KID,
		OwnerUserID: c.OwnerUserID,
		Name:        c.Name,
		Plan:        c.Plan,
		Enabled:     c.Enabled,
		KeyPrefix:   c.KeyPrefix,
		LookupHash:  c.LookupHash,
		CreatedAt:   c.CreatedAt,
		DisabledAt:  c.DisabledAt,
	}
}

// RedisResolveCache shares resolved records across Guard instances
type RedisResolveCache struct {
	client       *redis.Client
	ttl          time.Duration
	tombstoneTTL time.Duration
}

// NewRedisResolveCache creates a Redis-backed resolve cache
func NewRedisResolveCache(client *redis.Client, ttl time.Duration) *RedisResolveCache {
	return &RedisResolveCache{client: client, ttl: ttl, tombstoneTTL: 2 * ttl}
}

func (c *RedisResolveCache) Get(ctx context.Context, lookupHash string) (*models.APIKey, bool, error) {
	raw, err := c.client.Get(ctx, cache.ResolveKey(lookupHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolve cache get: %w", err)
	}
	if raw == tombstone {
		return nil, false, nil
	}

	var entry cachedKey
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, nil
	}
	return entry.toKey(), true, nil
}

func (c *RedisResolveCache) Populate(ctx context.Context, key *models.APIKey) error {
	data, err := json.Marshal(toCached(key))
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.SetNX(ctx, cache.ResolveKey(key.LookupHash), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("resolve cache populate: %w", err)
	}
	return nil
}

func (c *RedisResolveCache) Replace(ctx context.Context, key *models.APIKey) error {
	data, err := json.Marshal(toCached(key))
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	err = replaceScript.Run(ctx, c.client, []string{cache.ResolveKey(key.LookupHash)},
		string(data), tombstone, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("resolve cache replace: %w", err)
	}
	return nil
}

func (c *RedisResolveCache) Invalidate(ctx context.Context, lookupHash string) error {
	if err := c.client.Set(ctx, cache.ResolveKey(lookupHash), tombstone, c.tombstoneTTL).Err(); err != nil {
		return fmt.Errorf("resolve cache invalidate: %w", err)
	}
	return nil
}

// pruneEvery is how many writes a MemoryResolveCache takes between sweeps
const pruneEvery = 256

// MemoryResolveCache is a process-local resolve cache. Expired entries are
// swept every pruneEvery writes.
type MemoryResolveCache struct {
	mu           sync.Mutex
	entries      map[string]memoryEntry
	writes       int
	ttl          time.Duration
	tombstoneTTL time.Duration
	now          func() time.Time
}

type memoryEntry struct {
	key       *models.APIKey
	expiresAt time.Time
}

// NewMemoryResolveCache creates an in-memory resolve cache
func NewMemoryResolveCache(ttl time.Duration) *MemoryResolveCache {
	return &MemoryResolveCache{
		entries:      make(map[string]memoryEntry),
		ttl:          ttl,
		tombstoneTTL: 2 * ttl,
		now:          time.Now,
	}
}

func (c *MemoryResolveCache) Get(ctx context.Context, lookupHash string) (*models.APIKey, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(lookupHash)
	if !ok || e.key == nil {
		return nil, false, nil
	}
	return cloneKey(e.key), true, nil
}

func (c *MemoryResolveCache) Populate(ctx context.Context, key *models.APIKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.live(key.LookupHash); ok {
		return nil
	}
	c.entries[key.LookupHash] = memoryEntry{key: cloneKey(key), expiresAt: c.now().Add(c.ttl)}
	c.wrote()
	return nil
}

func (c *MemoryResolveCache) Replace(ctx context.Context, key *models.APIKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.live(key.LookupHash); ok && e.key == nil {
		return nil
	}
	c.entries[key.LookupHash] = memoryEntry{key: cloneKey(key), expiresAt: c.now().Add(c.ttl)}
	c.wrote()
	return nil
}

func (c *MemoryResolveCache) Invalidate(ctx context.Context, lookupHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[lookupHash] = memoryEntry{expiresAt: c.now().Add(c.tombstoneTTL)}
	c.wrote()
	return nil
}

// Prune drops expired entries and tombstones and returns how many were removed
func (c *MemoryResolveCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prune()
}

// wrote counts a write and sweeps when due. Callers hold mu.
func (c *MemoryResolveCache) wrote() {
	c.writes++
	if c.writes%pruneEvery == 0 {
		c.prune()
	}
}

func (c *MemoryResolveCache) prune() int {
	now := c.now()
	removed := 0
	for hash, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, hash)
			removed++
		}
	}
	return removed
}

// live returns the unexpired entry for lookupHash. Callers hold mu.
func (c *MemoryResolveCache) live(lookupHash string) (memoryEntry, bool) {
	e, ok := c.entries[lookupHash]
	if !ok {
		return memoryEntry{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, lookupHash)
		return memoryEntry{}, false
	}
	return e, true
}

// noopResolveCache disables caching
type noopResolveCache struct{}

// NoopResolveCache returns a cache that never stores anything
func NoopResolveCache() ResolveCache { return noopResolveCache{} }

func (noopResolveCache) Get(context.Context, string) (*models.APIKey, bool, error) {
	return nil, false, nil
}
func (noopResolveCache) Populate(context.Context, *models.APIKey) error { return nil }
func (noopResolveCache) Replace(context.Context, *models.APIKey) error  { return nil }
func (noopResolveCache) Invalidate(context.Context, string) error       { return nil }
