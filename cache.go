package rbac

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// DECISION CACHE
// ============================================================================

// DecisionCache stores recent decisions. Purge must drop every entry written
// before it returns.
type DecisionCache interface {
	Get(ctx context.Context, key string) (*AccessCheckResult, bool, error)
	Set(ctx context.Context, key string, res *AccessCheckResult, ttl time.Duration) error
	Purge(ctx context.Context) error
}

// Cache backends selectable through configuration.
const (
	CacheMemory    = "memory"
	CacheRistretto = "ristretto"
	CacheNone      = "none"
)

func newConfiguredCache(cfg RBACConfig) (DecisionCache, error) {
	switch cfg.CacheBackend {
	case "", CacheMemory:
		return NewMemoryDecisionCache(), nil
	case CacheRistretto:
		return NewRistrettoDecisionCache(cfg.Ristretto)
	case CacheNone:
		return NoopDecisionCache{}, nil
	}
	return nil, &ValidationError{Field: "cache_backend", Message: fmt.Sprintf("unknown backend %q", cfg.CacheBackend)}
}

// decisionKey is principal|code|context hash|minute bucket.
func decisionKey(principal Principal, code string, ac AccessContext, at time.Time) string {
	bucket := at.Unix() / 60
	return principal.Key() + "|" + code + "|" + strconv.FormatUint(contextHash(ac), 16) + "|" + strconv.FormatInt(bucket, 10)
}

// contextHash fingerprints the request attributes other than the time.
func contextHash(ac AccessContext) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(ac.IP.String())
	_, _ = h.WriteString("\x00" + ac.Location + "\x00" + ac.Device + "\x00")
	var buf [9]byte
	if ac.MFAVerified {
		buf[0] = 1
	}
	if !ac.SessionStarted.IsZero() {
		binary.LittleEndian.PutUint64(buf[1:], uint64(ac.SessionStarted.Unix()))
	}
	_, _ = h.Write(buf[:])
	// encoding/json sorts map keys, which makes the encoding canonical.
	if len(ac.Resource) > 0 {
		b, _ := json.Marshal(ac.Resource)
		_, _ = h.Write(b)
	}
	_, _ = h.WriteString("\x00")
	if len(ac.Extra) > 0 {
		b, _ := json.Marshal(ac.Extra)
		_, _ = h.Write(b)
	}
	return h.Sum64()
}

// NoopDecisionCache never stores anything.
type NoopDecisionCache struct{}

func (NoopDecisionCache) Get(context.Context, string) (*AccessCheckResult, bool, error) {
	return nil, false, nil
}
func (NoopDecisionCache) Set(context.Context, string, *AccessCheckResult, time.Duration) error {
	return nil
}
func (NoopDecisionCache) Purge(context.Context) error { return nil }

// DecisionCacheEntry is one cached decision with its expiry.
type DecisionCacheEntry struct {
	Result    *AccessCheckResult
	ExpiresAt time.Time
}

// MemoryDecisionCache is a map guarded by a RWMutex with per-entry TTL.
type MemoryDecisionCache struct {
	mu      sync.RWMutex
	entries map[string]*DecisionCacheEntry
	now     func() time.Time
}

func NewMemoryDecisionCache() *MemoryDecisionCache {
	return &MemoryDecisionCache{entries: make(map[string]*DecisionCacheEntry), now: time.Now}
}

func (m *MemoryDecisionCache) Get(_ context.Context, key string) (*AccessCheckResult, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if m.now().After(entry.ExpiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.Result, true, nil
}

func (m *MemoryDecisionCache) Set(_ context.Context, key string, res *AccessCheckResult, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = &DecisionCacheEntry{Result: res, ExpiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryDecisionCache) Purge(context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]*DecisionCacheEntry)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (m *MemoryDecisionCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// RistrettoDecisionCache is a bounded admission-controlled local cache.
type RistrettoDecisionCache struct {
	c *ristretto.Cache
}

// NewRistrettoDecisionCache builds the cache from its sizing settings.
func NewRistrettoDecisionCache(cfg RistrettoConfig) (*RistrettoDecisionCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto cache: %w", err)
	}
	return &RistrettoDecisionCache{c: c}, nil
}

func (r *RistrettoDecisionCache) Get(_ context.Context, key string) (*AccessCheckResult, bool, error) {
	v, ok := r.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	res, ok := v.(*AccessCheckResult)
	return res, ok, nil
}

func (r *RistrettoDecisionCache) Set(_ context.Context, key string, res *AccessCheckResult, ttl time.Duration) error {
	r.c.SetWithTTL(key, res, 1, ttl)
	return nil
}

func (r *RistrettoDecisionCache) Purge(context.Context) error {
	r.c.Clear()
	return nil
}

// Wait blocks until buffered writes are applied; ristretto admits asynchronously.
func (r *RistrettoDecisionCache) Wait() { r.c.Wait() }

func (r *RistrettoDecisionCache) Close() { r.c.Close() }
