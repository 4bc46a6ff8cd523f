// Package appcache is the in-process cache tier: size and entry capped,
// policy-driven eviction, tag index, and a min-heap expiry janitor. The
// application and local layers of the fabric are two instances of this
// service with different budgets.
package appcache

import (
	"container/heap"
	"container/list"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

// entry is one cached value with its bookkeeping.
type entry struct {
	key          string
	value        []byte
	size         int64
	cost         int64
	createdAt    time.Time
	expiresAt    time.Time // zero = no expiry
	accessCount  uint64
	lastAccessed time.Time
	tags         []string
	elem         *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Service implements the CacheLayer interface plus tag and pattern
// invalidation. A single mutex guards the map, the order list, the tag
// index, and the expiry heap.
type Service struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List // front = most recent insert/access
	tagIndex map[string]map[string]struct{}
	expiry   expiryHeap
	curBytes int64

	name       models.CacheLayer
	maxBytes   int64
	maxEntries int
	policy     models.EvictionPolicy
	defaultTTL time.Duration
	cleanup    time.Duration

	hits, misses, sets, evictions, expirations, errors int64

	metrics *metrics.Metrics
	logger  arbor.ILogger
}

var (
	_ interfaces.CacheLayer      = (*Service)(nil)
	_ interfaces.TagInvalidating = (*Service)(nil)
)

// NewService builds a cache tier. The same implementation backs the
// application and local layers with different budgets.
func NewService(name models.CacheLayer, config *common.AppCacheConfig, m *metrics.Metrics, logger arbor.ILogger) *Service {
	maxBytes := config.MaxSizeBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	maxEntries := config.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	cleanup := config.CleanupInterval
	if cleanup <= 0 {
		cleanup = time.Minute
	}

	return &Service{
		entries:    make(map[string]*entry),
		order:      list.New(),
		tagIndex:   make(map[string]map[string]struct{}),
		name:       name,
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		policy:     models.ParseEvictionPolicy(config.Policy),
		defaultTTL: config.DefaultTTL,
		cleanup:    cleanup,
		metrics:    m,
		logger:     logger,
	}
}

// Name identifies the tier.
func (s *Service) Name() models.CacheLayer {
	return s.name
}

// Get returns the value and remaining TTL. Expired entries are removed on
// the spot and count as misses.
func (s *Service) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		s.countOp("get", "miss")
		return nil, 0, interfaces.ErrCacheMiss
	}
	if e.expired(now) {
		s.removeLocked(e)
		s.expirations++
		s.misses++
		s.countOp("get", "expired")
		return nil, 0, interfaces.ErrCacheMiss
	}

	e.accessCount++
	e.lastAccessed = now
	if s.policy == models.EvictLRU || s.policy == models.EvictAdaptive {
		s.order.MoveToFront(e.elem)
	}

	s.hits++
	s.countOp("get", "hit")

	var remaining time.Duration
	if !e.expiresAt.IsZero() {
		remaining = e.expiresAt.Sub(now)
	}
	return e.value, remaining, nil
}

// Set stores with the layer default TTL and no tags.
func (s *Service) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.SetEntry(ctx, key, value, ttl, 0, nil)
}

// SetEntry stores a value with explicit cost and tags. Values larger than
// the whole budget are rejected; otherwise eviction runs until the entry
// fits.
func (s *Service) SetEntry(ctx context.Context, key string, value []byte, ttl time.Duration, cost int64, tags []string) error {
	size := int64(len(value))
	if size > s.maxBytes {
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		s.countOp("set", "oversize")
		return fmt.Errorf("value of %d bytes exceeds cache capacity %d", size, s.maxBytes)
	}

	if ttl == 0 {
		ttl = s.defaultTTL
	}
	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.removeLocked(old)
	}

	for (s.curBytes+size > s.maxBytes || len(s.entries)+1 > s.maxEntries) && len(s.entries) > 0 {
		victim := s.pickVictimLocked(now)
		if victim == nil {
			break
		}
		s.removeLocked(victim)
		s.evictions++
		if s.metrics != nil {
			s.metrics.CacheEvictions.WithLabelValues(string(s.name), "policy").Inc()
		}
	}

	e := &entry{
		key:          key,
		value:        value,
		size:         size,
		cost:         cost,
		createdAt:    now,
		expiresAt:    expiresAt,
		accessCount:  0,
		lastAccessed: now,
		tags:         tags,
	}
	e.elem = s.order.PushFront(e)
	s.entries[key] = e
	s.curBytes += size

	for _, tag := range tags {
		bucket, ok := s.tagIndex[tag]
		if !ok {
			bucket = make(map[string]struct{})
			s.tagIndex[tag] = bucket
		}
		bucket[key] = struct{}{}
	}

	if !expiresAt.IsZero() {
		heap.Push(&s.expiry, &expiryItem{key: key, expiresAt: expiresAt})
	}

	s.sets++
	s.countOp("set", "ok")
	return nil
}

// Delete removes the key; missing keys are a no-op.
func (s *Service) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.removeLocked(e)
		s.countOp("delete", "ok")
	}
	return nil
}

// MGet returns the present, unexpired subset.
func (s *Service) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, _, err := s.Get(ctx, key)
		if err != nil {
			continue
		}
		out[key] = value
	}
	return out, nil
}

// MSet stores the batch with one TTL.
func (s *Service) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	for key, value := range values {
		if err := s.SetEntry(ctx, key, value, ttl, 0, nil); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes keys matching the glob pattern. "*" resets the layer.
func (s *Service) Clear(ctx context.Context, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pattern == "" || pattern == "*" {
		s.entries = make(map[string]*entry)
		s.order.Init()
		s.tagIndex = make(map[string]map[string]struct{})
		s.expiry = s.expiry[:0]
		s.curBytes = 0
		return nil
	}

	for key, e := range s.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return fmt.Errorf("bad clear pattern %q: %w", pattern, err)
		}
		if matched {
			s.removeLocked(e)
		}
	}
	return nil
}

// InvalidateTag removes every entry carrying the tag and drops the bucket.
func (s *Service) InvalidateTag(ctx context.Context, tag string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.tagIndex[tag]
	if !ok {
		return 0, nil
	}

	removed := 0
	for key := range bucket {
		if e, ok := s.entries[key]; ok {
			s.removeLocked(e)
			removed++
		}
	}
	delete(s.tagIndex, tag)
	return removed, nil
}

// InvalidatePattern removes entries whose keys match the glob.
func (s *Service) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return removed, fmt.Errorf("bad invalidation pattern %q: %w", pattern, err)
		}
		if matched {
			s.removeLocked(e)
			removed++
		}
	}
	return removed, nil
}

// Stats snapshots the counters.
func (s *Service) Stats() models.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := models.CacheStats{
		Hits:        s.hits,
		Misses:      s.misses,
		Sets:        s.sets,
		Evictions:   s.evictions,
		Expirations: s.expirations,
		Errors:      s.errors,
		SizeBytes:   s.curBytes,
		Entries:     len(s.entries),
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	if s.maxBytes > 0 {
		stats.Utilization = float64(s.curBytes) / float64(s.maxBytes)
	}
	return stats
}

// Janitor pops due entries from the expiry heap on the configured cadence
// until the context is cancelled.
func (s *Service) Janitor(ctx context.Context) {
	ticker := time.NewTicker(s.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(time.Now())
		}
	}
}

// sweepExpired removes entries whose heap deadline has passed. Heap items
// for keys that were deleted or rewritten since the push are skipped; the
// entry's own expiresAt decides removal.
func (s *Service) sweepExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.expiry.Len() > 0 {
		top := s.expiry[0]
		if top.expiresAt.After(now) {
			break
		}
		heap.Pop(&s.expiry)

		e, ok := s.entries[top.key]
		if !ok || !e.expired(now) {
			continue
		}
		s.removeLocked(e)
		s.expirations++
		if s.metrics != nil {
			s.metrics.CacheEvictions.WithLabelValues(string(s.name), "expired").Inc()
		}
	}
}

// removeLocked unlinks the entry from the map, list, and tag index.
// Callers hold s.mu.
func (s *Service) removeLocked(e *entry) {
	delete(s.entries, e.key)
	if e.elem != nil {
		s.order.Remove(e.elem)
		e.elem = nil
	}
	s.curBytes -= e.size
	for _, tag := range e.tags {
		if bucket, ok := s.tagIndex[tag]; ok {
			delete(bucket, e.key)
			if len(bucket) == 0 {
				delete(s.tagIndex, tag)
			}
		}
	}
}

// countOp records the fabric-wide operation metric.
func (s *Service) countOp(op, outcome string) {
	if s.metrics != nil {
		s.metrics.CacheOps.WithLabelValues(string(s.name), op, outcome).Inc()
	}
}
