package models

import (
	"time"
)

// CacheLayer identifies one tier of the cache fabric, ordered top-down.
type CacheLayer string

const (
	LayerEdge        CacheLayer = "edge"
	LayerDistributed CacheLayer = "distributed"
	LayerApplication CacheLayer = "application"
	LayerLocal       CacheLayer = "local"
)

// DefaultLayerOrder is the top-down walk order for layered gets.
var DefaultLayerOrder = []CacheLayer{
	LayerEdge,
	LayerDistributed,
	LayerApplication,
	LayerLocal,
}

// CacheEntryMeta carries typed annotations on a cache entry (replaces a
// free-form map).
type CacheEntryMeta struct {
	ContentType string `json:"content_type,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Source      string `json:"source,omitempty"`
}

// CacheStats is the counter snapshot every cache layer exposes.
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Sets        int64   `json:"sets"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Errors      int64   `json:"errors"`
	HitRate     float64 `json:"hit_rate"`
	SizeBytes   int64   `json:"size_bytes"`
	Entries     int     `json:"entries"`
	Utilization float64 `json:"utilization"`
}

// EvictionPolicy selects how the application cache reclaims space.
type EvictionPolicy string

const (
	EvictLRU      EvictionPolicy = "lru"
	EvictLFU      EvictionPolicy = "lfu"
	EvictFIFO     EvictionPolicy = "fifo"
	EvictAdaptive EvictionPolicy = "adaptive"
)

// ParseEvictionPolicy maps a config string to a policy, defaulting to LRU.
func ParseEvictionPolicy(s string) EvictionPolicy {
	switch s {
	case "lfu":
		return EvictLFU
	case "fifo":
		return EvictFIFO
	case "adaptive":
		return EvictAdaptive
	default:
		return EvictLRU
	}
}

// WarmerFunc loads values for cache warming. Implementations return the
// key/value pairs to seed along with their TTL.
type WarmerFunc func() (map[string][]byte, time.Duration, error)
