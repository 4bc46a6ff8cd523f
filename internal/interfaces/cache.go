package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/aranea/internal/models"
)

// ErrCacheMiss is the structured miss every cache layer returns. Cache
// errors degrade to a miss; a request is never failed solely by its cache.
var ErrCacheMiss = errors.New("cache miss")

// CacheLayer is one tier of the cache fabric. Values cross layer boundaries
// as raw bytes; serialization belongs to the layer that needs it.
type CacheLayer interface {
	// Name identifies the tier for routing and metrics.
	Name() models.CacheLayer

	// Get returns the value and its remaining TTL, or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, time.Duration, error)

	// Set stores the value with the given TTL (0 = layer default).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// MGet returns the subset of keys present.
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// MSet stores the batch with one TTL.
	MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error

	// Clear removes keys matching the glob pattern; "*" empties the layer.
	Clear(ctx context.Context, pattern string) error

	// Stats snapshots the layer's counters.
	Stats() models.CacheStats
}

// TagInvalidating is implemented by layers that keep a tag index. The
// invalidator feature-detects it with a type assertion.
type TagInvalidating interface {
	InvalidateTag(ctx context.Context, tag string) (int, error)
}

// CacheManager walks the layered fabric: top-down gets with promotion,
// fan-out sets and deletes.
type CacheManager interface {
	// Get walks layers in order; a hit at layer L is promoted to every
	// layer above L with the remaining TTL.
	Get(ctx context.Context, key string, layers ...models.CacheLayer) ([]byte, error)

	// Set writes to all requested layers concurrently (all layers when none
	// are named).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, layers ...models.CacheLayer) error

	// Delete removes the key from every layer and fires invalidation
	// callbacks.
	Delete(ctx context.Context, key string) error

	// MGet batch-reads through the fabric.
	MGet(ctx context.Context, keys []string, layers ...models.CacheLayer) (map[string][]byte, error)

	// MSet batch-writes through the fabric.
	MSet(ctx context.Context, values map[string][]byte, ttl time.Duration, layers ...models.CacheLayer) error

	// RegisterWarmer schedules a warming function on a cron expression.
	RegisterWarmer(name, cronExpr string, fn models.WarmerFunc) error

	// OnDelete registers a callback fired after fan-out deletes.
	OnDelete(fn func(key string))

	// LayerStats reports per-layer counter snapshots.
	LayerStats() map[models.CacheLayer]models.CacheStats
}

// Invalidator evaluates rules against invalidation events and dispatches
// batched cache removals.
type Invalidator interface {
	// Submit queues an event for the batch processor. Events are never
	// silently dropped.
	Submit(ctx context.Context, event models.InvalidationEvent) error

	// AddRule registers a rule evaluated against every event.
	AddRule(rule models.InvalidationRule) error

	// AddDependency declares that dependent keys must be invalidated
	// whenever key is. Cascade walks these edges transitively.
	AddDependency(key string, dependsOn []string) error

	// Invalidate applies an event immediately, bypassing the batcher.
	Invalidate(ctx context.Context, event models.InvalidationEvent) error

	// Start launches the batch processor; Stop drains the pending batch.
	Start(ctx context.Context) error
	Stop() error
}

// CacheSyncer propagates invalidation and write events between nodes.
type CacheSyncer interface {
	// Publish sends a sync message via the configured strategy.
	Publish(ctx context.Context, msg *models.SyncMessage) error

	// OnMessage registers the handler for remotely originated messages.
	// Locally published and already-seen message IDs are filtered out.
	OnMessage(fn func(msg *models.SyncMessage))

	// Peers lists currently known nodes and their health.
	Peers() []models.PeerState

	// IsMaster reports whether this node holds the master role (always true
	// outside the master-slave strategy).
	IsMaster() bool

	// Start subscribes to the sync channels and begins heartbeating; Stop
	// unsubscribes and stops background loops.
	Start(ctx context.Context) error
	Stop() error
}
