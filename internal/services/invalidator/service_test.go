package invalidator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

// stubFabric records key deletes and can fail a key a set number of times.
type stubFabric struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]int
}

var _ interfaces.CacheManager = (*stubFabric)(nil)

func newStubFabric() *stubFabric {
	return &stubFabric{fail: make(map[string]int)}
}

func (f *stubFabric) Get(ctx context.Context, key string, layers ...models.CacheLayer) ([]byte, error) {
	return nil, interfaces.ErrCacheMiss
}

func (f *stubFabric) Set(ctx context.Context, key string, value []byte, ttl time.Duration, layers ...models.CacheLayer) error {
	return nil
}

func (f *stubFabric) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[key] > 0 {
		f.fail[key]--
		return errors.New("fabric down")
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *stubFabric) MGet(ctx context.Context, keys []string, layers ...models.CacheLayer) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func (f *stubFabric) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration, layers ...models.CacheLayer) error {
	return nil
}

func (f *stubFabric) RegisterWarmer(name, cronExpr string, fn models.WarmerFunc) error { return nil }
func (f *stubFabric) OnDelete(fn func(key string))                                    {}
func (f *stubFabric) LayerStats() map[models.CacheLayer]models.CacheStats {
	return map[models.CacheLayer]models.CacheStats{}
}

func (f *stubFabric) failOnce(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key]++
}

func (f *stubFabric) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *stubFabric) deleteCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.deleted {
		if k == key {
			n++
		}
	}
	return n
}

// baseLayer is a minimal CacheLayer that records pattern clears.
type baseLayer struct {
	name    models.CacheLayer
	mu      sync.Mutex
	cleared []string
}

var _ interfaces.CacheLayer = (*baseLayer)(nil)

func (l *baseLayer) Name() models.CacheLayer { return l.name }

func (l *baseLayer) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	return nil, 0, interfaces.ErrCacheMiss
}

func (l *baseLayer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (l *baseLayer) Delete(ctx context.Context, key string) error { return nil }

func (l *baseLayer) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func (l *baseLayer) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	return nil
}

func (l *baseLayer) Clear(ctx context.Context, pattern string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleared = append(l.cleared, pattern)
	return nil
}

func (l *baseLayer) Stats() models.CacheStats { return models.CacheStats{} }

func (l *baseLayer) clearedPatterns() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.cleared...)
}

// tagLayer adds tag invalidation on top of baseLayer.
type tagLayer struct {
	*baseLayer
	tagMu sync.Mutex
	tags  []string
}

var _ interfaces.TagInvalidating = (*tagLayer)(nil)

func (l *tagLayer) InvalidateTag(ctx context.Context, tag string) (int, error) {
	l.tagMu.Lock()
	defer l.tagMu.Unlock()
	l.tags = append(l.tags, tag)
	return 1, nil
}

func (l *tagLayer) invalidatedTags() []string {
	l.tagMu.Lock()
	defer l.tagMu.Unlock()
	return append([]string(nil), l.tags...)
}

type testHarness struct {
	svc    *Service
	fabric *stubFabric
	tagged *tagLayer
	plain  *baseLayer
}

func newTestService(t *testing.T, mutate func(cfg *common.InvalidatorConfig)) *testHarness {
	t.Helper()
	cfg := common.NewDefaultConfig().Invalidator
	cfg.BatchLinger = "20ms"
	if mutate != nil {
		mutate(&cfg)
	}

	fabric := newStubFabric()
	tagged := &tagLayer{baseLayer: &baseLayer{name: models.LayerApplication}}
	plain := &baseLayer{name: models.LayerDistributed}

	svc, err := NewService(&cfg, fabric, []interfaces.CacheLayer{plain, tagged}, nil, arbor.NewLogger())
	require.NoError(t, err)
	return &testHarness{svc: svc, fabric: fabric, tagged: tagged, plain: plain}
}

func (h *testHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() { _ = h.svc.Stop() })
}

func TestSubmitBatchesAndDispatches(t *testing.T) {
	h := newTestService(t, nil)
	h.start(t)

	err := h.svc.Submit(context.Background(), models.InvalidationEvent{
		Type: "content_updated",
		Keys: []string{"page:1", "page:2"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.fabric.deleteCount("page:1") == 1 && h.fabric.deleteCount("page:2") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBatchDedupsRedundantEvents(t *testing.T) {
	h := newTestService(t, nil)
	h.start(t)

	for i := 0; i < 3; i++ {
		err := h.svc.Submit(context.Background(), models.InvalidationEvent{
			Type: "content_updated",
			Keys: []string{"page:1"},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return h.fabric.deleteCount("page:1") > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.fabric.deleteCount("page:1"), "redundant events collapse to one delete")
}

func TestBatchFlushesAtMaxEvents(t *testing.T) {
	h := newTestService(t, func(cfg *common.InvalidatorConfig) {
		cfg.BatchMaxEvents = 5
		cfg.BatchLinger = "10s"
	})
	h.start(t)

	for i := 0; i < 5; i++ {
		err := h.svc.Submit(context.Background(), models.InvalidationEvent{
			Type: "content_updated",
			Keys: []string{"page:" + string(rune('a'+i))},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(h.fabric.deletedKeys()) == 5
	}, 2*time.Second, 10*time.Millisecond, "a full batch must not wait out the linger")
}

func TestRuleExpandsEvent(t *testing.T) {
	h := newTestService(t, nil)
	require.NoError(t, h.svc.AddRule(models.InvalidationRule{
		Name:      "purge-home",
		EventType: "content_updated",
		Strategy:  models.InvalidateImmediate,
		Keys:      []string{"page:home"},
	}))
	h.start(t)

	err := h.svc.Submit(context.Background(), models.InvalidationEvent{
		Type: "content_updated",
		Keys: []string{"content:42"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.fabric.deleteCount("content:42") == 1 && h.fabric.deleteCount("page:home") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRuleWildcardMatchesEveryType(t *testing.T) {
	h := newTestService(t, nil)
	require.NoError(t, h.svc.AddRule(models.InvalidationRule{
		Name:      "nav-refresh",
		EventType: "*",
		Strategy:  models.InvalidateTag,
		Tags:      []string{"nav"},
	}))
	h.start(t)

	err := h.svc.Submit(context.Background(), models.InvalidationEvent{
		Type: "anything",
		Keys: []string{"page:1"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tags := h.tagged.invalidatedTags()
		return len(tags) == 1 && tags[0] == "nav"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRuleWithoutPayloadUsesEventKeys(t *testing.T) {
	h := newTestService(t, nil)
	require.NoError(t, h.svc.AddDependency("page:home", []string{"content:42"}))
	require.NoError(t, h.svc.AddRule(models.InvalidationRule{
		Name:      "cascade-content",
		EventType: "content_updated",
		Strategy:  models.InvalidateCascade,
	}))
	h.start(t)

	err := h.svc.Submit(context.Background(), models.InvalidationEvent{
		Type: "content_updated",
		Keys: []string{"content:42"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.fabric.deleteCount("content:42") == 1 && h.fabric.deleteCount("page:home") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCascadeWalksDependentsTransitively(t *testing.T) {
	h := newTestService(t, nil)
	require.NoError(t, h.svc.AddDependency("page:product", []string{"content:42"}))
	require.NoError(t, h.svc.AddDependency("page:home", []string{"page:product"}))

	err := h.svc.Invalidate(context.Background(), models.InvalidationEvent{
		Type:    "content_updated",
		Keys:    []string{"content:42"},
		Cascade: true,
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"content:42", "page:product", "page:home"}, h.fabric.deletedKeys())
}

func TestInvalidateBypassesBatcher(t *testing.T) {
	h := newTestService(t, nil)

	err := h.svc.Invalidate(context.Background(), models.InvalidationEvent{
		Type: "manual",
		Keys: []string{"page:1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"page:1"}, h.fabric.deletedKeys(), "bypass dispatches without the processor running")
}

func TestInvalidateReportsFailure(t *testing.T) {
	h := newTestService(t, nil)
	h.fabric.failOnce("page:1")

	err := h.svc.Invalidate(context.Background(), models.InvalidationEvent{
		Type: "manual",
		Keys: []string{"page:1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 keys")
}

func TestDelayedEventHeldUntilDue(t *testing.T) {
	h := newTestService(t, nil)
	h.start(t)

	err := h.svc.Submit(context.Background(), models.InvalidationEvent{
		Type:     "content_updated",
		Strategy: models.InvalidateDelayed,
		Delay:    300 * time.Millisecond,
		Keys:     []string{"page:1"},
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.fabric.deletedKeys(), "delayed work must not dispatch early")

	require.Eventually(t, func() bool {
		return h.fabric.deleteCount("page:1") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduledEventRunsAtTime(t *testing.T) {
	h := newTestService(t, nil)
	h.start(t)

	err := h.svc.Submit(context.Background(), models.InvalidationEvent{
		Type:     "content_updated",
		Strategy: models.InvalidateScheduled,
		RunAt:    time.Now().Add(300 * time.Millisecond),
		Keys:     []string{"page:1"},
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.fabric.deletedKeys())

	require.Eventually(t, func() bool {
		return h.fabric.deleteCount("page:1") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopDrainsHeldWork(t *testing.T) {
	h := newTestService(t, nil)
	h.start(t)

	err := h.svc.Submit(context.Background(), models.InvalidationEvent{
		Type:     "content_updated",
		Strategy: models.InvalidateDelayed,
		Delay:    10 * time.Minute,
		Keys:     []string{"page:1"},
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.Stop())
	assert.Equal(t, 1, h.fabric.deleteCount("page:1"), "held work flushes at shutdown")
}

func TestFailedKeysRetryNextBatch(t *testing.T) {
	h := newTestService(t, nil)
	h.fabric.failOnce("page:1")
	h.start(t)

	err := h.svc.Submit(context.Background(), models.InvalidationEvent{
		Type: "content_updated",
		Keys: []string{"page:1"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.fabric.deleteCount("page:1") == 1
	}, 2*time.Second, 10*time.Millisecond, "failed keys carry over to the next batch")
}

func TestTagsDispatchToTagCapableLayers(t *testing.T) {
	h := newTestService(t, nil)
	h.start(t)

	err := h.svc.Submit(context.Background(), models.InvalidationEvent{
		Type: "catalog_changed",
		Tags: []string{"products"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tags := h.tagged.invalidatedTags()
		return len(tags) == 1 && tags[0] == "products"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPatternsClearEveryLayer(t *testing.T) {
	h := newTestService(t, nil)
	h.start(t)

	err := h.svc.Submit(context.Background(), models.InvalidationEvent{
		Type:    "user_purge",
		Pattern: "user:*",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.plain.clearedPatterns()) == 1 && len(h.tagged.clearedPatterns()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"user:*"}, h.plain.clearedPatterns())
}

func TestTTLStrategyDispatchesNothing(t *testing.T) {
	h := newTestService(t, nil)
	h.start(t)

	err := h.svc.Submit(context.Background(), models.InvalidationEvent{
		Type:     "content_updated",
		Strategy: models.InvalidateTTL,
		Keys:     []string{"page:1"},
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.fabric.deletedKeys(), "ttl strategy relies on natural expiry")
}

func TestAddRuleValidation(t *testing.T) {
	h := newTestService(t, nil)

	tests := []struct {
		name string
		rule models.InvalidationRule
	}{
		{"missing name", models.InvalidationRule{EventType: "x", Keys: []string{"k"}}},
		{"missing event type", models.InvalidationRule{Name: "r", Keys: []string{"k"}}},
		{"unknown strategy", models.InvalidationRule{Name: "r", EventType: "x", Strategy: "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, h.svc.AddRule(tt.rule))
		})
	}

	valid := models.InvalidationRule{Name: "r", EventType: "x", Keys: []string{"k"}}
	require.NoError(t, h.svc.AddRule(valid))
	assert.Error(t, h.svc.AddRule(valid), "duplicate rule names rejected")
}

func TestAddDependencyValidation(t *testing.T) {
	h := newTestService(t, nil)

	require.Error(t, h.svc.AddDependency("", []string{"a"}))
	require.Error(t, h.svc.AddDependency("a", nil))

	// Self-edges are dropped rather than looping the cascade.
	require.NoError(t, h.svc.AddDependency("a", []string{"a", "b"}))
	err := h.svc.Invalidate(context.Background(), models.InvalidationEvent{
		Type:    "manual",
		Keys:    []string{"b"},
		Cascade: true,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, h.fabric.deletedKeys())
}

func TestSubmitAfterStopErrors(t *testing.T) {
	h := newTestService(t, nil)
	h.start(t)
	require.NoError(t, h.svc.Stop())

	err := h.svc.Submit(context.Background(), models.InvalidationEvent{
		Type: "content_updated",
		Keys: []string{"page:1"},
	})
	require.ErrorIs(t, err, ErrStopped)
}
