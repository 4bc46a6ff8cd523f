package frontier

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

// stubGovernor admits or denies every domain uniformly.
type stubGovernor struct {
	allow bool
}

func (g *stubGovernor) TryAcquire(domain string) (bool, error) { return g.allow, nil }
func (g *stubGovernor) Wait(ctx context.Context, domain string, maxWait time.Duration) (time.Duration, error) {
	return 0, nil
}
func (g *stubGovernor) AllowDistributed(ctx context.Context, domain string) (bool, error) {
	return g.allow, nil
}
func (g *stubGovernor) RecordAccess(ctx context.Context, domain string) error      { return nil }
func (g *stubGovernor) SetDomainLimit(domain string, rps float64, burst int) error { return nil }
func (g *stubGovernor) SetCrawlDelay(domain string, delay time.Duration) error     { return nil }
func (g *stubGovernor) AllowPurpose(ctx context.Context, purpose, key string) (interfaces.PurposeDecision, error) {
	return interfaces.PurposeDecision{Allowed: g.allow}, nil
}

var _ interfaces.RateGovernor = (*stubGovernor)(nil)

func newTestFrontier(t *testing.T, cfg *common.FrontierConfig, rate interfaces.RateGovernor) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if cfg == nil {
		cfg = &common.FrontierConfig{
			LeaseTTL:         "5m",
			RecoveryInterval: "60s",
			MaxRetries:       3,
			DeferredDelay:    "5m",
		}
	}
	return NewService(cfg, client, nil, rate, nil, arbor.NewLogger())
}

func entry(jobID, url string, p models.Priority, depth int) *models.URLEntry {
	return &models.URLEntry{
		URL:          url,
		JobID:        jobID,
		Priority:     p,
		Depth:        depth,
		DiscoveredAt: time.Now(),
	}
}

func TestEnqueueAndLeasePriorityOrder(t *testing.T) {
	svc := newTestFrontier(t, nil, nil)
	ctx := context.Background()

	base := time.Now()
	low := entry("job1", "https://example.com/low", models.PriorityLow, 0)
	low.DiscoveredAt = base
	crit := entry("job1", "https://example.com/critical", models.PriorityCritical, 0)
	crit.DiscoveredAt = base.Add(time.Millisecond)
	med := entry("job1", "https://example.com/medium", models.PriorityMedium, 0)
	med.DiscoveredAt = base.Add(2 * time.Millisecond)

	for _, e := range []*models.URLEntry{low, crit, med} {
		outcome, err := svc.Enqueue(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, models.EnqueueInserted, outcome)
	}

	// Higher tiers lease first regardless of enqueue order.
	first, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "https://example.com/critical", first.URL)
	assert.False(t, first.LeasedAt.IsZero())

	second, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "https://example.com/medium", second.URL)

	third, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "https://example.com/low", third.URL)

	empty, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	assert.Nil(t, empty)

	processing, err := svc.ProcessingCount(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), processing)
}

func TestEnqueueFIFOWithinTier(t *testing.T) {
	svc := newTestFrontier(t, nil, nil)
	ctx := context.Background()

	base := time.Now()
	older := entry("job1", "https://example.com/a", models.PriorityHigh, 0)
	older.DiscoveredAt = base
	newer := entry("job1", "https://example.com/b", models.PriorityHigh, 0)
	newer.DiscoveredAt = base.Add(time.Second)

	_, err := svc.Enqueue(ctx, newer)
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, older)
	require.NoError(t, err)

	first, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "https://example.com/a", first.URL)
}

func TestEnqueueDeduplicatesNormalizedURLs(t *testing.T) {
	svc := newTestFrontier(t, nil, nil)
	ctx := context.Background()

	outcome, err := svc.Enqueue(ctx, entry("job1", "https://Example.com/page?b=2&a=1", models.PriorityMedium, 0))
	require.NoError(t, err)
	assert.Equal(t, models.EnqueueInserted, outcome)

	// Same URL modulo host case, query order, and fragment.
	outcome, err = svc.Enqueue(ctx, entry("job1", "https://example.com/page?a=1&b=2#section", models.PriorityMedium, 0))
	require.NoError(t, err)
	assert.Equal(t, models.EnqueueAlreadySeen, outcome)

	sizes, err := svc.Sizes(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sizes[models.PriorityMedium])
}

func TestEnqueueRejectsUnsupportedSchemes(t *testing.T) {
	svc := newTestFrontier(t, nil, nil)

	_, err := svc.Enqueue(context.Background(), entry("job1", "ftp://example.com/file", models.PriorityMedium, 0))
	assert.Error(t, err)
}

func TestDepthCap(t *testing.T) {
	svc := newTestFrontier(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.SetDepthCap(ctx, "job1", 2))

	outcome, err := svc.Enqueue(ctx, entry("job1", "https://example.com/shallow", models.PriorityMedium, 2))
	require.NoError(t, err)
	assert.Equal(t, models.EnqueueInserted, outcome)

	outcome, err = svc.Enqueue(ctx, entry("job1", "https://example.com/deep", models.PriorityMedium, 3))
	require.NoError(t, err)
	assert.Equal(t, models.EnqueueDepthCapped, outcome)
}

func TestCompleteMarksVisited(t *testing.T) {
	svc := newTestFrontier(t, nil, nil)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, entry("job1", "https://example.com/page", models.PriorityMedium, 0))
	require.NoError(t, err)

	leased, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.NoError(t, svc.Complete(ctx, leased))

	visited, err := svc.VisitedCount(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), visited)

	processing, err := svc.ProcessingCount(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)

	// Completed URLs never re-enter the frontier.
	outcome, err := svc.Enqueue(ctx, entry("job1", "https://example.com/page", models.PriorityMedium, 0))
	require.NoError(t, err)
	assert.Equal(t, models.EnqueueAlreadySeen, outcome)
}

func TestFailRequeuesAtLowWithBackoff(t *testing.T) {
	svc := newTestFrontier(t, &common.FrontierConfig{
		LeaseTTL:   "5m",
		MaxRetries: 3,
	}, nil)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, entry("job1", "https://example.com/flaky", models.PriorityCritical, 0))
	require.NoError(t, err)

	leased, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.NoError(t, svc.Fail(ctx, leased, "http 503"))

	// Requeued with a future redelivery score, so an immediate lease sees
	// nothing.
	again, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	assert.Nil(t, again)

	sizes, err := svc.Sizes(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sizes[models.PriorityLow])
	assert.Equal(t, int64(0), sizes[models.PriorityCritical])
}

func TestFailExhaustsRetries(t *testing.T) {
	svc := newTestFrontier(t, &common.FrontierConfig{
		LeaseTTL:   "5m",
		MaxRetries: 2,
	}, nil)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, entry("job1", "https://example.com/broken", models.PriorityMedium, 0))
	require.NoError(t, err)

	leased, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.NoError(t, svc.Fail(ctx, leased, "http 500"))
	require.NoError(t, svc.Fail(ctx, leased, "http 500"))

	failed, err := svc.FailedCount(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	sizes, err := svc.Sizes(ctx, "job1")
	require.NoError(t, err)
	for _, tier := range models.Priorities {
		assert.Equal(t, int64(0), sizes[tier], "tier %s should be empty", tier)
	}
}

func TestRateDenialDefersEntry(t *testing.T) {
	svc := newTestFrontier(t, nil, &stubGovernor{allow: false})
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, entry("job1", "https://slow.example.com/", models.PriorityHigh, 0))
	require.NoError(t, err)

	leased, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	assert.Nil(t, leased)

	sizes, err := svc.Sizes(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sizes[models.PriorityHigh])
	assert.Equal(t, int64(1), sizes[models.PriorityDeferred])

	processing, err := svc.ProcessingCount(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)
}

func TestRecoverExpiredLeases(t *testing.T) {
	svc := newTestFrontier(t, &common.FrontierConfig{
		LeaseTTL:   "1ms",
		MaxRetries: 3,
	}, nil)
	ctx := context.Background()

	e := entry("job1", "https://example.com/page", models.PriorityHigh, 0)
	_, err := svc.Enqueue(ctx, e)
	require.NoError(t, err)

	leased, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	require.NotNil(t, leased)

	time.Sleep(5 * time.Millisecond)

	recovered, err := svc.RecoverExpired(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	// Entry is back in its original tier and leasable again.
	again, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, leased.URL, again.URL)
	assert.Equal(t, models.PriorityHigh, again.Priority)
}

func TestRecoverExpiredLeavesLiveLeases(t *testing.T) {
	svc := newTestFrontier(t, nil, nil)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, entry("job1", "https://example.com/page", models.PriorityMedium, 0))
	require.NoError(t, err)

	leased, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	require.NotNil(t, leased)

	recovered, err := svc.RecoverExpired(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	processing, err := svc.ProcessingCount(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)
}

func TestPurgeRemovesAllState(t *testing.T) {
	svc := newTestFrontier(t, nil, nil)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, entry("job1", "https://example.com/a", models.PriorityHigh, 0))
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, entry("job1", "https://example.com/b", models.PriorityLow, 0))
	require.NoError(t, err)

	leased, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, svc.Complete(ctx, leased))

	require.NoError(t, svc.Purge(ctx, "job1"))

	sizes, err := svc.Sizes(ctx, "job1")
	require.NoError(t, err)
	for _, tier := range models.Priorities {
		assert.Equal(t, int64(0), sizes[tier])
	}
	visited, err := svc.VisitedCount(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), visited)
}

func TestJobsAreIsolated(t *testing.T) {
	svc := newTestFrontier(t, nil, nil)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, entry("job1", "https://example.com/a", models.PriorityMedium, 0))
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, entry("job2", "https://example.com/a", models.PriorityMedium, 0))
	require.NoError(t, err)

	leased, err := svc.Lease(ctx, "job1", 0)
	require.NoError(t, err)
	require.NotNil(t, leased)

	// job2's copy of the same URL is untouched by job1's lease.
	other, err := svc.Lease(ctx, "job2", 0)
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, "https://example.com/a", other.URL)
}
