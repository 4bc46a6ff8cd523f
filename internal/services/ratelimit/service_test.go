package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/arbor"
)

func newTestGovernor(t *testing.T) (*Service, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := NewService(&common.RateLimitConfig{DefaultRPS: 1, DefaultBurst: 5}, client, nil, arbor.NewLogger())
	return svc, client
}

func TestTryAcquireBurst(t *testing.T) {
	svc, _ := newTestGovernor(t)
	require.NoError(t, svc.SetDomainLimit("example.com", 1, 2))

	ok, err := svc.TryAcquire("example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.TryAcquire("example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	// Burst spent, bucket refills at 1 rps.
	ok, err = svc.TryAcquire("example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyDomainRejected(t *testing.T) {
	svc, _ := newTestGovernor(t)

	_, err := svc.TryAcquire("")
	assert.ErrorIs(t, err, interfaces.ErrDomainUnknown)

	_, err = svc.TryAcquire("   ")
	assert.ErrorIs(t, err, interfaces.ErrDomainUnknown)

	err = svc.RecordAccess(context.Background(), "")
	assert.ErrorIs(t, err, interfaces.ErrDomainUnknown)
}

func TestWaitRespectsMaxWait(t *testing.T) {
	svc, _ := newTestGovernor(t)
	require.NoError(t, svc.SetDomainLimit("slow.test", 0.5, 1))

	// First request consumes the burst without waiting.
	waited, err := svc.Wait(context.Background(), "slow.test", time.Second)
	require.NoError(t, err)
	assert.Less(t, waited, 100*time.Millisecond)

	// Next token is two seconds out; a 50 ms bound must fail.
	_, err = svc.Wait(context.Background(), "slow.test", 50*time.Millisecond)
	assert.Error(t, err)
}

func TestCrawlDelayOverride(t *testing.T) {
	svc, _ := newTestGovernor(t)
	require.NoError(t, svc.SetDomainLimit("patient.test", 10, 10))

	st, err := svc.state("patient.test")
	require.NoError(t, err)
	assert.Equal(t, 10.0, effectiveRPS(st))

	// Crawl-delay of 2 s caps the rate at 0.5 rps.
	require.NoError(t, svc.SetCrawlDelay("patient.test", 2*time.Second))
	assert.Equal(t, 0.5, effectiveRPS(st))

	// A crawl-delay looser than the configured rate changes nothing.
	require.NoError(t, svc.SetCrawlDelay("patient.test", 50*time.Millisecond))
	assert.Equal(t, 10.0, effectiveRPS(st))

	// Clearing the delay restores the configured rate.
	require.NoError(t, svc.SetCrawlDelay("patient.test", 0))
	assert.Equal(t, 10.0, effectiveRPS(st))
}

func TestDomainNormalization(t *testing.T) {
	svc, _ := newTestGovernor(t)
	require.NoError(t, svc.SetDomainLimit("MiXeD.Test", 3, 3))

	st, err := svc.state("mixed.test")
	require.NoError(t, err)
	assert.Equal(t, 3.0, st.configuredRPS)
}

func TestSlidingWindow(t *testing.T) {
	svc, client := newTestGovernor(t)
	ctx := context.Background()
	// rps=1 burst=3 gives a 3 s window.
	require.NoError(t, svc.SetDomainLimit("windowed.test", 1, 3))

	for i := 0; i < 3; i++ {
		ok, err := svc.AllowDistributed(ctx, "windowed.test")
		require.NoError(t, err)
		assert.True(t, ok, "access %d should be allowed", i)
		require.NoError(t, svc.RecordAccess(ctx, "windowed.test"))
	}

	ok, err := svc.AllowDistributed(ctx, "windowed.test")
	require.NoError(t, err)
	assert.False(t, ok, "window full, access must be denied")

	// Age the recorded accesses past the window; the next check trims them.
	key := windowKey("windowed.test")
	members, err := client.ZRange(ctx, key, 0, -1).Result()
	require.NoError(t, err)
	stale := float64(time.Now().Add(-10 * time.Second).UnixNano())
	for _, m := range members {
		require.NoError(t, client.ZAdd(ctx, key, redis.Z{Score: stale, Member: m}).Err())
	}

	ok, err = svc.AllowDistributed(ctx, "windowed.test")
	require.NoError(t, err)
	assert.True(t, ok, "expired entries must not count against the window")
}

func TestConcurrentRecordsAllCounted(t *testing.T) {
	svc, client := newTestGovernor(t)
	ctx := context.Background()
	require.NoError(t, svc.SetDomainLimit("busy.test", 100, 200))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.RecordAccess(ctx, "busy.test"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	count, err := client.ZCard(ctx, windowKey("busy.test")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(20), count)
}

func TestLoginPurposeLimit(t *testing.T) {
	svc, client := newTestGovernor(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := svc.AllowPurpose(ctx, PurposeLogin, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "attempt %d within limit", i+1)
	}

	decision, err := svc.AllowPurpose(ctx, PurposeLogin, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "sixth attempt in a minute must be denied")
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, decision.RetryAfter, time.Minute)

	// Denied attempts are not recorded.
	count, err := client.ZCard(ctx, purposeKey(PurposeLogin, "10.0.0.1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	// A different key is unaffected.
	decision, err = svc.AllowPurpose(ctx, PurposeLogin, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestPasswordResetTighterThanLogin(t *testing.T) {
	svc, _ := newTestGovernor(t)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 4; i++ {
		decision, err := svc.AllowPurpose(ctx, PurposePasswordReset, "10.1.1.1")
		require.NoError(t, err)
		if decision.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed, "password reset admits 2 per minute")
}

func TestUnknownPurpose(t *testing.T) {
	svc, _ := newTestGovernor(t)

	_, err := svc.AllowPurpose(context.Background(), "bogus", "k")
	assert.Error(t, err)

	_, err = svc.AllowPurpose(context.Background(), PurposeLogin, "")
	assert.Error(t, err)
}

func TestWindowNoOverAdmission(t *testing.T) {
	svc, _ := newTestGovernor(t)
	ctx := context.Background()
	const burst = 4
	require.NoError(t, svc.SetDomainLimit("strict.test", 2, burst))

	// Drive more attempts than the window admits; count what got through.
	admitted := 0
	for i := 0; i < 12; i++ {
		ok, err := svc.AllowDistributed(ctx, "strict.test")
		require.NoError(t, err)
		if ok {
			require.NoError(t, svc.RecordAccess(ctx, "strict.test"))
			admitted++
		}
	}
	assert.Equal(t, burst, admitted, "no interval of burst/rps seconds may contain more than burst accesses")
}
