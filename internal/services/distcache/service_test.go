package distcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
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

func newTestService(t *testing.T, config *common.DistCacheConfig) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if config == nil {
		config = &common.DistCacheConfig{Namespace: "test"}
	}
	service, err := NewService(client, config, nil, arbor.NewLogger())
	require.NoError(t, err)
	return service, mr
}

func TestSetGetRoundTrip(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, service.Set(ctx, "greeting", []byte("hello"), time.Minute))

	value, remaining, err := service.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), value)
	assert.Equal(t, time.Minute, remaining)

	_, _, err = service.Get(ctx, "absent")
	assert.ErrorIs(t, err, interfaces.ErrCacheMiss)
}

func TestNamespacePrefix(t *testing.T) {
	service, mr := newTestService(t, &common.DistCacheConfig{Namespace: "crawler"})

	require.NoError(t, service.Set(context.Background(), "page:1", []byte("x"), 0))
	assert.True(t, mr.Exists("crawler:page:1"))
}

func TestLongKeyStoredUnderDigest(t *testing.T) {
	service, mr := newTestService(t, &common.DistCacheConfig{Namespace: "test"})
	ctx := context.Background()

	long := strings.Repeat("u", 300)
	require.NoError(t, service.Set(ctx, long, []byte("v"), 0))

	sum := sha256.Sum256([]byte(long))
	assert.True(t, mr.Exists("test:hash:"+hex.EncodeToString(sum[:])))

	value, _, err := service.Get(ctx, long)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestCompressionOverThreshold(t *testing.T) {
	service, mr := newTestService(t, &common.DistCacheConfig{
		Namespace:            "test",
		CompressionThreshold: 64,
	})
	ctx := context.Background()

	original := bytes.Repeat([]byte("aranea "), 100)
	require.NoError(t, service.Set(ctx, "big", original, 0))

	stored, err := mr.Get("test:big")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(stored), 2)
	assert.Equal(t, byte(0x1f), stored[0])
	assert.Equal(t, byte(0x8b), stored[1])
	assert.Less(t, len(stored), len(original))

	value, _, err := service.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, original, value)
}

func TestSmallValueNotCompressed(t *testing.T) {
	service, mr := newTestService(t, &common.DistCacheConfig{
		Namespace:            "test",
		CompressionThreshold: 64,
	})

	require.NoError(t, service.Set(context.Background(), "small", []byte("tiny"), 0))
	stored, err := mr.Get("test:small")
	require.NoError(t, err)
	assert.Equal(t, "tiny", stored)
}

func TestExistsTTLExpire(t *testing.T) {
	service, mr := newTestService(t, nil)
	ctx := context.Background()

	ok, err := service.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, service.Set(ctx, "k", []byte("v"), time.Hour))
	ok, err = service.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := service.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)

	_, err = service.TTL(ctx, "absent")
	assert.ErrorIs(t, err, interfaces.ErrCacheMiss)

	require.NoError(t, service.Expire(ctx, "k", time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("test:k"))

	assert.ErrorIs(t, service.Expire(ctx, "absent", time.Minute), interfaces.ErrCacheMiss)

	// Keys stored without expiry report zero, not a miss.
	require.NoError(t, service.Set(ctx, "forever", []byte("v"), 0))
	ttl, err = service.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ttl)
}

func TestIncrCreatesWithTTL(t *testing.T) {
	service, mr := newTestService(t, nil)
	ctx := context.Background()

	value, err := service.Incr(ctx, "counter", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)
	assert.Equal(t, time.Minute, mr.TTL("test:counter"))

	// Later increments must not reset the clock.
	mr.FastForward(30 * time.Second)
	value, err = service.Incr(ctx, "counter", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), value)
	assert.Equal(t, 30*time.Second, mr.TTL("test:counter"))
}

func TestGetExtendTTL(t *testing.T) {
	service, mr := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, service.Set(ctx, "hot", []byte("v"), 10*time.Second))

	value, err := service.GetExtendTTL(ctx, "hot", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.Equal(t, time.Minute, mr.TTL("test:hot"))

	_, err = service.GetExtendTTL(ctx, "absent", time.Minute)
	assert.ErrorIs(t, err, interfaces.ErrCacheMiss)
}

func TestMGetMSetBatch(t *testing.T) {
	service, mr := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, service.MSet(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("test:a"))
	assert.Equal(t, time.Minute, mr.TTL("test:b"))

	got, err := service.MGet(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("1"), got["a"])
	assert.Equal(t, []byte("2"), got["b"])
}

func TestClearPattern(t *testing.T) {
	service, mr := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, service.Set(ctx, "page:home", []byte("h"), 0))
	require.NoError(t, service.Set(ctx, "page:about", []byte("a"), 0))
	require.NoError(t, service.Set(ctx, "asset:css", []byte("c"), 0))
	require.NoError(t, mr.Set("other:untouched", "x"))

	require.NoError(t, service.Clear(ctx, "page:*"))
	assert.False(t, mr.Exists("test:page:home"))
	assert.False(t, mr.Exists("test:page:about"))
	assert.True(t, mr.Exists("test:asset:css"))

	// "*" empties this namespace only.
	require.NoError(t, service.Clear(ctx, "*"))
	assert.False(t, mr.Exists("test:asset:css"))
	assert.True(t, mr.Exists("other:untouched"))
}

type samplePage struct {
	URL    string `json:"url" msgpack:"url"`
	Status int    `json:"status" msgpack:"status"`
}

func TestObjectRoundTripPerCodec(t *testing.T) {
	for _, serializer := range []string{"json", "msgpack", "gob"} {
		t.Run(serializer, func(t *testing.T) {
			service, _ := newTestService(t, &common.DistCacheConfig{
				Namespace:  "test",
				Serializer: serializer,
			})
			ctx := context.Background()

			in := samplePage{URL: "https://example.com", Status: 200}
			require.NoError(t, service.SetObject(ctx, "page", in, time.Minute))

			var out samplePage
			require.NoError(t, service.GetObject(ctx, "page", &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestUnknownSerializerRejected(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := NewService(client, &common.DistCacheConfig{Serializer: "xml"}, nil, arbor.NewLogger())
	assert.Error(t, err)
}

func TestPipelineCoalescing(t *testing.T) {
	service, _ := newTestService(t, &common.DistCacheConfig{
		Namespace:        "test",
		PipelineMaxBatch: 10,
		PipelineLinger:   "5ms",
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.StartPipeline(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			if err := service.Set(ctx, key, []byte(key), time.Minute); err != nil {
				t.Errorf("set %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("k%d", i)
		value, _, err := service.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte(key), value)
	}

	// Misses keep their identity through a shared round-trip.
	_, _, err := service.Get(ctx, "absent")
	assert.ErrorIs(t, err, interfaces.ErrCacheMiss)
}

func TestStatsCounters(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, service.Set(ctx, "k", []byte("v"), 0))
	service.Get(ctx, "k")
	service.Get(ctx, "nope")

	stats := service.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}
