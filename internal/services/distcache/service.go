package distcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

const (
	// Redis cluster slotting and key-event payloads degrade past this; longer
	// logical keys are stored under their digest.
	maxKeyBytes = 250

	defaultCompressionThreshold = 1024
	clearScanBatch              = 512
)

// incrScript applies the delta and sets the TTL only when the key is new,
// in one atomic step.
var incrScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 and v == tonumber(ARGV[1]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

// getExtendScript reads the value and refreshes its TTL atomically, so a
// hot entry cannot expire between the read and the extend.
var getExtendScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
  return false
end
if tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// Service is the Redis-backed cache layer shared by all nodes.
type Service struct {
	client      *redis.Client
	codec       Codec
	namespace   string
	compressMin int

	mu   sync.RWMutex
	pipe *pipelineProcessor

	statsMu     sync.Mutex
	hits        int64
	misses      int64
	sets        int64
	errors      int64
	expirations int64

	pipeBatch  int
	pipeLinger time.Duration

	metrics *metrics.Metrics
	logger  arbor.ILogger
}

var _ interfaces.DistributedCache = (*Service)(nil)

func NewService(client *redis.Client, config *common.DistCacheConfig, m *metrics.Metrics, logger arbor.ILogger) (*Service, error) {
	codec, err := newCodec(config.Serializer)
	if err != nil {
		return nil, err
	}

	namespace := config.Namespace
	if namespace == "" {
		namespace = "aranea"
	}
	compressMin := config.CompressionThreshold
	if compressMin == 0 {
		compressMin = defaultCompressionThreshold
	}

	return &Service{
		client:      client,
		codec:       codec,
		namespace:   namespace,
		compressMin: compressMin,
		pipeBatch:   config.PipelineMaxBatch,
		pipeLinger:  common.ParseDurationOr(config.PipelineLinger, defaultPipelineLinger),
		metrics:     m,
		logger:      logger,
	}, nil
}

// Name identifies the tier for routing and metrics.
func (s *Service) Name() models.CacheLayer {
	return models.LayerDistributed
}

// StartPipeline launches the coalescing processor. Until it runs (and after
// its context is cancelled) every operation pays its own round-trip.
func (s *Service) StartPipeline(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe != nil {
		return
	}
	pp := newPipelineProcessor(s.client, s.pipeBatch, s.pipeLinger, s.logger)
	s.pipe = pp
	go func() {
		pp.run(ctx)
		s.mu.Lock()
		s.pipe = nil
		s.mu.Unlock()
	}()
	s.logger.Info().
		Int("max_batch", pp.maxBatch).
		Str("linger", pp.linger.String()).
		Msg("Cache pipeline processor started")
}

// do routes the commands through the coalescing processor when it is
// running, or executes them as a dedicated round-trip otherwise. Per-command
// results are read off the Cmds the closure captured.
func (s *Service) do(ctx context.Context, enqueue func(redis.Pipeliner)) error {
	s.mu.RLock()
	pp := s.pipe
	s.mu.RUnlock()

	if pp != nil {
		return pp.submit(ctx, enqueue)
	}
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		enqueue(p)
		return nil
	})
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}

// key maps a logical key into the namespace, replacing oversized keys with
// their digest.
func (s *Service) key(key string) string {
	full := s.namespace + ":" + key
	if len(full) > maxKeyBytes {
		sum := sha256.Sum256([]byte(key))
		return s.namespace + ":hash:" + hex.EncodeToString(sum[:])
	}
	return full
}

// encode gzips payloads past the threshold. Small payloads pass through.
func (s *Service) encode(payload []byte) ([]byte, error) {
	if s.compressMin < 0 || len(payload) <= s.compressMin {
		return payload, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode sniffs the gzip magic and decompresses when present.
func decode(payload []byte) ([]byte, error) {
	if len(payload) < 2 || payload[0] != 0x1f || payload[1] != 0x8b {
		return payload, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Get returns the value and its remaining TTL, or ErrCacheMiss.
func (s *Service) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	k := s.key(key)

	var getCmd *redis.StringCmd
	var ttlCmd *redis.DurationCmd
	err := s.do(ctx, func(p redis.Pipeliner) {
		getCmd = p.Get(ctx, k)
		ttlCmd = p.PTTL(ctx, k)
	})
	if err != nil {
		s.count("get", "error", &s.errors)
		return nil, 0, err
	}
	if getCmd.Err() == redis.Nil {
		s.count("get", "miss", &s.misses)
		return nil, 0, interfaces.ErrCacheMiss
	}
	if getCmd.Err() != nil {
		s.count("get", "error", &s.errors)
		return nil, 0, getCmd.Err()
	}

	value, err := decode([]byte(getCmd.Val()))
	if err != nil {
		s.count("get", "error", &s.errors)
		return nil, 0, fmt.Errorf("decode %s: %w", key, err)
	}

	remaining := ttlCmd.Val()
	if remaining < 0 {
		remaining = 0
	}
	s.count("get", "hit", &s.hits)
	return value, remaining, nil
}

// Set stores the value with the given TTL (0 = no expiry).
func (s *Service) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	payload, err := s.encode(value)
	if err != nil {
		s.count("set", "error", &s.errors)
		return err
	}

	k := s.key(key)
	var setCmd *redis.StatusCmd
	err = s.do(ctx, func(p redis.Pipeliner) {
		setCmd = p.Set(ctx, k, payload, ttl)
	})
	if err == nil {
		err = setCmd.Err()
	}
	if err != nil {
		s.count("set", "error", &s.errors)
		return err
	}
	s.count("set", "ok", &s.sets)
	return nil
}

// Delete removes the key. Deleting a missing key is not an error.
func (s *Service) Delete(ctx context.Context, key string) error {
	k := s.key(key)
	var delCmd *redis.IntCmd
	err := s.do(ctx, func(p redis.Pipeliner) {
		delCmd = p.Del(ctx, k)
	})
	if err == nil {
		err = delCmd.Err()
	}
	if err != nil {
		s.count("delete", "error", &s.errors)
		return err
	}
	s.count("delete", "ok", nil)
	return nil
}

// Exists reports whether the key is present.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	k := s.key(key)
	var cmd *redis.IntCmd
	err := s.do(ctx, func(p redis.Pipeliner) {
		cmd = p.Exists(ctx, k)
	})
	if err == nil {
		err = cmd.Err()
	}
	if err != nil {
		return false, err
	}
	return cmd.Val() > 0, nil
}

// TTL returns the remaining lifetime: 0 for keys without expiry,
// ErrCacheMiss for absent keys.
func (s *Service) TTL(ctx context.Context, key string) (time.Duration, error) {
	k := s.key(key)
	var cmd *redis.DurationCmd
	err := s.do(ctx, func(p redis.Pipeliner) {
		cmd = p.PTTL(ctx, k)
	})
	if err == nil {
		err = cmd.Err()
	}
	if err != nil {
		return 0, err
	}
	d := cmd.Val()
	if d == -2 {
		return 0, interfaces.ErrCacheMiss
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Expire resets the key's TTL; ErrCacheMiss when the key is absent.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) error {
	k := s.key(key)
	var cmd *redis.BoolCmd
	err := s.do(ctx, func(p redis.Pipeliner) {
		cmd = p.PExpire(ctx, k, ttl)
	})
	if err == nil {
		err = cmd.Err()
	}
	if err != nil {
		return err
	}
	if !cmd.Val() {
		return interfaces.ErrCacheMiss
	}
	s.statsMu.Lock()
	s.expirations++
	s.statsMu.Unlock()
	return nil
}

// MGet returns the subset of keys present, mapped back to the caller's keys.
func (s *Service) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	namespaced := make([]string, len(keys))
	for i, key := range keys {
		namespaced[i] = s.key(key)
	}

	raw, err := s.client.MGet(ctx, namespaced...).Result()
	if err != nil {
		s.count("mget", "error", &s.errors)
		return nil, err
	}

	result := make(map[string][]byte, len(keys))
	for i, item := range raw {
		if item == nil {
			s.count("get", "miss", &s.misses)
			continue
		}
		str, ok := item.(string)
		if !ok {
			continue
		}
		value, err := decode([]byte(str))
		if err != nil {
			s.count("get", "error", &s.errors)
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		result[keys[i]] = value
		s.count("get", "hit", &s.hits)
	}
	return result, nil
}

// MSet stores the batch in one pipelined round-trip, each key carrying the
// TTL individually. The write is not atomic: a node crash mid-pipeline can
// leave a partial batch, which the TTL bounds.
func (s *Service) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	encoded := make(map[string][]byte, len(values))
	for key, value := range values {
		payload, err := s.encode(value)
		if err != nil {
			s.count("set", "error", &s.errors)
			return err
		}
		encoded[s.key(key)] = payload
	}

	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for k, payload := range encoded {
			p.Set(ctx, k, payload, ttl)
		}
		return nil
	})
	if err != nil {
		s.count("mset", "error", &s.errors)
		return err
	}
	s.statsMu.Lock()
	s.sets += int64(len(values))
	s.statsMu.Unlock()
	if s.metrics != nil {
		s.metrics.BatchSize.Observe(float64(len(values)))
	}
	return nil
}

// Incr atomically adds amount to the counter, setting the TTL only when the
// increment created the key.
func (s *Service) Incr(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	k := s.key(key)
	value, err := incrScript.Run(ctx, s.client, []string{k}, amount, ttl.Milliseconds()).Int64()
	if err != nil {
		s.count("incr", "error", &s.errors)
		return 0, err
	}
	s.count("incr", "ok", nil)
	return value, nil
}

// GetExtendTTL reads the value and atomically pushes its expiry out, so
// frequently read entries stay resident.
func (s *Service) GetExtendTTL(ctx context.Context, key string, ttl time.Duration) ([]byte, error) {
	k := s.key(key)
	raw, err := getExtendScript.Run(ctx, s.client, []string{k}, ttl.Milliseconds()).Text()
	if err == redis.Nil {
		s.count("get", "miss", &s.misses)
		return nil, interfaces.ErrCacheMiss
	}
	if err != nil {
		s.count("get", "error", &s.errors)
		return nil, err
	}
	value, err := decode([]byte(raw))
	if err != nil {
		s.count("get", "error", &s.errors)
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	s.count("get", "hit", &s.hits)
	return value, nil
}

// Clear removes namespace keys matching the glob pattern in SCAN batches.
// Digest-mapped keys only match the patterns "*" and "hash:*".
func (s *Service) Clear(ctx context.Context, pattern string) error {
	if pattern == "" {
		pattern = "*"
	}
	match := s.namespace + ":" + pattern

	iter := s.client.Scan(ctx, 0, match, clearScanBatch).Iterator()
	batch := make([]string, 0, clearScanBatch)
	removed := 0
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= clearScanBatch {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			removed += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		s.count("clear", "error", &s.errors)
		return err
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		removed += len(batch)
	}

	s.logger.Debug().
		Str("pattern", pattern).
		Int("removed", removed).
		Msg("Distributed cache cleared")
	s.count("clear", "ok", nil)
	return nil
}

// GetObject reads and deserializes a typed value with the configured codec.
func (s *Service) GetObject(ctx context.Context, key string, dest interface{}) error {
	value, _, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := s.codec.Unmarshal(value, dest); err != nil {
		return fmt.Errorf("%s decode %s: %w", s.codec.Name(), key, err)
	}
	return nil
}

// SetObject serializes a typed value with the configured codec and stores it.
func (s *Service) SetObject(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := s.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s encode %s: %w", s.codec.Name(), key, err)
	}
	return s.Set(ctx, key, payload, ttl)
}

// Stats snapshots the layer's counters.
func (s *Service) Stats() models.CacheStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	stats := models.CacheStats{
		Hits:        s.hits,
		Misses:      s.misses,
		Sets:        s.sets,
		Errors:      s.errors,
		Expirations: s.expirations,
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	return stats
}

func (s *Service) count(op, outcome string, counter *int64) {
	if counter != nil {
		s.statsMu.Lock()
		*counter++
		s.statsMu.Unlock()
	}
	if s.metrics != nil {
		s.metrics.CacheOps.WithLabelValues(string(models.LayerDistributed), op, outcome).Inc()
	}
}
