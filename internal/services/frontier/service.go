// Package frontier implements the multi-priority leased URL queue. All
// state lives in the distributed KV (tier sorted sets, a processing set
// scored by lease expiry, and a shared visited set) so workers on any node
// observe one view of a job's frontier and crashed leases are recoverable.
package frontier

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

const (
	// jobsKey registers every job with frontier state so the recovery loop
	// knows what to scan.
	jobsKey = "frontier:jobs"

	// leasePollInterval paces the lease scan when every tier comes up empty.
	leasePollInterval = 250 * time.Millisecond
)

// leaseScript pops the lowest-score member at or below the cutoff from a
// tier and moves it into the processing set in one atomic step, so two
// workers can never lease the same entry.
//
// KEYS[1] = tier zset, KEYS[2] = processing zset
// ARGV[1] = max eligible score (now), ARGV[2] = lease expiry score
var leaseScript = redis.NewScript(`
local popped = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #popped == 0 then
  return false
end
redis.call('ZREM', KEYS[1], popped[1])
redis.call('ZADD', KEYS[2], ARGV[2], popped[1])
return popped[1]
`)

// Service implements the Frontier interface over Redis.
type Service struct {
	client *redis.Client
	bloom  interfaces.BloomFilter
	rate   interfaces.RateGovernor

	leaseTTL      time.Duration
	recoveryEvery time.Duration
	maxRetries    int
	deferredDelay time.Duration

	metrics *metrics.Metrics
	logger  arbor.ILogger
}

var _ interfaces.Frontier = (*Service)(nil)

// NewService wires the frontier to the shared Redis client, the bloom
// seen-set, and the rate governor consulted at lease time.
func NewService(config *common.FrontierConfig, client *redis.Client, bloom interfaces.BloomFilter, rate interfaces.RateGovernor, m *metrics.Metrics, logger arbor.ILogger) *Service {
	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Service{
		client:        client,
		bloom:         bloom,
		rate:          rate,
		leaseTTL:      common.ParseDurationOr(config.LeaseTTL, 5*time.Minute),
		recoveryEvery: common.ParseDurationOr(config.RecoveryInterval, time.Minute),
		maxRetries:    maxRetries,
		deferredDelay: common.ParseDurationOr(config.DeferredDelay, 5*time.Minute),
		metrics:       m,
		logger:        logger,
	}
}

func tierKey(jobID string, p models.Priority) string {
	return "frontier:" + jobID + ":tier:" + p.String()
}

func entriesKey(jobID string) string    { return "frontier:" + jobID + ":entries" }
func processingKey(jobID string) string { return "frontier:" + jobID + ":processing" }
func visitedKey(jobID string) string    { return "frontier:" + jobID + ":visited" }
func failedKey(jobID string) string     { return "frontier:" + jobID + ":failed" }
func limitsKey(jobID string) string     { return "frontier:" + jobID + ":limits" }

// SetDepthCap stores the job's depth limit in the shared KV so every node
// enforces the same cap at enqueue. Zero means unlimited.
func (s *Service) SetDepthCap(ctx context.Context, jobID string, maxDepth int) error {
	if err := s.client.HSet(ctx, limitsKey(jobID), "max_depth", maxDepth).Err(); err != nil {
		return fmt.Errorf("failed to set depth cap for job %s: %w", jobID, err)
	}
	return nil
}

func (s *Service) depthCap(ctx context.Context, jobID string) (int, error) {
	raw, err := s.client.HGet(ctx, limitsKey(jobID), "max_depth").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	maxDepth, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil
	}
	return maxDepth, nil
}

// Enqueue normalizes the URL, consults the bloom and visited sets, and
// inserts the entry into its priority tier scored by enqueue time so
// same-tier entries lease FIFO.
func (s *Service) Enqueue(ctx context.Context, entry *models.URLEntry) (models.EnqueueOutcome, error) {
	normalized, err := common.NormalizeURL(entry.URL)
	if err != nil {
		return "", fmt.Errorf("enqueue rejected: %w", err)
	}
	entry.URL = normalized

	if maxDepth, err := s.depthCap(ctx, entry.JobID); err != nil {
		return "", fmt.Errorf("failed to read depth cap: %w", err)
	} else if maxDepth > 0 && entry.Depth > maxDepth {
		return models.EnqueueDepthCapped, nil
	}

	// Bloom first: a positive may be false with probability epsilon, which
	// only costs a skipped URL, never a duplicate crawl.
	if s.bloom != nil && s.bloom.Seen(normalized) {
		return models.EnqueueAlreadySeen, nil
	}

	pipe := s.client.TxPipeline()
	visitedCmd := pipe.SIsMember(ctx, visitedKey(entry.JobID), normalized)
	queuedCmd := pipe.HExists(ctx, entriesKey(entry.JobID), normalized)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to check seen state for %s: %w", normalized, err)
	}
	if visitedCmd.Val() || queuedCmd.Val() {
		return models.EnqueueAlreadySeen, nil
	}

	if entry.DiscoveredAt.IsZero() {
		entry.DiscoveredAt = time.Now()
	}
	payload, err := entry.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode entry for %s: %w", normalized, err)
	}

	insert := s.client.TxPipeline()
	insert.HSet(ctx, entriesKey(entry.JobID), normalized, payload)
	insert.ZAdd(ctx, tierKey(entry.JobID, entry.Priority), redis.Z{
		Score:  float64(entry.DiscoveredAt.UnixMicro()),
		Member: normalized,
	})
	insert.SAdd(ctx, jobsKey, entry.JobID)
	if _, err := insert.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", normalized, err)
	}

	if s.bloom != nil {
		s.bloom.Add(normalized)
	}
	return models.EnqueueInserted, nil
}

// Lease scans tiers from highest priority downward and returns the next
// entry the rate governor admits. A denied entry moves to the Deferred tier
// with a future redelivery score instead of blocking the scan. Returns nil
// when maxWait elapses with nothing leasable.
func (s *Service) Lease(ctx context.Context, jobID string, maxWait time.Duration) (*models.URLEntry, error) {
	deadline := time.Now().Add(maxWait)

	for {
		entry, err := s.leaseOnce(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
		if maxWait <= 0 || !time.Now().Add(leasePollInterval).Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leasePollInterval):
		}
	}
}

// leaseOnce makes one pass over the tiers. Entries whose scores are in the
// future (deferred redeliveries, retry backoffs) are skipped by the cutoff.
// A rate-denied entry moves to Deferred and the same tier is popped again,
// so one slow domain cannot shadow the rest of its tier.
func (s *Service) leaseOnce(ctx context.Context, jobID string) (*models.URLEntry, error) {
	now := time.Now()
	expiry := float64(now.Add(s.leaseTTL).UnixMicro())

	for _, tier := range models.Priorities {
		for {
			raw, err := leaseScript.Run(ctx, s.client,
				[]string{tierKey(jobID, tier), processingKey(jobID)},
				now.UnixMicro(), expiry,
			).Text()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("lease pop failed on %s tier: %w", tier, err)
			}

			entry, err := s.loadEntry(ctx, jobID, raw)
			if err != nil {
				return nil, err
			}
			if entry == nil {
				// Entry record vanished (purged mid-lease); drop the orphan.
				s.client.ZRem(ctx, processingKey(jobID), raw)
				continue
			}

			domain := common.RegisteredDomain(entry.URL)
			admitted, err := s.admit(ctx, domain)
			if err != nil {
				s.logger.Warn().Err(err).Str("domain", domain).Msg("Rate admission check failed, deferring entry")
				admitted = false
			}
			if !admitted {
				if err := s.deferEntry(ctx, jobID, entry, raw); err != nil {
					return nil, err
				}
				continue
			}

			entry.LeasedAt = now
			return entry, nil
		}
	}
	return nil, nil
}

// admit consults the node-local bucket, then the shared sliding window.
func (s *Service) admit(ctx context.Context, domain string) (bool, error) {
	if s.rate == nil || domain == "" {
		return true, nil
	}
	ok, err := s.rate.TryAcquire(domain)
	if err != nil || !ok {
		return false, err
	}
	return s.rate.AllowDistributed(ctx, domain)
}

// deferEntry moves a rate-denied entry from processing into the Deferred
// tier with a redelivery score deferredDelay in the future.
func (s *Service) deferEntry(ctx context.Context, jobID string, entry *models.URLEntry, member string) error {
	redeliverAt := time.Now().Add(s.deferredDelay)

	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, processingKey(jobID), member)
	pipe.ZAdd(ctx, tierKey(jobID, models.PriorityDeferred), redis.Z{
		Score:  float64(redeliverAt.UnixMicro()),
		Member: member,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to defer %s: %w", entry.URL, err)
	}

	s.logger.Debug().
		Str("url", entry.URL).
		Str("job_id", jobID).
		Dur("delay", s.deferredDelay).
		Msg("Entry deferred by rate governor")
	return nil
}

func (s *Service) loadEntry(ctx context.Context, jobID, url string) (*models.URLEntry, error) {
	raw, err := s.client.HGet(ctx, entriesKey(jobID), url).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry %s: %w", url, err)
	}
	entry, err := models.DecodeURLEntry([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode entry %s: %w", url, err)
	}
	return entry, nil
}

// Complete removes the leased entry from processing and marks its URL
// visited.
func (s *Service) Complete(ctx context.Context, entry *models.URLEntry) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, processingKey(entry.JobID), entry.URL)
	pipe.HDel(ctx, entriesKey(entry.JobID), entry.URL)
	pipe.SAdd(ctx, visitedKey(entry.JobID), entry.URL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete %s: %w", entry.URL, err)
	}
	return nil
}

// Fail re-queues the entry at Low priority with a growing backoff score, or
// moves it to the failed set once retries are exhausted.
func (s *Service) Fail(ctx context.Context, entry *models.URLEntry, reason string) error {
	entry.RetryCount++

	if entry.RetryCount >= s.maxRetries {
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, processingKey(entry.JobID), entry.URL)
		pipe.HDel(ctx, entriesKey(entry.JobID), entry.URL)
		pipe.HSet(ctx, failedKey(entry.JobID), entry.URL, reason)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to record failure for %s: %w", entry.URL, err)
		}
		s.logger.Debug().
			Str("url", entry.URL).
			Int("retries", entry.RetryCount).
			Str("reason", reason).
			Msg("Entry moved to failed set")
		return nil
	}

	entry.Priority = models.PriorityLow
	retryAt := time.Now().Add(time.Duration(entry.RetryCount) * 60 * time.Second)
	payload, err := entry.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode retry entry for %s: %w", entry.URL, err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, processingKey(entry.JobID), entry.URL)
	pipe.HSet(ctx, entriesKey(entry.JobID), entry.URL, payload)
	pipe.ZAdd(ctx, tierKey(entry.JobID, models.PriorityLow), redis.Z{
		Score:  float64(retryAt.UnixMicro()),
		Member: entry.URL,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue %s: %w", entry.URL, err)
	}
	return nil
}

// RecoverExpired returns entries whose lease lapsed to their original
// tiers, scored by their original discovery time so they lease ahead of
// newer work.
func (s *Service) RecoverExpired(ctx context.Context, jobID string) (int, error) {
	now := time.Now()
	expired, err := s.client.ZRangeByScore(ctx, processingKey(jobID), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan processing set: %w", err)
	}

	recovered := 0
	for _, url := range expired {
		entry, err := s.loadEntry(ctx, jobID, url)
		if err != nil {
			return recovered, err
		}

		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, processingKey(jobID), url)
		if entry != nil {
			pipe.ZAdd(ctx, tierKey(jobID, entry.Priority), redis.Z{
				Score:  float64(entry.DiscoveredAt.UnixMicro()),
				Member: url,
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("failed to reclaim %s: %w", url, err)
		}
		if entry != nil {
			recovered++
		}
	}

	if recovered > 0 {
		if s.metrics != nil {
			s.metrics.LeaseRecoveries.Add(float64(recovered))
		}
		s.logger.Info().
			Str("job_id", jobID).
			Int("recovered", recovered).
			Msg("Expired leases returned to their tiers")
	}
	return recovered, nil
}

// RunRecovery scans every registered job for expired leases on the
// configured interval until the context is cancelled.
func (s *Service) RunRecovery(ctx context.Context) {
	ticker := time.NewTicker(s.recoveryEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := s.client.SMembers(ctx, jobsKey).Result()
			if err != nil {
				s.logger.Warn().Err(err).Msg("Recovery scan failed to list jobs")
				continue
			}
			for _, jobID := range jobs {
				if _, err := s.RecoverExpired(ctx, jobID); err != nil {
					s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Lease recovery failed")
				}
			}
		}
	}
}

// Sizes reports per-tier queue depths and refreshes the depth gauges.
func (s *Service) Sizes(ctx context.Context, jobID string) (map[models.Priority]int64, error) {
	pipe := s.client.TxPipeline()
	cmds := make(map[models.Priority]*redis.IntCmd, len(models.Priorities))
	for _, tier := range models.Priorities {
		cmds[tier] = pipe.ZCard(ctx, tierKey(jobID, tier))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read tier sizes: %w", err)
	}

	sizes := make(map[models.Priority]int64, len(cmds))
	for tier, cmd := range cmds {
		sizes[tier] = cmd.Val()
		if s.metrics != nil {
			s.metrics.FrontierDepth.WithLabelValues(tier.String()).Set(float64(cmd.Val()))
		}
	}
	return sizes, nil
}

// ProcessingCount reports how many entries are currently leased.
func (s *Service) ProcessingCount(ctx context.Context, jobID string) (int64, error) {
	n, err := s.client.ZCard(ctx, processingKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count processing set: %w", err)
	}
	return n, nil
}

// VisitedCount reports how many URLs have completed.
func (s *Service) VisitedCount(ctx context.Context, jobID string) (int64, error) {
	n, err := s.client.SCard(ctx, visitedKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count visited set: %w", err)
	}
	return n, nil
}

// FailedCount reports how many entries exhausted their retries.
func (s *Service) FailedCount(ctx context.Context, jobID string) (int64, error) {
	n, err := s.client.HLen(ctx, failedKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count failed set: %w", err)
	}
	return n, nil
}

// Purge removes all frontier state for a job.
func (s *Service) Purge(ctx context.Context, jobID string) error {
	keys := []string{
		entriesKey(jobID),
		processingKey(jobID),
		visitedKey(jobID),
		failedKey(jobID),
		limitsKey(jobID),
	}
	for _, tier := range models.Priorities {
		keys = append(keys, tierKey(jobID, tier))
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, jobsKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to purge frontier for job %s: %w", jobID, err)
	}

	s.logger.Debug().Str("job_id", jobID).Msg("Frontier state purged")
	return nil
}
