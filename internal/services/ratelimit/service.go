// Package ratelimit implements the per-domain rate governor. Two mechanisms
// coexist: node-local token buckets for politeness pacing, and a shared
// sliding window in the distributed KV so cooperating nodes observe a common
// per-domain ceiling. Purpose-scoped limit sets (login, password reset, MFA)
// ride on the same sliding-window machinery.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

// domainState holds per-domain pacing state. The limiter carries the
// effective rate; configuredRPS is retained so a crawl-delay override can be
// relaxed again when robots change.
type domainState struct {
	limiter       *rate.Limiter
	configuredRPS float64
	burst         int
	crawlDelay    time.Duration
}

// Service implements the RateGovernor interface.
type Service struct {
	mu      sync.Mutex
	domains map[string]*domainState

	defaultRPS   float64
	defaultBurst int

	client  *redis.Client
	metrics *metrics.Metrics
	logger  arbor.ILogger
}

var _ interfaces.RateGovernor = (*Service)(nil)

// NewService creates the governor. The Redis client may be shared with other
// services; keys are namespaced under "rate:".
func NewService(config *common.RateLimitConfig, client *redis.Client, m *metrics.Metrics, logger arbor.ILogger) *Service {
	defaultRPS := config.DefaultRPS
	if defaultRPS <= 0 {
		defaultRPS = 1
	}
	defaultBurst := config.DefaultBurst
	if defaultBurst <= 0 {
		defaultBurst = 5
	}

	return &Service{
		domains:      make(map[string]*domainState),
		defaultRPS:   defaultRPS,
		defaultBurst: defaultBurst,
		client:       client,
		metrics:      m,
		logger:       logger,
	}
}

// state returns the domain's pacing state, creating defaults on first touch.
func (s *Service) state(domain string) (*domainState, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, interfaces.ErrDomainUnknown
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.domains[domain]
	if !ok {
		st = &domainState{
			limiter:       rate.NewLimiter(rate.Limit(s.defaultRPS), s.defaultBurst),
			configuredRPS: s.defaultRPS,
			burst:         s.defaultBurst,
		}
		s.domains[domain] = st
	}
	return st, nil
}

// TryAcquire is the non-blocking bucket check.
func (s *Service) TryAcquire(domain string) (bool, error) {
	st, err := s.state(domain)
	if err != nil {
		return false, err
	}
	allowed := st.limiter.Allow()
	if !allowed && s.metrics != nil {
		s.metrics.RateDenials.WithLabelValues("bucket").Inc()
	}
	return allowed, nil
}

// Wait blocks until the bucket admits the request or maxWait elapses.
func (s *Service) Wait(ctx context.Context, domain string, maxWait time.Duration) (time.Duration, error) {
	st, err := s.state(domain)
	if err != nil {
		return 0, err
	}

	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}

	start := time.Now()
	if err := st.limiter.Wait(waitCtx); err != nil {
		if s.metrics != nil {
			s.metrics.RateDenials.WithLabelValues("bucket").Inc()
		}
		return time.Since(start), fmt.Errorf("rate wait exceeded for %s: %w", domain, err)
	}
	return time.Since(start), nil
}

// windowKey is the shared sliding-window ZSET for a domain.
func windowKey(domain string) string {
	return "rate:window:" + domain
}

// AllowDistributed admits the request iff fewer than burst accesses fall in
// the trailing burst/rps seconds of the shared window.
func (s *Service) AllowDistributed(ctx context.Context, domain string) (bool, error) {
	st, err := s.state(domain)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	rps := effectiveRPS(st)
	burst := st.burst
	s.mu.Unlock()

	window := time.Duration(float64(burst) / rps * float64(time.Second))
	now := time.Now()
	cutoff := now.Add(-window)

	key := windowKey(strings.ToLower(strings.TrimSpace(domain)))
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("sliding window check failed for %s: %w", domain, err)
	}

	allowed := countCmd.Val() < int64(burst)
	if !allowed && s.metrics != nil {
		s.metrics.RateDenials.WithLabelValues("window").Inc()
	}
	return allowed, nil
}

// RecordAccess appends a timestamped member to the shared window. Member
// uniqueness makes concurrent records from one node count individually.
func (s *Service) RecordAccess(ctx context.Context, domain string) error {
	st, err := s.state(domain)
	if err != nil {
		return err
	}

	s.mu.Lock()
	rps := effectiveRPS(st)
	burst := st.burst
	s.mu.Unlock()

	window := time.Duration(float64(burst) / rps * float64(time.Second))
	now := time.Now()

	key := windowKey(strings.ToLower(strings.TrimSpace(domain)))
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Add(-window).UnixNano()))
	pipe.Expire(ctx, key, window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record access for %s: %w", domain, err)
	}
	return nil
}

// purposeWindow is one tier of a purpose limit set.
type purposeWindow struct {
	span time.Duration
	max  int64
}

// purposeLimits are the window tiers per auth purpose. Every tier is checked
// independently; the tightest exceeded one drives RetryAfter.
var purposeLimits = map[string][]purposeWindow{
	"login":          {{time.Minute, 5}, {time.Hour, 20}, {24 * time.Hour, 100}},
	"password_reset": {{time.Minute, 2}, {time.Hour, 5}, {24 * time.Hour, 10}},
	"mfa":            {{time.Minute, 10}, {time.Hour, 30}, {24 * time.Hour, 100}},
}

// purposeKey is the shared sliding-window ZSET for a purpose-scoped caller.
func purposeKey(purpose, key string) string {
	return "rate:purpose:" + purpose + ":" + key
}

// AllowPurpose checks every window tier for the purpose and records the
// attempt only when admitted, so RetryAfter stays an honest bound on when
// the tightest window re-admits the key.
func (s *Service) AllowPurpose(ctx context.Context, purpose, key string) (interfaces.PurposeDecision, error) {
	limits, ok := purposeLimits[purpose]
	if !ok {
		return interfaces.PurposeDecision{}, fmt.Errorf("unknown rate purpose %q", purpose)
	}
	if key == "" {
		key = "unknown"
	}

	now := time.Now()
	zkey := purposeKey(purpose, key)
	longest := limits[len(limits)-1].span

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", fmt.Sprintf("%d", now.Add(-longest).UnixNano()))
	counts := make([]*redis.IntCmd, len(limits))
	for i, window := range limits {
		counts[i] = pipe.ZCount(ctx, zkey, fmt.Sprintf("%d", now.Add(-window.span).UnixNano()), "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return interfaces.PurposeDecision{}, fmt.Errorf("purpose window check failed for %s: %w", purpose, err)
	}

	var retryAfter time.Duration
	for i, window := range limits {
		if counts[i].Val() < window.max {
			continue
		}
		// Tier full: it re-admits when its oldest member ages out.
		members, err := s.client.ZRangeByScoreWithScores(ctx, zkey, &redis.ZRangeBy{
			Min:   fmt.Sprintf("%d", now.Add(-window.span).UnixNano()),
			Max:   "+inf",
			Count: 1,
		}).Result()
		if err != nil {
			return interfaces.PurposeDecision{}, fmt.Errorf("purpose window check failed for %s: %w", purpose, err)
		}
		wait := window.span
		if len(members) > 0 {
			oldestAt := time.Unix(0, int64(members[0].Score))
			wait = oldestAt.Add(window.span).Sub(now)
		}
		if wait > retryAfter {
			retryAfter = wait
		}
	}
	if retryAfter > 0 {
		if s.metrics != nil {
			s.metrics.RateDenials.WithLabelValues("purpose").Inc()
		}
		s.logger.Debug().
			Str("purpose", purpose).
			Str("key", key).
			Dur("retry_after", retryAfter).
			Msg("Purpose limit exceeded")
		return interfaces.PurposeDecision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())
	record := s.client.TxPipeline()
	record.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	record.Expire(ctx, zkey, longest*2)
	if _, err := record.Exec(ctx); err != nil {
		return interfaces.PurposeDecision{}, fmt.Errorf("failed to record %s attempt: %w", purpose, err)
	}
	return interfaces.PurposeDecision{Allowed: true}, nil
}

// SetDomainLimit replaces the configured rps and burst for a domain.
func (s *Service) SetDomainLimit(domain string, rps float64, burst int) error {
	st, err := s.state(domain)
	if err != nil {
		return err
	}
	if rps <= 0 {
		rps = s.defaultRPS
	}
	if burst <= 0 {
		burst = s.defaultBurst
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.configuredRPS = rps
	st.burst = burst
	st.limiter.SetLimit(rate.Limit(effectiveRPS(st)))
	st.limiter.SetBurst(burst)
	return nil
}

// SetCrawlDelay applies the robots override. Effective rps is
// min(configured, 1/delay); a zero delay clears the override.
func (s *Service) SetCrawlDelay(domain string, delay time.Duration) error {
	st, err := s.state(domain)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.crawlDelay = delay
	st.limiter.SetLimit(rate.Limit(effectiveRPS(st)))

	s.logger.Debug().
		Str("domain", strings.ToLower(domain)).
		Dur("crawl_delay", delay).
		Float64("effective_rps", effectiveRPS(st)).
		Msg("Crawl delay applied")
	return nil
}

// effectiveRPS folds the crawl-delay override into the configured rate.
// Callers hold s.mu or own the only reference.
func effectiveRPS(st *domainState) float64 {
	rps := st.configuredRPS
	if st.crawlDelay > 0 {
		delayRPS := 1 / st.crawlDelay.Seconds()
		if delayRPS < rps {
			rps = delayRPS
		}
	}
	return rps
}
