package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/aranea/internal/interfaces"
)

// Purpose names for auth-path limit sets.
const (
	PurposeLogin         = "login"
	PurposePasswordReset = "password_reset"
	PurposeMfa           = "mfa"
)

// windowLimit caps attempts within a trailing window.
type windowLimit struct {
	window time.Duration
	max    int64
}

// purposeLimits are fixed limit sets per purpose. Every window must admit
// the key or the attempt is denied.
var purposeLimits = map[string][]windowLimit{
	PurposeLogin: {
		{time.Minute, 5},
		{time.Hour, 20},
		{24 * time.Hour, 100},
	},
	PurposePasswordReset: {
		{time.Minute, 2},
		{time.Hour, 5},
		{24 * time.Hour, 10},
	},
	PurposeMfa: {
		{time.Minute, 10},
		{time.Hour, 30},
		{24 * time.Hour, 100},
	},
}

func purposeKey(purpose, key string) string {
	return "rate:purpose:" + purpose + ":" + key
}

// AllowPurpose checks every window of the named limit set for the key.
// Allowed attempts are recorded; denied attempts are not, so a blocked
// caller cannot extend its own penalty. RetryAfter reports when the
// tightest exceeded window re-admits the key.
func (s *Service) AllowPurpose(ctx context.Context, purpose, key string) (interfaces.PurposeDecision, error) {
	limits, ok := purposeLimits[purpose]
	if !ok {
		return interfaces.PurposeDecision{}, fmt.Errorf("unknown rate-limit purpose: %s", purpose)
	}
	if key == "" {
		return interfaces.PurposeDecision{}, fmt.Errorf("rate-limit key is required")
	}

	zkey := purposeKey(purpose, key)
	now := time.Now()
	longest := limits[len(limits)-1].window

	// Trim history beyond the longest window, then count every window.
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", fmt.Sprintf("%d", now.Add(-longest).UnixNano()))
	counts := make([]*redis.IntCmd, len(limits))
	for i, lim := range limits {
		counts[i] = pipe.ZCount(ctx, zkey, fmt.Sprintf("%d", now.Add(-lim.window).UnixNano()), "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return interfaces.PurposeDecision{}, fmt.Errorf("purpose window check failed: %w", err)
	}

	var retryAfter time.Duration
	denied := false
	for i, lim := range limits {
		if counts[i].Val() < lim.max {
			continue
		}
		denied = true
		wait := s.windowRetryAfter(ctx, zkey, lim.window, now)
		if wait > retryAfter {
			retryAfter = wait
		}
	}

	if denied {
		if s.metrics != nil {
			s.metrics.RateDenials.WithLabelValues("purpose:" + purpose).Inc()
		}
		return interfaces.PurposeDecision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())
	record := s.client.TxPipeline()
	record.ZAdd(ctx, zkey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	record.Expire(ctx, zkey, longest+time.Minute)
	if _, err := record.Exec(ctx); err != nil {
		return interfaces.PurposeDecision{}, fmt.Errorf("failed to record attempt: %w", err)
	}

	return interfaces.PurposeDecision{Allowed: true}, nil
}

// windowRetryAfter finds when the oldest attempt inside the window ages out.
func (s *Service) windowRetryAfter(ctx context.Context, zkey string, window time.Duration, now time.Time) time.Duration {
	oldest, err := s.client.ZRangeByScoreWithScores(ctx, zkey, &redis.ZRangeBy{
		Min:    fmt.Sprintf("%d", now.Add(-window).UnixNano()),
		Max:    "+inf",
		Offset: 0,
		Count:  1,
	}).Result()
	if err != nil || len(oldest) == 0 {
		return window
	}

	expiresAt := time.Unix(0, int64(oldest[0].Score)).Add(window)
	wait := expiresAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}
