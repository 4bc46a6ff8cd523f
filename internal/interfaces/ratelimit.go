package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrDomainUnknown is returned by the rate governor for an empty domain.
// Any non-empty domain gets default limits created on first touch.
var ErrDomainUnknown = errors.New("domain unknown")

// PurposeDecision is the outcome of a purpose-scoped limit check (login,
// password reset, MFA). RetryAfter is how long until the tightest exceeded
// window re-admits the key.
type PurposeDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateGovernor enforces per-domain politeness and per-purpose auth limits.
// Token buckets are node-local; the sliding window is shared through the
// distributed KV.
type RateGovernor interface {
	// TryAcquire returns whether the domain's token bucket admits a request
	// right now, without blocking.
	TryAcquire(domain string) (bool, error)

	// Wait blocks until the bucket admits a request or maxWait elapses.
	// Returns the duration actually waited.
	Wait(ctx context.Context, domain string, maxWait time.Duration) (time.Duration, error)

	// AllowDistributed checks the shared sliding window: allowed iff fewer
	// than burst accesses fall within the trailing burst/rps seconds.
	AllowDistributed(ctx context.Context, domain string) (bool, error)

	// RecordAccess notes a completed request in the shared window. Safe
	// under concurrent callers from the same node.
	RecordAccess(ctx context.Context, domain string) error

	// SetDomainLimit replaces the domain's configured rps and burst.
	SetDomainLimit(domain string, rps float64, burst int) error

	// SetCrawlDelay applies a robots crawl-delay override: effective rps
	// becomes min(configured, 1/delay).
	SetCrawlDelay(domain string, delay time.Duration) error

	// AllowPurpose checks a named limit set (e.g. "login", "password_reset",
	// "mfa") for a caller key such as an IP address.
	AllowPurpose(ctx context.Context, purpose, key string) (PurposeDecision, error)
}
