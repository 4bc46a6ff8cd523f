package interfaces

import (
	"context"
	"time"
)

// EdgeProvider renders rules into provider-native configuration and fronts
// the provider's invalidation API.
type EdgeProvider interface {
	// Name identifies the provider ("cloudfront", "cloudflare").
	Name() string

	// RenderConfig produces the provider-native configuration document for
	// the loaded rule set.
	RenderConfig() ([]byte, error)

	// Invalidate asks the provider to purge the given paths.
	Invalidate(ctx context.Context, paths []string) error
}

// EdgeService owns the declarative edge rule set, header generation, and URL
// signing.
type EdgeService interface {
	// Provider returns the active adapter.
	Provider() EdgeProvider

	// Invalidate purges paths through the provider adapter.
	Invalidate(ctx context.Context, paths []string) error

	// SignURL appends an HMAC signature and expiry to the URL.
	SignURL(rawURL string, expiresIn time.Duration) (string, error)

	// VerifySignedURL validates a previously signed URL.
	VerifySignedURL(rawURL string) (bool, error)

	// HeadersFor generates the HTTP cache headers for a content type.
	HeadersFor(contentType string) map[string]string

	// MatchRule returns the first rule whose path pattern matches, or nil.
	MatchRule(path string) *EdgeRuleMatch
}

// EdgeRuleMatch reports the behavior the edge applies to a path.
type EdgeRuleMatch struct {
	RuleName   string
	Behavior   string // "cache", "bypass", "origin"
	EdgeTTL    time.Duration
	BrowserTTL time.Duration
}
