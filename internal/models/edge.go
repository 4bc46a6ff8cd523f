package models

// CacheBehavior names what the edge does with requests matching a rule.
type CacheBehavior string

const (
	BehaviorCache  CacheBehavior = "cache"  // Serve from edge within TTL
	BehaviorBypass CacheBehavior = "bypass" // Never cache, always forward
	BehaviorOrigin CacheBehavior = "origin" // Forward and honor origin headers
)

// QueryHandling names how query strings participate in the edge cache key.
type QueryHandling string

const (
	QueryAll       QueryHandling = "all"
	QueryNone      QueryHandling = "none"
	QueryAllowlist QueryHandling = "allowlist"
)

// CacheRule is one entry of the declarative edge rule set, loaded from YAML.
// Rules are evaluated in declaration order and the first match wins, so
// narrower patterns belong before broad ones. TTLs are duration strings
// ("24h", "5m") following the config convention.
type CacheRule struct {
	Name           string        `yaml:"name"`
	PathPattern    string        `yaml:"path_pattern"`
	Behavior       CacheBehavior `yaml:"behavior"`
	EdgeTTL        string        `yaml:"edge_ttl"`
	BrowserTTL     string        `yaml:"browser_ttl"`
	QueryHandling  QueryHandling `yaml:"query_handling"`
	QueryAllowlist []string      `yaml:"query_allowlist,omitempty"`
	ForwardHeaders []string      `yaml:"forward_headers,omitempty"`
	ForwardCookies bool          `yaml:"forward_cookies"`
	Compression    bool          `yaml:"compression"`
	AllowedMethods []string      `yaml:"allowed_methods,omitempty"`
}
