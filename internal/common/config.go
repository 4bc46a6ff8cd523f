package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Logging     LoggingConfig     `toml:"logging"`
	Storage     StorageConfig     `toml:"storage"`
	Redis       RedisConfig       `toml:"redis"`
	Queue       QueueConfig       `toml:"queue"`
	Crawler     CrawlerConfig     `toml:"crawler"`
	Frontier    FrontierConfig    `toml:"frontier"`
	Bloom       BloomConfig       `toml:"bloom"`
	RateLimit   RateLimitConfig   `toml:"ratelimit"`
	Robots      RobotsConfig      `toml:"robots"`
	Renderer    RendererConfig    `toml:"renderer"`
	Dedup       DedupConfig       `toml:"dedup"`
	AppCache    AppCacheConfig    `toml:"appcache"`
	DistCache   DistCacheConfig   `toml:"distcache"`
	Edge        EdgeConfig        `toml:"edge"`
	CacheSync   CacheSyncConfig   `toml:"cachesync"`
	Invalidator InvalidatorConfig `toml:"invalidator"`
	Auth        AuthConfig        `toml:"auth"`
	Events      EventsConfig      `toml:"events"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// RedisConfig represents the distributed KV connection shared by the
// frontier, distributed cache, sync bus, and token blacklist.
type RedisConfig struct {
	Addr         string `toml:"addr" validate:"required"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	DialTimeout  string `toml:"dial_timeout"`  // e.g., "5s"
	ReadTimeout  string `toml:"read_timeout"`  // e.g., "3s"
	WriteTimeout string `toml:"write_timeout"` // e.g., "3s"
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent workers; 0 = NumCPU
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
}

// CrawlerConfig contains crawl behavior defaults applied when a job
// configuration leaves a knob unset.
type CrawlerConfig struct {
	UserAgent                 string        `toml:"user_agent"`                   // Default user agent string
	MaxDepth                  int           `toml:"max_depth"`                    // Maximum crawl depth
	MaxPages                  int           `toml:"max_pages"`                    // Maximum pages per job (0 = unlimited)
	ConcurrentCrawlsPerWorker int           `toml:"concurrent_crawls_per_worker"` // Parallel fetch loops inside one worker
	RequestTimeout            time.Duration `toml:"request_timeout"`              // HTTP request timeout
	MaxBodySize               int64         `toml:"max_body_size"`                // Maximum response body size in bytes
	MaxRedirects              int           `toml:"max_redirects"`                // Redirect chain length cap
	RetryAttempts             int           `toml:"retry_attempts"`               // Maximum retry attempts for transient failures
	RetryBackoff              time.Duration `toml:"retry_backoff"`                // Initial backoff duration for retries
	AllowedContentTypes       []string      `toml:"allowed_content_types"`        // Whitelist of allowed content types
	FollowRobots              bool          `toml:"follow_robots"`                // Respect robots.txt rules
	IncludeSitemaps           bool          `toml:"include_sitemaps"`             // Discover and enqueue sitemap URLs at job start
	DefaultRPS                float64       `toml:"default_rps"`                  // Per-domain rate cap when a job sets none
	MonitorInterval           time.Duration `toml:"monitor_interval"`             // Progress monitor tick
	IdleTimeout               time.Duration `toml:"idle_timeout"`                 // Job terminates after this long without progress
	ResultRetention           time.Duration `toml:"result_retention"`             // How long crawl results are kept
}

// FrontierConfig tunes the priority URL queue.
type FrontierConfig struct {
	LeaseTTL         string `toml:"lease_ttl"`         // e.g., "5m" - processing lease before recovery
	RecoveryInterval string `toml:"recovery_interval"` // e.g., "60s" - expired-lease scan interval
	MaxRetries       int    `toml:"max_retries"`       // Attempts before an entry moves to the failed set
	DeferredDelay    string `toml:"deferred_delay"`    // e.g., "5m" - redelivery delay after a rate-governor denial
}

// BloomConfig tunes the probabilistic URL seen-set.
type BloomConfig struct {
	Capacity        int     `toml:"capacity"`         // Expected number of distinct URLs
	Epsilon         float64 `toml:"epsilon"`          // Target false-positive rate
	PersistInterval string  `toml:"persist_interval"` // e.g., "60s" - snapshot cadence; "" disables
}

type RateLimitConfig struct {
	DefaultRPS   float64 `toml:"default_rps"`   // Per-domain requests per second when unconfigured
	DefaultBurst int     `toml:"default_burst"` // Per-domain burst allowance
}

// RobotsConfig tunes robots.txt fetching and the two-tier record cache.
type RobotsConfig struct {
	CacheTTL       string `toml:"cache_ttl"`        // e.g., "5m" - in-memory record TTL
	CacheSize      int    `toml:"cache_size"`       // In-memory LRU capacity (domains)
	MaxFetchBytes  int64  `toml:"max_fetch_bytes"`  // robots.txt and sitemap body cap
	SitemapMaxURLs int    `toml:"sitemap_max_urls"` // Cap on URLs collected per sitemap tree
}

// RendererConfig tunes the headless browser pool.
type RendererConfig struct {
	Enabled               bool          `toml:"enabled"`
	MaxBrowsers           int           `toml:"max_browsers"`             // Browser process cap
	MaxContextsPerBrowser int           `toml:"max_contexts_per_browser"` // Tab cap per browser
	AcquireTimeout        time.Duration `toml:"acquire_timeout"`          // Lease wait bound
	RenderTimeout         time.Duration `toml:"render_timeout"`           // Per-page render bound
	ViewportWidth         int           `toml:"viewport_width"`
	ViewportHeight        int           `toml:"viewport_height"`
	BlockedResourceTypes  []string      `toml:"blocked_resource_types"` // e.g., "image", "media", "font"
	BlockedDomains        []string      `toml:"blocked_domains"`        // Substring filters for ad/analytics hosts
	CaptureScreenshots    bool          `toml:"capture_screenshots"`
}

// DedupConfig holds the duplicate-detection policy defaults.
type DedupConfig struct {
	NearDupThreshold   float64 `toml:"near_dup_threshold"` // Weighted similarity score for NearDuplicate
	SimilarThreshold   float64 `toml:"similar_threshold"`  // SimHash-scored similarity for Similar
	RejectExact        bool    `toml:"reject_exact"`
	RejectNearDup      bool    `toml:"reject_near_dup"`
	PreferCanonical    bool    `toml:"prefer_canonical"`
	SampleSize         int     `toml:"sample_size"`         // Bytes of content retained per stored fingerprint
	ShingleSize        int     `toml:"shingle_size"`        // Words per shingle (k)
	MinHashPermutation int     `toml:"minhash_permutations"` // MinHash signature length
	LSHBands           int     `toml:"lsh_bands"`           // LSH band count; rows = permutations / bands
}

// AppCacheConfig tunes the in-process cache.
type AppCacheConfig struct {
	MaxSizeBytes    int64         `toml:"max_size_bytes"`
	MaxEntries      int           `toml:"max_entries"`
	Policy          string        `toml:"policy"`           // "lru", "lfu", "fifo", "adaptive"
	DefaultTTL      time.Duration `toml:"default_ttl"`
	CleanupInterval time.Duration `toml:"cleanup_interval"` // Expiry janitor cadence
}

// DistCacheConfig tunes the Redis-backed cache layer.
type DistCacheConfig struct {
	Namespace            string `toml:"namespace"`             // Key prefix
	Serializer           string `toml:"serializer"`            // "json", "msgpack", "gob"
	CompressionThreshold int    `toml:"compression_threshold"` // Gzip payloads larger than this many bytes
	PipelineMaxBatch     int    `toml:"pipeline_max_batch"`    // Ops per coalesced round-trip
	PipelineLinger       string `toml:"pipeline_linger"`       // e.g., "100ms"
}

// EdgeConfig points at the declarative edge rule set.
type EdgeConfig struct {
	Enabled        bool   `toml:"enabled"`
	Provider       string `toml:"provider"`       // "cloudfront" or "cloudflare"
	RulesFile      string `toml:"rules_file"`     // YAML rule document
	SigningSecret  string `toml:"signing_secret"` // HMAC secret for signed URLs
	DistributionID string `toml:"distribution_id"`
	ZoneID         string `toml:"zone_id"`
	Endpoint       string `toml:"endpoint"` // Provider API endpoint override (tests)
}

// CacheSyncConfig tunes cross-node invalidation propagation.
type CacheSyncConfig struct {
	Strategy          string `toml:"strategy"`           // "broadcast", "gossip", "masterslave", "consensus", "eventual"
	NodeID            string `toml:"node_id"`            // Stable node identity; "" generates one
	GossipFanout      int    `toml:"gossip_fanout"`
	HeartbeatInterval string `toml:"heartbeat_interval"` // e.g., "10s"
	PeerTimeout       string `toml:"peer_timeout"`       // e.g., "30s" - silence before a peer is unhealthy
}

// InvalidatorConfig tunes invalidation batching.
type InvalidatorConfig struct {
	BatchMaxEvents int    `toml:"batch_max_events"` // Dispatch at this many events
	BatchLinger    string `toml:"batch_linger"`     // e.g., "100ms" - dispatch at this linger bound
}

// AuthConfig holds the session and token core settings.
type AuthConfig struct {
	SecretKey          string `toml:"secret_key" validate:"required"` // HMAC signing secret
	Algorithm          string `toml:"algorithm"`                      // "HS256", "HS384", "HS512"
	Issuer             string `toml:"issuer"`
	AccessTTL          string `toml:"access_ttl"`            // e.g., "15m"
	RefreshTTL         string `toml:"refresh_ttl"`           // e.g., "168h"
	EmailVerifyTTL     string `toml:"email_verify_ttl"`      // e.g., "72h"
	PasswordResetTTL   string `toml:"password_reset_ttl"`    // e.g., "1h"
	MfaTTL             string `toml:"mfa_ttl"`               // e.g., "5m"
	SessionTTL         string `toml:"session_ttl"`           // e.g., "720h"
	IdleTimeout        string `toml:"idle_timeout"`          // e.g., "24h" - Active -> Idle
	MaxSessionsPerUser int    `toml:"max_sessions_per_user"` // Oldest Active evicted beyond this
	LockThreshold      int    `toml:"lock_threshold"`        // Consecutive failures before account lock
	LockDuration       string `toml:"lock_duration"`         // e.g., "15m"
	BlacklistNamespace string `toml:"blacklist_namespace"`   // Redis prefix for revoked jti entries
}

// EventsConfig tunes the websocket progress stream.
type EventsConfig struct {
	MinLevel          string            `toml:"min_level"`          // Minimum level to broadcast
	ThrottleIntervals map[string]string `toml:"throttle_intervals"` // Event type -> duration string
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in aranea.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       0, // 0 = runtime.NumCPU()
			VisibilityTimeout: "5m",
			MaxReceive:        3,
			QueueName:         "aranea_jobs",
		},
		Crawler: CrawlerConfig{
			UserAgent:                 "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			MaxDepth:                  5,
			MaxPages:                  1000,
			ConcurrentCrawlsPerWorker: 4,
			RequestTimeout:            30 * time.Second,
			MaxBodySize:               10 * 1024 * 1024, // 10MB
			MaxRedirects:              10,
			RetryAttempts:             3,
			RetryBackoff:              1 * time.Second,
			AllowedContentTypes:       []string{"text/html", "application/xhtml+xml", "application/json", "text/plain"},
			FollowRobots:              true,
			IncludeSitemaps:           true,
			DefaultRPS:                2.0,
			MonitorInterval:           5 * time.Second,
			IdleTimeout:               60 * time.Second,
			ResultRetention:           24 * time.Hour,
		},
		Frontier: FrontierConfig{
			LeaseTTL:         "5m",
			RecoveryInterval: "60s",
			MaxRetries:       3,
			DeferredDelay:    "5m",
		},
		Bloom: BloomConfig{
			Capacity:        1_000_000,
			Epsilon:         0.001,
			PersistInterval: "60s",
		},
		RateLimit: RateLimitConfig{
			DefaultRPS:   2.0,
			DefaultBurst: 5,
		},
		Robots: RobotsConfig{
			CacheTTL:       "5m",
			CacheSize:      1024,
			MaxFetchBytes:  512 * 1024,
			SitemapMaxURLs: 5000,
		},
		Renderer: RendererConfig{
			Enabled:               true,
			MaxBrowsers:           2,
			MaxContextsPerBrowser: 4,
			AcquireTimeout:        30 * time.Second,
			RenderTimeout:         60 * time.Second,
			ViewportWidth:         1920,
			ViewportHeight:        1080,
			BlockedResourceTypes:  []string{"image", "media", "font"},
			BlockedDomains:        []string{"doubleclick.net", "google-analytics.com", "googletagmanager.com"},
			CaptureScreenshots:    false,
		},
		Dedup: DedupConfig{
			NearDupThreshold:   0.85,
			SimilarThreshold:   0.70,
			RejectExact:        true,
			RejectNearDup:      true,
			PreferCanonical:    true,
			SampleSize:         2048,
			ShingleSize:        3,
			MinHashPermutation: 128,
			LSHBands:           32, // 128 permutations / 32 bands = 4 rows per band
		},
		AppCache: AppCacheConfig{
			MaxSizeBytes:    256 * 1024 * 1024, // 256MB
			MaxEntries:      100_000,
			Policy:          "adaptive",
			DefaultTTL:      5 * time.Minute,
			CleanupInterval: 60 * time.Second,
		},
		DistCache: DistCacheConfig{
			Namespace:            "aranea",
			Serializer:           "json",
			CompressionThreshold: 1024, // gzip payloads >1KB
			PipelineMaxBatch:     100,
			PipelineLinger:       "100ms",
		},
		Edge: EdgeConfig{
			Enabled:  false,
			Provider: "cloudfront",
		},
		CacheSync: CacheSyncConfig{
			Strategy:          "broadcast",
			GossipFanout:      3,
			HeartbeatInterval: "10s",
			PeerTimeout:       "30s",
		},
		Invalidator: InvalidatorConfig{
			BatchMaxEvents: 100,
			BatchLinger:    "100ms",
		},
		Auth: AuthConfig{
			Algorithm:          "HS256",
			Issuer:             "aranea",
			AccessTTL:          "15m",
			RefreshTTL:         "168h", // 7 days
			EmailVerifyTTL:     "72h",
			PasswordResetTTL:   "1h",
			MfaTTL:             "5m",
			SessionTTL:         "720h", // 30 days
			IdleTimeout:        "24h",
			MaxSessionsPerUser: 5,
			LockThreshold:      5,
			LockDuration:       "15m",
			BlacklistNamespace: "auth:blacklist",
		},
		Events: EventsConfig{
			MinLevel: "info",
			ThrottleIntervals: map[string]string{
				"crawl_progress": "1s",
			},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env -> CLI
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	return config, nil
}

// Validate checks required fields and cross-field constraints. Called once at
// startup; failures here are fatal per the programmer-error policy.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if c.Dedup.LSHBands <= 0 || c.Dedup.MinHashPermutation%c.Dedup.LSHBands != 0 {
		return fmt.Errorf("config validation failed: minhash_permutations (%d) must divide evenly into lsh_bands (%d)",
			c.Dedup.MinHashPermutation, c.Dedup.LSHBands)
	}
	if c.Bloom.Epsilon <= 0 || c.Bloom.Epsilon >= 1 {
		return fmt.Errorf("config validation failed: bloom epsilon must be in (0, 1), got %v", c.Bloom.Epsilon)
	}
	switch c.Auth.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("config validation failed: unsupported auth algorithm %q", c.Auth.Algorithm)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: ARANEA_ENV, fallback: GO_ENV)
	if env := os.Getenv("ARANEA_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("ARANEA_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ARANEA_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Logging configuration
	if level := os.Getenv("ARANEA_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// Storage configuration
	if path := os.Getenv("ARANEA_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	// Redis configuration
	if addr := os.Getenv("ARANEA_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if password := os.Getenv("ARANEA_REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}
	if db := os.Getenv("ARANEA_REDIS_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			config.Redis.DB = d
		}
	}

	// Queue configuration
	if concurrency := os.Getenv("ARANEA_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}

	// Crawler configuration
	if ua := os.Getenv("ARANEA_CRAWLER_USER_AGENT"); ua != "" {
		config.Crawler.UserAgent = ua
	}
	if rps := os.Getenv("ARANEA_RATELIMIT_DEFAULT_RPS"); rps != "" {
		if r, err := strconv.ParseFloat(rps, 64); err == nil {
			config.RateLimit.DefaultRPS = r
		}
	}
	if burst := os.Getenv("ARANEA_RATELIMIT_DEFAULT_BURST"); burst != "" {
		if b, err := strconv.Atoi(burst); err == nil {
			config.RateLimit.DefaultBurst = b
		}
	}

	// Cache configuration
	if ns := os.Getenv("ARANEA_DISTCACHE_NAMESPACE"); ns != "" {
		config.DistCache.Namespace = ns
	}
	if size := os.Getenv("ARANEA_APPCACHE_MAX_SIZE_BYTES"); size != "" {
		if s, err := strconv.ParseInt(size, 10, 64); err == nil {
			config.AppCache.MaxSizeBytes = s
		}
	}

	// Edge configuration
	if secret := os.Getenv("ARANEA_EDGE_SIGNING_SECRET"); secret != "" {
		config.Edge.SigningSecret = secret
	}

	// Sync configuration
	if nodeID := os.Getenv("ARANEA_NODE_ID"); nodeID != "" {
		config.CacheSync.NodeID = nodeID
	}

	// Auth configuration
	if secret := os.Getenv("ARANEA_AUTH_SECRET_KEY"); secret != "" {
		config.Auth.SecretKey = secret
	}
	if alg := os.Getenv("ARANEA_AUTH_ALGORITHM"); alg != "" {
		config.Auth.Algorithm = alg
	}
	if ttl := os.Getenv("ARANEA_AUTH_ACCESS_TTL"); ttl != "" {
		config.Auth.AccessTTL = ttl
	}
	if ttl := os.Getenv("ARANEA_AUTH_REFRESH_TTL"); ttl != "" {
		config.Auth.RefreshTTL = ttl
	}
	if ns := os.Getenv("ARANEA_AUTH_BLACKLIST_NAMESPACE"); ns != "" {
		config.Auth.BlacklistNamespace = ns
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
// CLI flags have the highest priority
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ParseDurationOr parses a duration string, returning the fallback on empty or
// malformed input. Config duration strings funnel through here so a typo
// degrades to a sane default instead of a zero timeout.
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// IsProduction returns true when the resolved environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
