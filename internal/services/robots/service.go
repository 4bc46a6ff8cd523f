package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/models"
)

const distCachePrefix = "robots:"

// Service resolves robots records through a two-tier cache: an expirable
// in-memory LRU in front of the distributed cache, with a size-capped fetch
// on a full miss.
type Service struct {
	fetcher interfaces.Fetcher
	dist    interfaces.DistributedCache

	local    *expirable.LRU[string, *models.RobotsRecord]
	patterns *lru.Cache[string, *regexp.Regexp]

	cacheTTL      time.Duration
	maxFetchBytes int64
	sitemapMax    int

	metrics *metrics.Metrics
	logger  arbor.ILogger
}

var _ interfaces.RobotsService = (*Service)(nil)

// NewService builds the robots resolver. dist may be nil (single-node
// deployments fall back to the local tier only).
func NewService(config *common.RobotsConfig, fetcher interfaces.Fetcher, dist interfaces.DistributedCache, m *metrics.Metrics, logger arbor.ILogger) *Service {
	cacheTTL := common.ParseDurationOr(config.CacheTTL, 5*time.Minute)
	cacheSize := config.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	maxFetch := config.MaxFetchBytes
	if maxFetch <= 0 {
		maxFetch = 512 * 1024
	}
	sitemapMax := config.SitemapMaxURLs
	if sitemapMax <= 0 {
		sitemapMax = 5000
	}

	// Compiled patterns are tiny and repeat heavily across evaluations.
	patterns, _ := lru.New[string, *regexp.Regexp](4096)

	return &Service{
		fetcher:       fetcher,
		dist:          dist,
		local:         expirable.NewLRU[string, *models.RobotsRecord](cacheSize, nil, cacheTTL),
		patterns:      patterns,
		cacheTTL:      cacheTTL,
		maxFetchBytes: maxFetch,
		sitemapMax:    sitemapMax,
		metrics:       m,
		logger:        logger,
	}
}

// Rules returns the robots record for a domain, fetching and caching it on
// a miss. The record is never nil: unfetchable robots yield a Missing
// (permissive) record that is cached like any other so dead domains are not
// re-fetched on every URL.
func (s *Service) Rules(ctx context.Context, domain string) (*models.RobotsRecord, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, fmt.Errorf("robots rules: empty domain")
	}

	if record, ok := s.local.Get(domain); ok {
		return record, nil
	}

	if s.dist != nil {
		var record models.RobotsRecord
		err := s.dist.GetObject(ctx, distCachePrefix+domain, &record)
		if err == nil && time.Now().Before(record.ExpiresAt) {
			s.local.Add(domain, &record)
			return &record, nil
		}
	}

	record := s.fetch(ctx, domain)
	s.local.Add(domain, record)
	if s.dist != nil {
		if err := s.dist.SetObject(ctx, distCachePrefix+domain, record, s.cacheTTL); err != nil {
			s.logger.Debug().Err(err).Str("domain", domain).Msg("Robots record not shared to distributed cache")
		}
	}
	return record, nil
}

// fetch retrieves robots.txt over https with an http fallback. Any outcome
// other than a 200 body parses to a permissive Missing record.
func (s *Service) fetch(ctx context.Context, domain string) *models.RobotsRecord {
	now := time.Now()
	for _, scheme := range []string{"https", "http"} {
		robotsURL := scheme + "://" + domain + "/robots.txt"
		body, status, err := s.fetcher.FetchRaw(ctx, robotsURL, s.maxFetchBytes)
		if err != nil {
			s.logger.Debug().Err(err).Str("url", robotsURL).Msg("robots.txt fetch failed")
			continue
		}
		if status != http.StatusOK {
			break
		}

		record := Parse(domain, body)
		record.ExpiresAt = now.Add(s.cacheTTL)
		s.logger.Debug().
			Str("domain", domain).
			Int("groups", len(record.Groups)).
			Int("sitemaps", len(record.Sitemaps)).
			Msg("robots.txt parsed")
		return record
	}

	return &models.RobotsRecord{
		Domain:    domain,
		FetchedAt: now,
		ExpiresAt: now.Add(s.cacheTTL),
		Missing:   true,
	}
}

// Allowed evaluates the URL's path (including query) against the rules for
// the agent. Missing robots, unparseable URLs, and rule errors all degrade
// to true.
func (s *Service) Allowed(ctx context.Context, rawURL, userAgent string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return true, nil
	}

	record, err := s.Rules(ctx, strings.ToLower(parsed.Hostname()))
	if err != nil {
		return true, nil
	}
	if record.Missing || len(record.Groups) == 0 {
		return true, nil
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}

	group := selectGroup(record.Groups, userAgent)
	return pathAllowed(group, path, s.pattern), nil
}

// CrawlDelay returns the effective inter-request delay for the agent:
// Crawl-delay when set, otherwise the Request-rate extension converted to a
// delay, otherwise 0.
func (s *Service) CrawlDelay(ctx context.Context, domain, userAgent string) (time.Duration, error) {
	record, err := s.Rules(ctx, domain)
	if err != nil {
		return 0, err
	}
	group := selectGroup(record.Groups, userAgent)
	if group == nil {
		return 0, nil
	}
	if group.CrawlDelay > 0 {
		return group.CrawlDelay, nil
	}
	if rps := group.RequestRate.RPS(); rps > 0 {
		return time.Duration(float64(time.Second) / rps), nil
	}
	return 0, nil
}

// Sitemaps lists the sitemap URLs declared by the domain's robots.txt.
func (s *Service) Sitemaps(ctx context.Context, domain string) ([]string, error) {
	record, err := s.Rules(ctx, domain)
	if err != nil {
		return nil, err
	}
	return record.Sitemaps, nil
}

// pattern returns the compiled matcher for a robots path pattern, memoized
// across evaluations. Returns nil for uncompilable patterns, which then
// match nothing.
func (s *Service) pattern(raw string) *regexp.Regexp {
	if re, ok := s.patterns.Get(raw); ok {
		return re
	}
	re := compilePattern(raw)
	if re != nil {
		s.patterns.Add(raw, re)
	}
	return re
}
