package crawler

import (
	"regexp"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

// FilterResult contains filtering outcome and metadata
type FilterResult struct {
	ShouldEnqueue bool
	Reason        string
	ExcludedBy    string // Pattern that excluded the URL (if applicable)
}

// LinkFilter decides which discovered links are eligible for the
// frontier: domain allow-list first, then exclude patterns, then
// include patterns. One filter is compiled per job and shared by every
// fetch loop working it.
type LinkFilter struct {
	includeRegexes []*regexp.Regexp
	excludeRegexes []*regexp.Regexp
	allowedDomains map[string]bool
	logger         arbor.ILogger
}

// NewLinkFilter compiles a filter from the job config. When the config
// names no allowed domains, the registered domains of the seed URLs
// become the allow-list, which keeps a default crawl on the sites it
// was seeded with.
func NewLinkFilter(config models.CrawlJobConfig, logger arbor.ILogger) *LinkFilter {
	filter := &LinkFilter{
		allowedDomains: make(map[string]bool),
		includeRegexes: make([]*regexp.Regexp, 0, len(config.IncludePatterns)),
		excludeRegexes: make([]*regexp.Regexp, 0, len(config.ExcludePatterns)),
		logger:         logger,
	}

	domains := config.AllowedDomains
	if len(domains) == 0 {
		for _, seed := range config.SeedURLs {
			if domain := common.RegisteredDomain(seed); domain != "" {
				domains = append(domains, domain)
			}
		}
	}
	for _, domain := range domains {
		filter.allowedDomains[domain] = true
	}

	for _, pattern := range config.IncludePatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			filter.includeRegexes = append(filter.includeRegexes, re)
		} else {
			logger.Warn().
				Err(err).
				Str("pattern", pattern).
				Msg("Failed to compile include pattern")
		}
	}

	for _, pattern := range config.ExcludePatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			filter.excludeRegexes = append(filter.excludeRegexes, re)
		} else {
			logger.Warn().
				Err(err).
				Str("pattern", pattern).
				Msg("Failed to compile exclude pattern")
		}
	}

	return filter
}

// FilterURL applies all filtering rules to a single URL.
func (f *LinkFilter) FilterURL(url string) FilterResult {
	if len(f.allowedDomains) > 0 {
		domain := common.RegisteredDomain(url)
		if domain == "" || !f.allowedDomains[domain] {
			return FilterResult{
				ShouldEnqueue: false,
				Reason:        "domain not allowed",
			}
		}
	}

	// Exclude patterns first (fastest rejection)
	for _, re := range f.excludeRegexes {
		if re.MatchString(url) {
			return FilterResult{
				ShouldEnqueue: false,
				Reason:        "matches exclude pattern",
				ExcludedBy:    re.String(),
			}
		}
	}

	if len(f.includeRegexes) > 0 {
		matched := false
		for _, re := range f.includeRegexes {
			if re.MatchString(url) {
				matched = true
				break
			}
		}
		if !matched {
			return FilterResult{
				ShouldEnqueue: false,
				Reason:        "does not match include patterns",
			}
		}
	}

	return FilterResult{ShouldEnqueue: true}
}

// FilterLinks applies filtering to multiple URLs and returns the passing
// set along with rejection counts by category.
func (f *LinkFilter) FilterLinks(urls []string) (filtered []string, excluded int, offDomain int) {
	filtered = make([]string, 0, len(urls))

	for _, url := range urls {
		result := f.FilterURL(url)
		if result.ShouldEnqueue {
			filtered = append(filtered, url)
			continue
		}
		if result.Reason == "domain not allowed" {
			offDomain++
		} else {
			excluded++
		}
	}

	return filtered, excluded, offDomain
}
