package models

import (
	"time"
)

// RobotsRule is one Allow or Disallow line with its original pattern.
type RobotsRule struct {
	Allow   bool   `json:"allow"`
	Pattern string `json:"pattern"` // Raw path pattern (may contain * and $)
}

// AgentGroup holds the rules for one User-agent block.
type AgentGroup struct {
	Agent       string        `json:"agent"` // Lowercased user-agent token, "*" for wildcard
	Rules       []RobotsRule  `json:"rules"`
	CrawlDelay  time.Duration `json:"crawl_delay,omitempty"`
	RequestRate *RequestRate  `json:"request_rate,omitempty"`
}

// RequestRate is the "Request-rate: N/S" extension: N requests per S seconds.
type RequestRate struct {
	Requests int `json:"requests"`
	Seconds  int `json:"seconds"`
}

// RPS converts the declared rate into requests per second.
func (r *RequestRate) RPS() float64 {
	if r == nil || r.Seconds <= 0 {
		return 0
	}
	return float64(r.Requests) / float64(r.Seconds)
}

// RobotsRecord is the parsed robots.txt for one domain, cached two-tier.
type RobotsRecord struct {
	Domain    string       `json:"domain"`
	Groups    []AgentGroup `json:"groups"`
	Sitemaps  []string     `json:"sitemaps,omitempty"`
	FetchedAt time.Time    `json:"fetched_at"`
	ExpiresAt time.Time    `json:"expires_at"`
	// Missing is set when no robots.txt could be fetched; policy degrades
	// permissively.
	Missing bool `json:"missing,omitempty"`
}

// SitemapEntry is one <url> element from a sitemap, with its advisory
// priority (0.5 when unset, per the sitemaps.org default).
type SitemapEntry struct {
	URL      string  `json:"url"`
	Priority float64 `json:"priority"`
}
