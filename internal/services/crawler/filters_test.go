package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/models"
)

func TestLinkFilterDerivesDomainsFromSeeds(t *testing.T) {
	filter := NewLinkFilter(models.CrawlJobConfig{
		SeedURLs: []string{"https://example.com/start", "https://other.org/"},
	}, arbor.NewLogger())

	assert.True(t, filter.FilterURL("https://example.com/page").ShouldEnqueue)
	assert.True(t, filter.FilterURL("https://EXAMPLE.com/other").ShouldEnqueue,
		"host comparison is case-insensitive")
	assert.True(t, filter.FilterURL("https://other.org/page").ShouldEnqueue)

	assert.False(t, filter.FilterURL("https://docs.example.com/page").ShouldEnqueue,
		"hosts match exactly; subdomains need an explicit allow-list")

	result := filter.FilterURL("https://evil.com/page")
	assert.False(t, result.ShouldEnqueue)
	assert.Equal(t, "domain not allowed", result.Reason)
}

func TestLinkFilterExplicitAllowListWins(t *testing.T) {
	filter := NewLinkFilter(models.CrawlJobConfig{
		SeedURLs:       []string{"https://example.com/"},
		AllowedDomains: []string{"other.org"},
	}, arbor.NewLogger())

	assert.False(t, filter.FilterURL("https://example.com/page").ShouldEnqueue,
		"seed domain is not implied once an allow-list is set")
	assert.True(t, filter.FilterURL("https://other.org/page").ShouldEnqueue)
}

func TestLinkFilterExcludeBeatsInclude(t *testing.T) {
	filter := NewLinkFilter(models.CrawlJobConfig{
		SeedURLs:        []string{"https://example.com/"},
		IncludePatterns: []string{`/docs/`},
		ExcludePatterns: []string{`\.pdf$`},
	}, arbor.NewLogger())

	assert.True(t, filter.FilterURL("https://example.com/docs/guide").ShouldEnqueue)

	result := filter.FilterURL("https://example.com/docs/manual.pdf")
	assert.False(t, result.ShouldEnqueue)
	assert.Equal(t, `\.pdf$`, result.ExcludedBy)

	assert.False(t, filter.FilterURL("https://example.com/blog/post").ShouldEnqueue,
		"include patterns gate everything not excluded")
}

func TestLinkFilterSkipsBadPatterns(t *testing.T) {
	filter := NewLinkFilter(models.CrawlJobConfig{
		SeedURLs:        []string{"https://example.com/"},
		ExcludePatterns: []string{`[invalid`},
	}, arbor.NewLogger())

	// The broken pattern is dropped, not fatal.
	assert.True(t, filter.FilterURL("https://example.com/page").ShouldEnqueue)
}

func TestFilterLinksCountsRejections(t *testing.T) {
	filter := NewLinkFilter(models.CrawlJobConfig{
		SeedURLs:        []string{"https://example.com/"},
		ExcludePatterns: []string{`/private/`},
	}, arbor.NewLogger())

	links := []string{
		"https://example.com/a",
		"https://example.com/private/b",
		"https://elsewhere.net/c",
		"https://example.com/d",
	}

	filtered, excluded, offDomain := filter.FilterLinks(links)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/d"}, filtered)
	assert.Equal(t, 1, excluded)
	assert.Equal(t, 1, offDomain)
}
