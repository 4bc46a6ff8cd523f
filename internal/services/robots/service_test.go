package robots

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

type stubResponse struct {
	body   []byte
	status int
	err    error
}

// stubFetcher serves canned FetchRaw responses keyed by URL.
type stubFetcher struct {
	responses map[string]stubResponse
	calls     map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		responses: make(map[string]stubResponse),
		calls:     make(map[string]int),
	}
}

func (f *stubFetcher) Fetch(ctx context.Context, rawURL string) (*models.CrawlResult, error) {
	return nil, errors.New("not implemented")
}

func (f *stubFetcher) FetchRaw(ctx context.Context, rawURL string, maxBytes int64) ([]byte, int, error) {
	f.calls[rawURL]++
	resp, ok := f.responses[rawURL]
	if !ok {
		return nil, 0, fmt.Errorf("no route for %s", rawURL)
	}
	return resp.body, resp.status, resp.err
}

func newTestService(t *testing.T, fetcher *stubFetcher) *Service {
	t.Helper()
	cfg := &common.RobotsConfig{
		CacheTTL:       "5m",
		CacheSize:      64,
		MaxFetchBytes:  512 * 1024,
		SitemapMaxURLs: 100,
	}
	return NewService(cfg, fetcher, nil, nil, arbor.NewLogger())
}

func TestParseGroupsAndRules(t *testing.T) {
	body := []byte(`# robots for example.com
User-agent: araneabot
Disallow: /private/
Allow: /private/press/
Crawl-delay: 2
Request-rate: 10/60

User-agent: slowbot
User-agent: otherbot
Disallow: /

Sitemap: https://example.com/sitemap.xml
Sitemap: https://example.com/news.xml
`)

	record := Parse("example.com", body)

	require.Len(t, record.Groups, 3)
	assert.Equal(t, "araneabot", record.Groups[0].Agent)
	assert.Len(t, record.Groups[0].Rules, 2)
	assert.Equal(t, 2*time.Second, record.Groups[0].CrawlDelay)
	require.NotNil(t, record.Groups[0].RequestRate)
	assert.Equal(t, 10, record.Groups[0].RequestRate.Requests)
	assert.Equal(t, 60, record.Groups[0].RequestRate.Seconds)

	// Consecutive User-agent lines share one rule block.
	assert.Equal(t, "slowbot", record.Groups[1].Agent)
	assert.Equal(t, "otherbot", record.Groups[2].Agent)
	assert.Equal(t, record.Groups[1].Rules, record.Groups[2].Rules)

	assert.Equal(t, []string{
		"https://example.com/sitemap.xml",
		"https://example.com/news.xml",
	}, record.Sitemaps)
}

func TestParseGarbageIsPermissive(t *testing.T) {
	record := Parse("example.com", []byte("<html>not robots</html>\n\x00\x01"))
	assert.Empty(t, record.Groups)
	assert.False(t, record.Missing)
}

func TestSelectGroup(t *testing.T) {
	groups := []models.AgentGroup{
		{Agent: "*"},
		{Agent: "aranea"},
		{Agent: "araneabot"},
	}

	// Exact token match beats prefixes and wildcard.
	g := selectGroup(groups, "AraneaBot/1.2 (+https://example.com/bot)")
	require.NotNil(t, g)
	assert.Equal(t, "araneabot", g.Agent)

	// Longest prefix when no exact match.
	g = selectGroup(groups, "araneabot-news/2.0")
	require.NotNil(t, g)
	assert.Equal(t, "araneabot", g.Agent)

	// Wildcard fallback.
	g = selectGroup(groups, "curl/8.0")
	require.NotNil(t, g)
	assert.Equal(t, "*", g.Agent)

	// No wildcard, no match.
	g = selectGroup([]models.AgentGroup{{Agent: "googlebot"}}, "curl/8.0")
	assert.Nil(t, g)
}

func TestPathMatching(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		match   bool
	}{
		{"/private/", "/private/page", true},
		{"/private/", "/public/page", false},
		{"/*.pdf", "/docs/report.pdf", true},
		{"/*.pdf", "/docs/report.pdfx", true}, // No anchor: prefix semantics
		{"/*.pdf$", "/docs/report.pdfx", false},
		{"/*.pdf$", "/docs/report.pdf", true},
		{"/search?*q=", "/search?page=1&q=go", true},
		{"/a+b", "/a+b", true}, // Regex meta escaped
		{"/a+b", "/aab", false},
		{"*/tmp/", "/cache/tmp/file", true},
	}

	for _, tc := range cases {
		re := compilePattern(tc.pattern)
		require.NotNil(t, re, "pattern %q", tc.pattern)
		assert.Equal(t, tc.match, re.MatchString(tc.path), "pattern %q vs %q", tc.pattern, tc.path)
	}
}

func TestPathAllowedLongestMatchWins(t *testing.T) {
	group := &models.AgentGroup{
		Agent: "*",
		Rules: []models.RobotsRule{
			{Allow: false, Pattern: "/private/"},
			{Allow: true, Pattern: "/private/press/"},
		},
	}
	svc := newTestService(t, newStubFetcher())
	assert.False(t, pathAllowed(group, "/private/notes", svc.pattern))
	assert.True(t, pathAllowed(group, "/private/press/release", svc.pattern))
	assert.True(t, pathAllowed(group, "/public/index", svc.pattern))
	assert.True(t, pathAllowed(nil, "/anything", svc.pattern))
}

func TestAllowedEndToEnd(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.responses["https://example.com/robots.txt"] = stubResponse{
		status: 200,
		body: []byte(`User-agent: *
Disallow: /private/
`),
	}
	svc := newTestService(t, fetcher)
	ctx := context.Background()

	allowed, err := svc.Allowed(ctx, "https://example.com/public/page", "AraneaBot/1.0")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = svc.Allowed(ctx, "https://example.com/private/page", "AraneaBot/1.0")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestAllowedPermissiveOnMissingRobots(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.responses["https://example.com/robots.txt"] = stubResponse{status: 404}
	svc := newTestService(t, fetcher)

	allowed, err := svc.Allowed(context.Background(), "https://example.com/anything", "AraneaBot/1.0")
	require.NoError(t, err)
	assert.True(t, allowed)

	record, err := svc.Rules(context.Background(), "example.com")
	require.NoError(t, err)
	assert.True(t, record.Missing)
}

func TestHTTPFallback(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.responses["http://legacy.example.com/robots.txt"] = stubResponse{
		status: 200,
		body:   []byte("User-agent: *\nDisallow: /\n"),
	}
	svc := newTestService(t, fetcher)

	allowed, err := svc.Allowed(context.Background(), "https://legacy.example.com/page", "AraneaBot/1.0")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 1, fetcher.calls["https://legacy.example.com/robots.txt"])
	assert.Equal(t, 1, fetcher.calls["http://legacy.example.com/robots.txt"])
}

func TestRulesCachesRecords(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.responses["https://example.com/robots.txt"] = stubResponse{
		status: 200,
		body:   []byte("User-agent: *\nDisallow: /private/\n"),
	}
	svc := newTestService(t, fetcher)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Rules(ctx, "example.com")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fetcher.calls["https://example.com/robots.txt"])
}

func TestCrawlDelay(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.responses["https://example.com/robots.txt"] = stubResponse{
		status: 200,
		body: []byte(`User-agent: araneabot
Crawl-delay: 1.5

User-agent: *
Request-rate: 2/10
`),
	}
	svc := newTestService(t, fetcher)
	ctx := context.Background()

	delay, err := svc.CrawlDelay(ctx, "example.com", "AraneaBot/1.0")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, delay)

	// Request-rate 2/10 converts to one request per 5 seconds.
	delay, err = svc.CrawlDelay(ctx, "example.com", "curl/8.0")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, delay)
}

func TestSitemapsFromRobots(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.responses["https://example.com/robots.txt"] = stubResponse{
		status: 200,
		body:   []byte("Sitemap: https://example.com/sitemap.xml\n"),
	}
	svc := newTestService(t, fetcher)

	sitemaps, err := svc.Sitemaps(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/sitemap.xml"}, sitemaps)
}

func TestFetchSitemapURLSet(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.responses["https://example.com/sitemap.xml"] = stubResponse{
		status: 200,
		body: []byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/</loc><priority>1.0</priority></url>
  <url><loc>https://example.com/about</loc></url>
  <url><loc>https://example.com/news</loc><priority>0.8</priority></url>
</urlset>`),
	}
	svc := newTestService(t, fetcher)

	entries, err := svc.FetchSitemap(context.Background(), "https://example.com/sitemap.xml", true)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "https://example.com/", entries[0].URL)
	assert.Equal(t, 1.0, entries[0].Priority)
	assert.Equal(t, 0.5, entries[1].Priority) // default when unset
	assert.Equal(t, 0.8, entries[2].Priority)
}

func TestFetchSitemapIndexRecursesOneLevel(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.responses["https://example.com/index.xml"] = stubResponse{
		status: 200,
		body: []byte(`<sitemapindex>
  <sitemap><loc>https://example.com/pages.xml</loc></sitemap>
  <sitemap><loc>https://example.com/nested-index.xml</loc></sitemap>
</sitemapindex>`),
	}
	fetcher.responses["https://example.com/pages.xml"] = stubResponse{
		status: 200,
		body: []byte(`<urlset>
  <url><loc>https://example.com/a</loc></url>
  <url><loc>https://example.com/b</loc></url>
</urlset>`),
	}
	// A nested index inside a child is not followed further.
	fetcher.responses["https://example.com/nested-index.xml"] = stubResponse{
		status: 200,
		body: []byte(`<sitemapindex>
  <sitemap><loc>https://example.com/deep.xml</loc></sitemap>
</sitemapindex>`),
	}
	svc := newTestService(t, fetcher)

	entries, err := svc.FetchSitemap(context.Background(), "https://example.com/index.xml", true)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "https://example.com/a", entries[0].URL)
	assert.Equal(t, 0, fetcher.calls["https://example.com/deep.xml"])
}

func TestFetchSitemapGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`<urlset><url><loc>https://example.com/zipped</loc></url></urlset>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	fetcher := newStubFetcher()
	fetcher.responses["https://example.com/sitemap.xml.gz"] = stubResponse{status: 200, body: buf.Bytes()}
	svc := newTestService(t, fetcher)

	entries, err := svc.FetchSitemap(context.Background(), "https://example.com/sitemap.xml.gz", true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://example.com/zipped", entries[0].URL)
}

func TestFetchSitemapCapsEntries(t *testing.T) {
	var body bytes.Buffer
	body.WriteString("<urlset>")
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&body, "<url><loc>https://example.com/p%d</loc></url>", i)
	}
	body.WriteString("</urlset>")

	fetcher := newStubFetcher()
	fetcher.responses["https://example.com/big.xml"] = stubResponse{status: 200, body: body.Bytes()}

	cfg := &common.RobotsConfig{CacheTTL: "5m", CacheSize: 64, MaxFetchBytes: 512 * 1024, SitemapMaxURLs: 10}
	svc := NewService(cfg, fetcher, nil, nil, arbor.NewLogger())

	entries, err := svc.FetchSitemap(context.Background(), "https://example.com/big.xml", true)
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}
