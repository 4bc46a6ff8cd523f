package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/aranea/internal/models"
)

// BloomFilter is the probabilistic URL seen-set. Seen may report true for an
// unseen URL with probability at most the configured epsilon; it never
// reports false for an added URL.
type BloomFilter interface {
	// Seen checks membership against the current snapshot.
	Seen(url string) bool

	// Add inserts the URL and reports whether it was newly inserted.
	Add(url string) bool

	// Persist writes an atomic snapshot of the filter state.
	Persist(ctx context.Context) error

	// Load replaces in-memory state from the latest snapshot.
	Load(ctx context.Context) error

	// Count returns the number of adds; FillRatio is count/capacity.
	Count() uint64
	FillRatio() float64
}

// Fetcher retrieves one URL with redirect, size, and content-type policy
// enforced. Failures that are crawl outcomes (disallowed type, size cap)
// come back inside the result, not as errors.
type Fetcher interface {
	// Fetch performs the full crawl fetch: redirects, retries, body cap,
	// link and metadata extraction.
	Fetch(ctx context.Context, rawURL string) (*models.CrawlResult, error)

	// FetchRaw retrieves a capped body without HTML processing or
	// content-type policy. Used for robots.txt and sitemaps.
	FetchRaw(ctx context.Context, rawURL string, maxBytes int64) ([]byte, int, error)
}

// Renderer drives the headless browser pool.
type Renderer interface {
	// Render loads the URL in a fresh browser context and returns the
	// post-JavaScript HTML plus artifacts. The lease is destroyed on any
	// render exception.
	Render(ctx context.Context, rawURL string, opts models.RenderOptions) (*models.RenderOutcome, error)

	// Metrics snapshots pool counters.
	Metrics() models.RenderMetrics

	// Shutdown tears down all pooled browsers.
	Shutdown(ctx context.Context) error
}

// Fingerprinter derives content identity signatures. Deterministic for
// identical content.
type Fingerprinter interface {
	Fingerprint(content []byte) *models.Fingerprint
}

// DedupEngine classifies content against everything stored so far.
type DedupEngine interface {
	// Check runs the verdict ladder: exact, near-duplicate, canonical,
	// similar, unique. Unique content is stored as a side effect. The
	// computed fingerprint is returned so callers can attach it to the
	// crawl result without hashing the content twice.
	Check(ctx context.Context, content []byte, url string, canonicalHint string) (*models.Verdict, *models.Fingerprint, error)

	// Purge drops stored fingerprints older than the retention window.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// RobotsService fetches, parses, caches, and evaluates robots.txt plus
// sitemaps.
type RobotsService interface {
	// Rules returns the cached or freshly fetched record for a domain.
	Rules(ctx context.Context, domain string) (*models.RobotsRecord, error)

	// Allowed evaluates the URL's path against the rules for the agent.
	// Missing or unfetchable robots degrade permissively to true.
	Allowed(ctx context.Context, rawURL, userAgent string) (bool, error)

	// CrawlDelay returns the effective delay for the agent, 0 when unset.
	CrawlDelay(ctx context.Context, domain, userAgent string) (time.Duration, error)

	// Sitemaps lists sitemap URLs declared by the domain's robots.txt.
	Sitemaps(ctx context.Context, domain string) ([]string, error)

	// FetchSitemap collects entries from a sitemap or sitemap index.
	// recurse=true follows one level of nested indexes.
	FetchSitemap(ctx context.Context, sitemapURL string, recurse bool) ([]models.SitemapEntry, error)
}

// CrawlOrchestrator owns job lifecycle and seeding.
type CrawlOrchestrator interface {
	CreateJob(ctx context.Context, name string, config models.CrawlJobConfig) (string, error)
	StartJob(ctx context.Context, jobID string) error
	CancelJob(ctx context.Context, jobID string) error
	Stats(ctx context.Context, jobID string) (*models.CrawlStats, error)
	GetJob(ctx context.Context, jobID string) (*models.CrawlJob, error)
	ListJobs(ctx context.Context, limit int) ([]*models.CrawlJob, error)
}
