package models

import (
	"time"
)

// RenderArtifacts holds optional headless-browser output attached to a
// result when the page was rendered.
type RenderArtifacts struct {
	Title       string        `json:"title,omitempty"`
	ConsoleLogs []string      `json:"console_logs,omitempty"`
	Network     []NetworkCall `json:"network,omitempty"`
	Screenshot  []byte        `json:"screenshot,omitempty"`
	WaitedFor   string        `json:"waited_for,omitempty"` // Wait strategy that completed the render
	RenderTime  time.Duration `json:"render_time,omitempty"`
}

// NetworkCall is one request observed during rendering.
type NetworkCall struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	ResourceType string `json:"resource_type,omitempty"`
	Blocked      bool   `json:"blocked,omitempty"`
}

// CrawlResult is the persisted record of one fetched URL. Crawl errors
// attach here rather than failing the worker.
type CrawlResult struct {
	URLHash       string            `json:"url_hash" badgerhold:"key"`
	JobID         string            `json:"job_id" badgerhold:"index"`
	URL           string            `json:"url"`
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers,omitempty"`
	Content       []byte            `json:"content,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	ContentLength int64             `json:"content_length"`
	Links         []string          `json:"links,omitempty"`
	Images        []string          `json:"images,omitempty"`
	Title         string            `json:"title,omitempty"`
	MetaDesc      string            `json:"meta_description,omitempty"`
	CanonicalURL  string            `json:"canonical_url,omitempty"`
	RedirectChain []string          `json:"redirect_chain,omitempty"`
	CrawlTime     time.Duration     `json:"crawl_time"`
	Error         string            `json:"error,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Fingerprint   *Fingerprint      `json:"fingerprint,omitempty"`
	Duplication   *Verdict          `json:"duplication,omitempty"`
	JSRendered    bool              `json:"js_rendered,omitempty"`
	Render        *RenderArtifacts  `json:"render,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at"` // Retention window boundary
}
