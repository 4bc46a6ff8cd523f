package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the state of a crawl job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal jobs are
// immutable; transition attempts out of a terminal state are rejected.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CrawlJobConfig is the persisted configuration snapshot for one job.
// It is captured at creation time so jobs are self-contained and re-runnable.
type CrawlJobConfig struct {
	SeedURLs        []string          `json:"seed_urls"`
	AllowedDomains  []string          `json:"allowed_domains,omitempty"` // Empty = seed domains only
	MaxDepth        int               `json:"max_depth"`
	MaxPages        int               `json:"max_pages,omitempty"` // 0 = unlimited
	IncludeSitemaps bool              `json:"include_sitemaps"`
	FollowRobots    bool              `json:"follow_robots"`
	UserAgent       string            `json:"user_agent,omitempty"`
	RateLimitRPS    float64           `json:"rate_limit_rps,omitempty"`
	CustomHeaders   map[string]string `json:"custom_headers,omitempty"`
	IncludePatterns []string          `json:"include_patterns,omitempty"` // Regex; empty = include all
	ExcludePatterns []string          `json:"exclude_patterns,omitempty"` // Regex
	RenderJS        bool              `json:"render_js,omitempty"`        // Route pages through the renderer pool
}

// CrawlJobMeta carries typed job annotations (replaces a free-form map).
type CrawlJobMeta struct {
	CreatedBy     string `json:"created_by,omitempty"`
	Description   string `json:"description,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// CrawlStats tracks job progress counters. Updated by the orchestrator
// monitor; a snapshot is frozen into the job at terminal transition.
type CrawlStats struct {
	URLsQueued     int       `json:"urls_queued"`
	URLsCrawled    int       `json:"urls_crawled"`
	URLsFailed     int       `json:"urls_failed"`
	URLsInFlight   int       `json:"urls_in_flight"`
	URLsDeferred   int       `json:"urls_deferred"`
	Duplicates     int       `json:"duplicates"`
	BytesFetched   int64     `json:"bytes_fetched"`
	PagesRendered  int       `json:"pages_rendered"`
	LastProgressAt time.Time `json:"last_progress_at,omitempty"`
}

// CrawlJob is the persisted lifecycle record for one crawl.
//
// Transitions: Pending -> Running -> (Completed | Failed | Cancelled).
// Terminal states are immutable.
type CrawlJob struct {
	ID          string         `json:"id" badgerhold:"key"`
	Name        string         `json:"name"`
	Config      CrawlJobConfig `json:"config"`
	Status      JobStatus      `json:"status"`
	Stats       CrawlStats     `json:"stats"`
	Meta        CrawlJobMeta   `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	// Error holds a concise reason when status is failed.
	// Format: "Category: brief description" (e.g., "Timeout: no progress for 60s").
	Error string `json:"error,omitempty"`
}

// CanTransitionTo validates a status change against the lifecycle rules.
func (j *CrawlJob) CanTransitionTo(next JobStatus) bool {
	if j.Status.IsTerminal() {
		return false
	}
	switch j.Status {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled || next == JobStatusFailed
	case JobStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Transition applies a status change or reports why it is illegal.
func (j *CrawlJob) Transition(next JobStatus) error {
	if !j.CanTransitionTo(next) {
		return fmt.Errorf("illegal job transition %s -> %s", j.Status, next)
	}
	j.Status = next
	now := time.Now()
	switch next {
	case JobStatusRunning:
		j.StartedAt = now
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		j.CompletedAt = now
	}
	return nil
}

// ConfigJSON serializes the job config for queue message payloads.
func (j *CrawlJob) ConfigJSON() (json.RawMessage, error) {
	data, err := json.Marshal(j.Config)
	if err != nil {
		return nil, err
	}
	return data, nil
}
