// Package models defines the domain types shared across services.
package models

import (
	"encoding/json"
	"time"
)

// Priority orders frontier tiers from most to least urgent. Deferred holds
// entries pushed out by rate-governor denials until their redelivery time.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityDeferred
)

// Priorities lists every tier in lease-scan order.
var Priorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityMedium,
	PriorityLow,
	PriorityDeferred,
}

// String returns the tier name used in queue keys and logs.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// ParsePriority maps a tier name back to its Priority. Unknown names fall to
// PriorityMedium so a corrupted entry still lands somewhere sane.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	case "low":
		return PriorityLow
	case "deferred":
		return PriorityDeferred
	default:
		return PriorityMedium
	}
}

// URLMeta carries typed per-entry context. Fields are optional; zero values
// are omitted from the serialized form.
type URLMeta struct {
	SitemapPriority float64 `json:"sitemap_priority,omitempty"` // From <priority> in the source sitemap
	Source          string  `json:"source,omitempty"`           // "seed", "sitemap", "link"
	CanonicalHint   string  `json:"canonical_hint,omitempty"`   // rel=canonical seen at discovery time
}

// URLEntry is one element of the priority frontier. URL is always the
// normalized form; the entry's identity is defined by it.
type URLEntry struct {
	URL          string    `json:"url"`
	JobID        string    `json:"job_id"`
	Priority     Priority  `json:"priority"`
	Depth        int       `json:"depth"`
	Referrer     string    `json:"referrer,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
	LeasedAt     time.Time `json:"leased_at,omitempty"`
	RetryCount   int       `json:"retry_count"`
	Meta         URLMeta   `json:"meta,omitempty"`
}

// Encode serializes the entry for queue membership. The same bytes must be
// presented back to Complete/Fail, so encoding is deterministic.
func (e *URLEntry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeURLEntry parses a queue member back into an entry.
func DecodeURLEntry(data []byte) (*URLEntry, error) {
	var e URLEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// EnqueueOutcome reports what Enqueue did with a candidate URL.
type EnqueueOutcome string

const (
	EnqueueInserted    EnqueueOutcome = "inserted"
	EnqueueAlreadySeen EnqueueOutcome = "already_seen"
	EnqueueDepthCapped EnqueueOutcome = "depth_capped"
)
