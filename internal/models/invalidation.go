package models

import (
	"time"
)

// InvalidationStrategy selects how a rule reacts to an event.
type InvalidationStrategy string

const (
	InvalidateImmediate InvalidationStrategy = "immediate"
	InvalidateDelayed   InvalidationStrategy = "delayed"
	InvalidateScheduled InvalidationStrategy = "scheduled"
	InvalidateCascade   InvalidationStrategy = "cascade"
	InvalidatePattern   InvalidationStrategy = "pattern"
	InvalidateTag       InvalidationStrategy = "tag"
	InvalidateTTL       InvalidationStrategy = "ttl"
	InvalidateEvent     InvalidationStrategy = "event"
)

// InvalidationEvent is one unit of invalidation work. Events may be batched
// but never dropped.
type InvalidationEvent struct {
	Type      string               `json:"type"`
	Source    string               `json:"source,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	Keys      []string             `json:"keys,omitempty"`
	Tags      []string             `json:"tags,omitempty"`
	Pattern   string               `json:"pattern,omitempty"`
	Cascade   bool                 `json:"cascade,omitempty"`
	Strategy  InvalidationStrategy `json:"strategy,omitempty"`
	Delay     time.Duration        `json:"delay,omitempty"`    // For delayed strategy
	RunAt     time.Time            `json:"run_at,omitempty"`   // For scheduled strategy
}

// InvalidationRule binds an event type to a reaction.
type InvalidationRule struct {
	Name      string               `json:"name"`
	EventType string               `json:"event_type"` // Matches InvalidationEvent.Type; "*" matches all
	Strategy  InvalidationStrategy `json:"strategy"`
	Keys      []string             `json:"keys,omitempty"`
	Tags      []string             `json:"tags,omitempty"`
	Pattern   string               `json:"pattern,omitempty"`
	Delay     time.Duration        `json:"delay,omitempty"`
	Cascade   bool                 `json:"cascade,omitempty"`
}
