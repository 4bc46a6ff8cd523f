package queue

import (
	"encoding/json"
	"time"
)

// Job type names dispatched by the worker pool.
const (
	TypeCrawl          = "crawl_job"
	TypeRetentionSweep = "retention_sweep"
)

// JobMessage is one unit of work handed to the worker pool. For crawl
// jobs a message represents one worker slot: the handler runs a lease
// loop against the frontier until the job leaves the running state, so
// a job with N slots keeps at most N pool workers busy.
type JobMessage struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	JobID      string            `json:"job_id,omitempty"`
	Slot       int               `json:"slot,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// ToJSON serializes the message body.
func (m *JobMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON decodes a message body.
func FromJSON(data []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// QueueMessage is the durable envelope stored in Badger. VisibleAt
// drives redelivery: a received message stays invisible until the
// visibility timeout expires or the handler deletes it.
type QueueMessage struct {
	ID           string     `json:"id"`
	Body         JobMessage `json:"body"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	VisibleAt    time.Time  `json:"visible_at"`
	ReceiveCount int        `json:"receive_count"`
	DedupID      string     `json:"dedup_id,omitempty"`
}
