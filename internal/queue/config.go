package queue

import (
	"runtime"
	"time"

	"github.com/ternarybob/aranea/internal/common"
)

// Config holds configuration for the queue manager and worker pool.
type Config struct {
	// PollInterval is how often workers poll for messages
	PollInterval time.Duration

	// Concurrency is the number of concurrent workers; 0 means NumCPU
	Concurrency int

	// VisibilityTimeout is the message visibility timeout for redelivery
	VisibilityTimeout time.Duration

	// MaxReceive is the maximum times a message can be received before dead-letter
	MaxReceive int

	// QueueName namespaces the queue keys in Badger
	QueueName string
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:      1 * time.Second,
		Concurrency:       runtime.NumCPU(),
		VisibilityTimeout: 5 * time.Minute,
		MaxReceive:        3,
		QueueName:         "aranea_jobs",
	}
}

// ConfigFrom maps the application queue section onto a queue Config,
// falling back to defaults for unset or unparsable values.
func ConfigFrom(qc *common.QueueConfig) Config {
	config := NewDefaultConfig()
	if qc == nil {
		return config
	}
	config.PollInterval = common.ParseDurationOr(qc.PollInterval, config.PollInterval)
	config.VisibilityTimeout = common.ParseDurationOr(qc.VisibilityTimeout, config.VisibilityTimeout)
	if qc.Concurrency > 0 {
		config.Concurrency = qc.Concurrency
	}
	if qc.MaxReceive > 0 {
		config.MaxReceive = qc.MaxReceive
	}
	if qc.QueueName != "" {
		config.QueueName = qc.QueueName
	}
	return config
}
