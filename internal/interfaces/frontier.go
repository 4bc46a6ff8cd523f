// Package interfaces provides service interfaces for dependency injection.
package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/aranea/internal/models"
)

// Frontier is the multi-priority leased URL queue. All state lives in the
// distributed KV so workers on any node share one view of a job's frontier.
type Frontier interface {
	// Enqueue normalizes the entry URL, consults the bloom and visited sets,
	// and inserts into the entry's priority tier. Depth caps are enforced
	// here.
	Enqueue(ctx context.Context, entry *models.URLEntry) (models.EnqueueOutcome, error)

	// SetDepthCap stores the job's depth limit in the shared KV so every
	// node enforces the same cap.
	SetDepthCap(ctx context.Context, jobID string, maxDepth int) error

	// Lease scans tiers from highest priority downward and returns the next
	// entry the rate governor will admit, moving it into the processing set
	// with a lease expiry. Returns nil when no entry is available within
	// maxWait.
	Lease(ctx context.Context, jobID string, maxWait time.Duration) (*models.URLEntry, error)

	// Complete removes a leased entry from the processing set and marks its
	// URL visited.
	Complete(ctx context.Context, entry *models.URLEntry) error

	// Fail re-queues the entry at Low priority with a retry delay, or moves
	// it to the failed set once retries are exhausted.
	Fail(ctx context.Context, entry *models.URLEntry, reason string) error

	// RecoverExpired returns entries whose lease has lapsed to their
	// original tiers. Called by the recovery loop; returns how many entries
	// were reclaimed.
	RecoverExpired(ctx context.Context, jobID string) (int, error)

	// Sizes reports per-tier queue depths for the job.
	Sizes(ctx context.Context, jobID string) (map[models.Priority]int64, error)

	// ProcessingCount reports how many entries are currently leased.
	ProcessingCount(ctx context.Context, jobID string) (int64, error)

	// VisitedCount reports how many URLs have completed.
	VisitedCount(ctx context.Context, jobID string) (int64, error)

	// FailedCount reports how many entries exhausted their retries.
	FailedCount(ctx context.Context, jobID string) (int64, error)

	// Purge removes all frontier state for a job.
	Purge(ctx context.Context, jobID string) error
}
