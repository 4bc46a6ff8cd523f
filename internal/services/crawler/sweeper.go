package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/queue"
	"github.com/ternarybob/arbor"
)

// sweepSchedule staggers the hourly sweep off the top of the hour so the
// enqueue does not coincide with other hourly work.
const sweepSchedule = "17 * * * *"

// Sweeper schedules retention sweeps through the durable queue. The cron
// only enqueues; deletion runs in a queue handler so a sweep survives a
// restart mid-way and never runs twice across nodes for the same hour.
type Sweeper struct {
	results   interfaces.ResultStorage
	dedup     interfaces.DedupEngine
	queue     *queue.Manager
	retention time.Duration
	cron      *cron.Cron
	logger    arbor.ILogger
}

// NewSweeper wires the retention sweeper. A zero retention disables
// scheduling entirely; results then live until deleted with their job.
func NewSweeper(results interfaces.ResultStorage, dedup interfaces.DedupEngine, queueMgr *queue.Manager, retention time.Duration, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		results:   results,
		dedup:     dedup,
		queue:     queueMgr,
		retention: retention,
		cron:      cron.New(),
		logger:    logger,
	}
}

// Start registers the hourly sweep enqueue and starts the cron runner.
func (s *Sweeper) Start() error {
	if s.retention <= 0 {
		s.logger.Info().Msg("Result retention disabled, sweeper not scheduled")
		return nil
	}

	if _, err := s.cron.AddFunc(sweepSchedule, s.enqueueSweep); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	s.cron.Start()

	s.logger.Info().
		Str("schedule", sweepSchedule).
		Dur("retention", s.retention).
		Msg("Retention sweeper started")
	return nil
}

// Stop halts the cron runner. An in-flight sweep handler finishes under
// the worker pool's shutdown, not ours.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}

// enqueueSweep publishes one sweep message per hour. The hour-stamped
// dedup ID collapses enqueues from multiple nodes into a single message.
func (s *Sweeper) enqueueSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dedupID := "retention:" + time.Now().UTC().Format("2006010215")
	msg := &queue.JobMessage{Type: queue.TypeRetentionSweep}
	if err := s.queue.Enqueue(ctx, msg, dedupID); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to enqueue retention sweep")
	}
}

// HandleSweepMessage deletes crawl results past their retention window
// and fingerprints older than the window. Partial progress is fine; the
// next sweep picks up whatever remains.
func (s *Sweeper) HandleSweepMessage(ctx context.Context, msg *queue.QueueMessage) error {
	start := time.Now()

	deleted, err := s.results.DeleteExpired(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("retention sweep failed: %w", err)
	}

	purged := 0
	if s.retention > 0 {
		purged, err = s.dedup.Purge(ctx, time.Now().Add(-s.retention))
		if err != nil {
			return fmt.Errorf("fingerprint purge failed: %w", err)
		}
	}

	s.logger.Info().
		Int("results_deleted", deleted).
		Int("fingerprints_purged", purged).
		Dur("elapsed", time.Since(start)).
		Msg("Retention sweep complete")
	return nil
}
