package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
)

// emptyTicksToComplete is how many consecutive monitor ticks must observe
// an empty frontier before the job is declared complete. Two ticks give
// in-flight link discovery and background sitemap seeding a window to
// refill the queue.
const emptyTicksToComplete = 2

// startMonitor launches the progress monitor for a job. Idempotent: a
// second call for the same job is a no-op while the first monitor runs.
func (s *Service) startMonitor(jobID string) {
	s.mu.Lock()
	if _, exists := s.monitors[jobID]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.monitors[jobID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	common.SafeGo(s.logger, "crawl-monitor-"+jobID, func() {
		defer s.wg.Done()
		s.monitorJob(ctx, jobID)
	})
}

func (s *Service) stopMonitor(jobID string) {
	s.mu.Lock()
	if cancel, exists := s.monitors[jobID]; exists {
		cancel()
		delete(s.monitors, jobID)
	}
	s.mu.Unlock()
}

// monitorJob ticks until the job reaches a terminal state, refreshing
// stats, publishing progress, and applying the termination rules:
// page budget reached, frontier drained, or no progress for the idle
// timeout.
func (s *Service) monitorJob(ctx context.Context, jobID string) {
	interval := s.config.MonitorInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	emptyTicks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := s.jobs.GetJob(ctx, jobID)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Monitor failed to load job")
			continue
		}
		if job.Status != models.JobStatusRunning {
			s.stopMonitor(jobID)
			return
		}

		stats, err := s.collectStats(ctx, job)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Monitor failed to collect stats")
			continue
		}

		progressed := stats.URLsCrawled > job.Stats.URLsCrawled ||
			stats.URLsFailed > job.Stats.URLsFailed ||
			stats.Duplicates > job.Stats.Duplicates
		if progressed || job.Stats.LastProgressAt.IsZero() {
			stats.LastProgressAt = time.Now()
		} else {
			stats.LastProgressAt = job.Stats.LastProgressAt
		}

		if err := s.jobs.UpdateJobStats(ctx, jobID, *stats); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Monitor failed to persist stats")
		}
		job.Stats = *stats

		s.publish(ctx, interfaces.EventCrawlProgress, map[string]interface{}{
			"job_id":   jobID,
			"crawled":  stats.URLsCrawled,
			"queued":   stats.URLsQueued,
			"inflight": stats.URLsInFlight,
			"failed":   stats.URLsFailed,
		})

		// Page budget: the crawl met its configured cap.
		if job.Config.MaxPages > 0 && stats.URLsCrawled >= job.Config.MaxPages {
			s.logger.Info().
				Str("job_id", jobID).
				Int("crawled", stats.URLsCrawled).
				Int("max_pages", job.Config.MaxPages).
				Msg("Crawl reached page budget")
			s.finalizeFromMonitor(ctx, jobID, models.JobStatusCompleted, "")
			return
		}

		// Drained: nothing queued, deferred, or in flight for consecutive
		// ticks means no worker can produce more work.
		if stats.URLsQueued == 0 && stats.URLsDeferred == 0 && stats.URLsInFlight == 0 {
			emptyTicks++
			if emptyTicks >= emptyTicksToComplete {
				s.logger.Info().
					Str("job_id", jobID).
					Int("crawled", stats.URLsCrawled).
					Int("failed", stats.URLsFailed).
					Msg("Crawl frontier drained")
				s.finalizeFromMonitor(ctx, jobID, models.JobStatusCompleted, "")
				return
			}
		} else {
			emptyTicks = 0
		}

		// Stalled: entries exist but nothing has progressed within the
		// idle window. Distinguishes a wedged job from a slow one.
		if s.config.IdleTimeout > 0 && time.Since(stats.LastProgressAt) > s.config.IdleTimeout {
			reason := fmt.Sprintf("Timeout: no progress for %s", s.config.IdleTimeout)
			s.logger.Warn().
				Str("job_id", jobID).
				Int("queued", stats.URLsQueued).
				Int("inflight", stats.URLsInFlight).
				Msg("Crawl idle timeout")
			s.finalizeFromMonitor(ctx, jobID, models.JobStatusFailed, reason)
			return
		}
	}
}

// finalizeFromMonitor wraps finalize with monitor-context logging; the
// monitor exits right after so a failed finalize is retried by the next
// monitor only if the job is resumed.
func (s *Service) finalizeFromMonitor(ctx context.Context, jobID string, status models.JobStatus, reason string) {
	if err := s.finalize(ctx, jobID, status, reason); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Str("status", string(status)).Msg("Failed to finalize job")
	}
}

// finalize moves a job to a terminal state exactly once: freezes the
// final stats snapshot into the record, purges frontier state, clears
// the shared counters, stops the monitor, and publishes the terminal
// event. Serialized in-process; the loser of a cancel/complete race
// gets the transition error and changes nothing.
func (s *Service) finalize(ctx context.Context, jobID string, status models.JobStatus, reason string) error {
	s.finalizeMu.Lock()
	defer s.finalizeMu.Unlock()

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status == models.JobStatusRunning {
		if stats, err := s.collectStats(ctx, job); err == nil {
			stats.LastProgressAt = job.Stats.LastProgressAt
			job.Stats = *stats
		}
	}

	if err := job.Transition(status); err != nil {
		return err
	}
	job.Error = reason

	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist terminal state: %w", err)
	}

	if err := s.frontier.Purge(ctx, jobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to purge frontier state")
	}
	s.clearCounters(ctx, jobID)
	s.stopMonitor(jobID)

	s.logger.Info().
		Str("job_id", jobID).
		Str("status", string(status)).
		Int("crawled", job.Stats.URLsCrawled).
		Int("failed", job.Stats.URLsFailed).
		Int("duplicates", job.Stats.Duplicates).
		Int64("bytes", job.Stats.BytesFetched).
		Msg("Crawl job finalized")

	payload := map[string]interface{}{
		"job_id":  jobID,
		"crawled": job.Stats.URLsCrawled,
		"failed":  job.Stats.URLsFailed,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	s.publish(ctx, terminalEvent(status), payload)

	return nil
}

func terminalEvent(status models.JobStatus) interfaces.EventType {
	switch status {
	case models.JobStatusCompleted:
		return interfaces.EventJobCompleted
	case models.JobStatusCancelled:
		return interfaces.EventJobCancelled
	default:
		return interfaces.EventJobFailed
	}
}
