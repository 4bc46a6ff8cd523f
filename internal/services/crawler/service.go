// Package crawler owns crawl job lifecycle: creation, seeding, worker
// fan-out over the durable queue, progress monitoring, and terminal
// transitions. URL-level work happens in Worker; everything here is
// job-level coordination.
package crawler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/aranea/internal/queue"
	"github.com/ternarybob/arbor"
)

// statsTTL bounds the shared per-job counters in the distributed cache.
// Counters are deleted at terminal transition; the TTL is a backstop for
// jobs whose node died before finalizing.
const statsTTL = 7 * 24 * time.Hour

// Shared counter names under crawl:stats:{job_id}:*. Workers on any
// node increment the same keys, so monitor reads see cluster totals.
const (
	counterCrawled    = "crawled"
	counterDuplicates = "duplicates"
	counterBytes      = "bytes"
	counterRendered   = "rendered"
)

func statsKey(jobID, counter string) string {
	return "crawl:stats:" + jobID + ":" + counter
}

// Service implements the CrawlOrchestrator interface.
type Service struct {
	config   *common.CrawlerConfig
	jobs     interfaces.JobStorage
	frontier interfaces.Frontier
	robots   interfaces.RobotsService
	rate     interfaces.RateGovernor
	dist     interfaces.DistributedCache
	queue    *queue.Manager
	events   interfaces.EventService
	logger   arbor.ILogger

	// slots is how many worker-slot messages each running job fans out
	// to; normally the worker pool concurrency.
	slots int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	monitors map[string]context.CancelFunc

	// finalizeMu serializes terminal transitions so a monitor-driven
	// completion and an API cancel cannot both finalize the same job.
	finalizeMu sync.Mutex
}

var _ interfaces.CrawlOrchestrator = (*Service)(nil)

// NewService wires the orchestrator. slots is the number of queue
// messages fanned out per running job, normally the worker pool
// concurrency so a single job can occupy the whole pool.
func NewService(
	config *common.CrawlerConfig,
	jobs interfaces.JobStorage,
	frontier interfaces.Frontier,
	robots interfaces.RobotsService,
	rate interfaces.RateGovernor,
	dist interfaces.DistributedCache,
	queueMgr *queue.Manager,
	events interfaces.EventService,
	slots int,
	logger arbor.ILogger,
) *Service {
	if slots <= 0 {
		slots = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:   config,
		jobs:     jobs,
		frontier: frontier,
		robots:   robots,
		rate:     rate,
		dist:     dist,
		queue:    queueMgr,
		events:   events,
		slots:    slots,
		ctx:      ctx,
		cancel:   cancel,
		monitors: make(map[string]context.CancelFunc),
		logger:   logger,
	}
}

// CreateJob validates and persists a new job in the pending state. The
// config snapshot is frozen here; later changes to service defaults do
// not affect existing jobs.
func (s *Service) CreateJob(ctx context.Context, name string, config models.CrawlJobConfig) (string, error) {
	if len(config.SeedURLs) == 0 {
		return "", fmt.Errorf("job requires at least one seed URL")
	}

	seeds := make([]string, 0, len(config.SeedURLs))
	for _, seed := range config.SeedURLs {
		normalized, err := common.NormalizeURL(seed)
		if err != nil {
			return "", fmt.Errorf("invalid seed URL %q: %w", seed, err)
		}
		seeds = append(seeds, normalized)
	}
	config.SeedURLs = seeds

	if config.MaxDepth <= 0 {
		config.MaxDepth = s.config.MaxDepth
	}
	if config.MaxPages < 0 {
		config.MaxPages = 0
	}
	if config.UserAgent == "" {
		config.UserAgent = s.config.UserAgent
	}
	if config.RateLimitRPS <= 0 {
		config.RateLimitRPS = s.config.DefaultRPS
	}

	job := &models.CrawlJob{
		ID:        common.NewJobID(),
		Name:      name,
		Config:    config,
		Status:    models.JobStatusPending,
		CreatedAt: time.Now(),
	}

	if err := s.jobs.SaveJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to save job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("name", name).
		Int("seeds", len(config.SeedURLs)).
		Int("max_depth", config.MaxDepth).
		Int("max_pages", config.MaxPages).
		Msg("Crawl job created")

	s.publish(ctx, interfaces.EventJobCreated, map[string]interface{}{
		"job_id": job.ID,
		"name":   name,
		"seeds":  len(config.SeedURLs),
	})

	return job.ID, nil
}

// StartJob transitions a pending job to running: registers rate caps
// and the depth cap, enqueues the seed URLs, fans worker-slot messages
// out to the pool, and starts the progress monitor. Sitemap discovery
// runs in the background so slow sitemap hosts never block the start.
func (s *Service) StartJob(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.Transition(models.JobStatusRunning); err != nil {
		return err
	}
	job.Stats.LastProgressAt = time.Now()

	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist job start: %w", err)
	}

	s.configureRateCaps(job)

	if err := s.frontier.SetDepthCap(ctx, jobID, job.Config.MaxDepth); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to set frontier depth cap")
	}

	queued := s.enqueueSeeds(ctx, job)
	if job.Config.IncludeSitemaps {
		s.wg.Add(1)
		common.SafeGo(s.logger, "sitemap-seed-"+jobID, func() {
			defer s.wg.Done()
			s.seedFromSitemaps(s.ctx, job)
		})
	}

	for slot := 0; slot < s.slots; slot++ {
		msg := &queue.JobMessage{Type: queue.TypeCrawl, JobID: jobID, Slot: slot}
		dedupID := fmt.Sprintf("%s:slot:%d", jobID, slot)
		if err := s.queue.Enqueue(ctx, msg, dedupID); err != nil {
			return fmt.Errorf("failed to enqueue worker slot %d: %w", slot, err)
		}
	}

	s.startMonitor(jobID)

	s.logger.Info().
		Str("job_id", jobID).
		Int("seeds_queued", queued).
		Int("worker_slots", s.slots).
		Bool("sitemaps", job.Config.IncludeSitemaps).
		Msg("Crawl job started")

	s.publish(ctx, interfaces.EventJobStarted, map[string]interface{}{
		"job_id": jobID,
		"seeds":  queued,
	})

	return nil
}

// CancelJob moves a pending or running job to cancelled. Workers notice
// the terminal status on their next lease iteration and drain out.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.CanTransitionTo(models.JobStatusCancelled) {
		return fmt.Errorf("cannot cancel job in state %s", job.Status)
	}
	return s.finalize(ctx, jobID, models.JobStatusCancelled, "")
}

// GetJob returns the persisted job record.
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.CrawlJob, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// ListJobs returns recent jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, limit int) ([]*models.CrawlJob, error) {
	return s.jobs.ListJobs(ctx, limit)
}

// Stats returns live counters for running jobs and the frozen terminal
// snapshot for finished ones.
func (s *Service) Stats(ctx context.Context, jobID string) (*models.CrawlStats, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusRunning {
		stats := job.Stats
		return &stats, nil
	}

	stats, err := s.collectStats(ctx, job)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Resume restarts monitors and worker-slot fan-out for jobs that were
// running when the process last stopped. Slot messages are deduped, so
// resuming is safe while the originals are still queued.
func (s *Service) Resume(ctx context.Context) error {
	running, err := s.jobs.ListJobsByStatus(ctx, models.JobStatusRunning, 0)
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}

	for _, job := range running {
		for slot := 0; slot < s.slots; slot++ {
			msg := &queue.JobMessage{Type: queue.TypeCrawl, JobID: job.ID, Slot: slot}
			dedupID := fmt.Sprintf("%s:slot:%d", job.ID, slot)
			if err := s.queue.Enqueue(ctx, msg, dedupID); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Int("slot", slot).Msg("Failed to re-enqueue worker slot")
			}
		}
		s.configureRateCaps(job)
		s.startMonitor(job.ID)
		s.logger.Info().
			Str("job_id", job.ID).
			Str("name", job.Name).
			Msg("Resumed running crawl job")
	}

	if len(running) > 0 {
		s.logger.Info().Int("jobs", len(running)).Msg("Crawl job resume complete")
	}
	return nil
}

// Close stops all monitors and waits for background seeding to finish.
func (s *Service) Close() error {
	s.cancel()
	s.mu.Lock()
	for _, cancel := range s.monitors {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// configureRateCaps registers per-domain token buckets for every domain
// the job is allowed to touch. Burst scales with the cap so short
// bursts do not starve a permissive limit.
func (s *Service) configureRateCaps(job *models.CrawlJob) {
	rps := job.Config.RateLimitRPS
	if rps <= 0 {
		rps = s.config.DefaultRPS
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	for _, domain := range s.jobDomains(job) {
		if err := s.rate.SetDomainLimit(domain, rps, burst); err != nil {
			s.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to set domain rate cap")
		}
	}
}

// jobDomains returns the registered domains the job may crawl: the
// explicit allow-list when present, otherwise the seed domains.
func (s *Service) jobDomains(job *models.CrawlJob) []string {
	if len(job.Config.AllowedDomains) > 0 {
		return job.Config.AllowedDomains
	}
	seen := make(map[string]bool)
	var domains []string
	for _, seed := range job.Config.SeedURLs {
		if domain := common.RegisteredDomain(seed); domain != "" && !seen[domain] {
			seen[domain] = true
			domains = append(domains, domain)
		}
	}
	return domains
}

// enqueueSeeds inserts the seed URLs at critical priority.
func (s *Service) enqueueSeeds(ctx context.Context, job *models.CrawlJob) int {
	queued := 0
	for _, seed := range job.Config.SeedURLs {
		outcome, err := s.frontier.Enqueue(ctx, &models.URLEntry{
			URL:      seed,
			JobID:    job.ID,
			Priority: models.PriorityCritical,
			Depth:    0,
			Meta:     models.URLMeta{Source: "seed"},
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("url", seed).Msg("Failed to enqueue seed")
			continue
		}
		if outcome == models.EnqueueInserted {
			queued++
		}
	}
	return queued
}

// seedFromSitemaps discovers sitemap URLs for each job domain and
// enqueues their entries with priorities mapped from the advisory
// sitemap priority. Failures are logged and skipped; sitemap discovery
// is best effort.
func (s *Service) seedFromSitemaps(ctx context.Context, job *models.CrawlJob) {
	total := 0
	for _, domain := range s.jobDomains(job) {
		sitemaps, err := s.robots.Sitemaps(ctx, domain)
		if err != nil {
			s.logger.Debug().Err(err).Str("domain", domain).Msg("Sitemap discovery failed")
			continue
		}

		for _, sitemapURL := range sitemaps {
			entries, err := s.robots.FetchSitemap(ctx, sitemapURL, true)
			if err != nil {
				s.logger.Debug().Err(err).Str("sitemap", sitemapURL).Msg("Sitemap fetch failed")
				continue
			}

			for _, entry := range entries {
				outcome, err := s.frontier.Enqueue(ctx, &models.URLEntry{
					URL:      entry.URL,
					JobID:    job.ID,
					Priority: sitemapPriority(entry.Priority),
					Depth:    1,
					Meta: models.URLMeta{
						Source:          "sitemap",
						SitemapPriority: entry.Priority,
					},
				})
				if err != nil {
					s.logger.Debug().Err(err).Str("url", entry.URL).Msg("Failed to enqueue sitemap entry")
					continue
				}
				if outcome == models.EnqueueInserted {
					total++
				}
			}
		}
	}

	if total > 0 {
		s.logger.Info().
			Str("job_id", job.ID).
			Int("urls", total).
			Msg("Sitemap seeding complete")
	}
}

// sitemapPriority maps the advisory 0..1 sitemap priority onto frontier
// tiers. Seeds stay above every sitemap entry.
func sitemapPriority(p float64) models.Priority {
	switch {
	case p >= 0.8:
		return models.PriorityHigh
	case p >= 0.4:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// collectStats assembles a live stats snapshot from the frontier and
// the shared distributed counters.
func (s *Service) collectStats(ctx context.Context, job *models.CrawlJob) (*models.CrawlStats, error) {
	sizes, err := s.frontier.Sizes(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read frontier sizes: %w", err)
	}

	inflight, err := s.frontier.ProcessingCount(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	failed, err := s.frontier.FailedCount(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	stats := job.Stats
	stats.URLsQueued = 0
	for priority, n := range sizes {
		if priority == models.PriorityDeferred {
			stats.URLsDeferred = int(n)
			continue
		}
		stats.URLsQueued += int(n)
	}
	stats.URLsInFlight = int(inflight)
	stats.URLsFailed = int(failed)
	stats.URLsCrawled = int(s.readCounter(ctx, job.ID, counterCrawled))
	stats.Duplicates = int(s.readCounter(ctx, job.ID, counterDuplicates))
	stats.BytesFetched = s.readCounter(ctx, job.ID, counterBytes)
	stats.PagesRendered = int(s.readCounter(ctx, job.ID, counterRendered))

	return &stats, nil
}

// readCounter reads one shared counter; a missing key reads as zero.
func (s *Service) readCounter(ctx context.Context, jobID, counter string) int64 {
	raw, _, err := s.dist.Get(ctx, statsKey(jobID, counter))
	if err != nil {
		return 0
	}
	var n int64
	if _, err := fmt.Sscanf(string(raw), "%d", &n); err != nil {
		return 0
	}
	return n
}

// clearCounters removes the per-job shared counters after the terminal
// snapshot is frozen into the job record.
func (s *Service) clearCounters(ctx context.Context, jobID string) {
	for _, counter := range []string{counterCrawled, counterDuplicates, counterBytes, counterRendered} {
		if err := s.dist.Delete(ctx, statsKey(jobID, counter)); err != nil {
			s.logger.Debug().Err(err).Str("job_id", jobID).Str("counter", counter).Msg("Failed to clear stats counter")
		}
	}
}

// publish fires an event without blocking the caller on subscribers.
func (s *Service) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}
