package crawler

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/aranea/internal/queue"
	"github.com/ternarybob/aranea/internal/services/fetcher"
	"github.com/ternarybob/arbor"
)

// leaseMaxWait bounds one frontier lease attempt. Short enough that the
// job status re-check stays responsive, long enough to ride out a rate
// denial without spinning.
const leaseMaxWait = 2 * time.Second

// retryableStatuses are HTTP statuses worth re-queuing; everything else
// non-2xx is a permanent outcome for the URL.
var retryableStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Worker consumes crawl-slot queue messages. Each message runs
// concurrent lease loops against the job's frontier until the job
// leaves the running state, so one message occupies the slot for the
// job's whole life.
type Worker struct {
	config   *common.CrawlerConfig
	jobs     interfaces.JobStorage
	results  interfaces.ResultStorage
	frontier interfaces.Frontier
	robots   interfaces.RobotsService
	rate     interfaces.RateGovernor
	fetcher  interfaces.Fetcher
	renderer interfaces.Renderer
	dedup    interfaces.DedupEngine
	dist     interfaces.DistributedCache
	queue    *queue.Manager
	queueCfg queue.Config
	events   interfaces.EventService
	logger   arbor.ILogger

	// delayMu guards domains whose robots crawl-delay has been applied to
	// the governor. Applying is idempotent; the set just avoids a governor
	// call per URL.
	delayMu      sync.Mutex
	delayApplied map[string]bool
}

// NewWorker wires a crawl worker. renderer may be nil when headless
// rendering is disabled; jobs requesting it fall back to static fetches.
func NewWorker(
	config *common.CrawlerConfig,
	jobs interfaces.JobStorage,
	results interfaces.ResultStorage,
	frontier interfaces.Frontier,
	robots interfaces.RobotsService,
	rate interfaces.RateGovernor,
	fetch interfaces.Fetcher,
	renderer interfaces.Renderer,
	dedup interfaces.DedupEngine,
	dist interfaces.DistributedCache,
	queueMgr *queue.Manager,
	queueCfg queue.Config,
	events interfaces.EventService,
	logger arbor.ILogger,
) *Worker {
	return &Worker{
		config:       config,
		jobs:         jobs,
		results:      results,
		frontier:     frontier,
		robots:       robots,
		rate:         rate,
		fetcher:      fetch,
		renderer:     renderer,
		dedup:        dedup,
		dist:         dist,
		queue:        queueMgr,
		queueCfg:     queueCfg,
		events:       events,
		logger:       logger,
		delayApplied: make(map[string]bool),
	}
}

// HandleCrawlMessage is the queue handler for crawl-slot messages. It
// returns nil once the job has left the running state so the message is
// acknowledged; an error leaves the message for redelivery on another
// node.
func (w *Worker) HandleCrawlMessage(ctx context.Context, msg *queue.QueueMessage) error {
	jobID := msg.Body.JobID
	job, err := w.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.Status != models.JobStatusRunning {
		w.logger.Debug().
			Str("job_id", jobID).
			Int("slot", msg.Body.Slot).
			Str("status", string(job.Status)).
			Msg("Dropping crawl slot for non-running job")
		return nil
	}

	w.logger.Info().
		Str("job_id", jobID).
		Int("slot", msg.Body.Slot).
		Int("loops", w.crawlLoops()).
		Msg("Crawl slot active")

	// Keep the queue message invisible while the slot works. A dead node
	// stops extending and the message redelivers elsewhere.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, msg.ID)

	filter := NewLinkFilter(job.Config, w.logger)
	fetchCtx := w.fetchContext(ctx, job)

	g, gctx := errgroup.WithContext(fetchCtx)
	for i := 0; i < w.crawlLoops(); i++ {
		g.Go(func() error {
			return w.crawlLoop(gctx, jobID, filter)
		})
	}
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}

	w.logger.Info().
		Str("job_id", jobID).
		Int("slot", msg.Body.Slot).
		Msg("Crawl slot drained")
	return nil
}

func (w *Worker) crawlLoops() int {
	if w.config.ConcurrentCrawlsPerWorker > 0 {
		return w.config.ConcurrentCrawlsPerWorker
	}
	return 1
}

// fetchContext attaches the job's custom headers (and user-agent
// override) so the fetcher applies them to every request for this job.
func (w *Worker) fetchContext(ctx context.Context, job *models.CrawlJob) context.Context {
	headers := make(map[string]string, len(job.Config.CustomHeaders)+1)
	for k, v := range job.Config.CustomHeaders {
		headers[k] = v
	}
	if job.Config.UserAgent != "" {
		headers["User-Agent"] = job.Config.UserAgent
	}
	return fetcher.WithHeaders(ctx, headers)
}

// crawlLoop leases and crawls until the job leaves the running state or
// the context ends. Lease and storage hiccups are logged and retried;
// only context cancellation exits with an error.
func (w *Worker) crawlLoop(ctx context.Context, jobID string, filter *LinkFilter) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := w.jobs.GetJob(ctx, jobID)
		if err != nil {
			w.logger.Warn().Err(err).Str("job_id", jobID).Msg("Crawl loop failed to load job")
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		if job.Status != models.JobStatusRunning {
			return nil
		}

		entry, err := w.frontier.Lease(ctx, jobID, leaseMaxWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn().Err(err).Str("job_id", jobID).Msg("Frontier lease failed")
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		if entry == nil {
			continue
		}

		w.crawlURL(ctx, job, filter, entry)
	}
}

// crawlURL processes one leased entry end to end: robots policy, fetch,
// optional render, dedup, persistence, link expansion, and the frontier
// completion or failure that releases the lease.
func (w *Worker) crawlURL(ctx context.Context, job *models.CrawlJob, filter *LinkFilter, entry *models.URLEntry) {
	domain := common.RegisteredDomain(entry.URL)
	userAgent := job.Config.UserAgent
	if userAgent == "" {
		userAgent = w.config.UserAgent
	}

	if job.Config.FollowRobots {
		allowed, err := w.robots.Allowed(ctx, entry.URL, userAgent)
		if err != nil {
			w.logger.Debug().Err(err).Str("url", entry.URL).Msg("Robots evaluation failed, proceeding")
		}
		if err == nil && !allowed {
			w.logger.Debug().Str("url", entry.URL).Msg("Disallowed by robots")
			w.completeEntry(ctx, entry)
			return
		}
		w.applyCrawlDelay(ctx, domain, userAgent)
	}

	result, err := w.fetcher.Fetch(ctx, entry.URL)
	if err != nil {
		// Only malformed URLs surface as errors; they can never succeed.
		w.failEntry(ctx, entry, err.Error())
		return
	}
	result.JobID = entry.JobID

	if domain != "" {
		if err := w.rate.RecordAccess(ctx, domain); err != nil {
			w.logger.Debug().Err(err).Str("domain", domain).Msg("Failed to record domain access")
		}
	}

	// Transport-level failure: no response reached us. Retry through the
	// frontier's backoff tiers.
	if result.Error != "" && result.StatusCode == 0 {
		w.failEntry(ctx, entry, result.Error)
		return
	}

	// Policy rejection (disallowed type, size cap, redirect overflow) is
	// a permanent outcome: record it and move on.
	if result.Error != "" {
		w.persistResult(ctx, result)
		w.completeEntry(ctx, entry)
		w.bumpCounter(ctx, entry.JobID, counterCrawled, 1)
		return
	}

	if result.StatusCode < 200 || result.StatusCode >= 300 {
		if retryableStatuses[result.StatusCode] {
			w.failEntry(ctx, entry, fmt.Sprintf("status %d", result.StatusCode))
			return
		}
		w.persistResult(ctx, result)
		w.completeEntry(ctx, entry)
		w.bumpCounter(ctx, entry.JobID, counterCrawled, 1)
		return
	}

	if job.Config.RenderJS && w.renderer != nil && isHTMLResult(result) {
		w.renderResult(ctx, entry, result, userAgent)
	}

	duplicate := w.classifyContent(ctx, entry, result)

	w.persistResult(ctx, result)
	w.completeEntry(ctx, entry)

	w.bumpCounter(ctx, entry.JobID, counterCrawled, 1)
	w.bumpCounter(ctx, entry.JobID, counterBytes, result.ContentLength)
	if result.JSRendered {
		w.bumpCounter(ctx, entry.JobID, counterRendered, 1)
	}

	if !duplicate {
		w.expandLinks(ctx, entry, filter, result.Links)
	}

	if w.events != nil {
		_ = w.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventURLCrawled,
			Payload: map[string]interface{}{
				"job_id":    entry.JobID,
				"url":       entry.URL,
				"status":    result.StatusCode,
				"depth":     entry.Depth,
				"bytes":     result.ContentLength,
				"duplicate": duplicate,
			},
		})
	}
}

// renderResult routes the page through the headless pool and replaces
// the static extraction with the post-JavaScript DOM. Render failures
// degrade to the static result.
func (w *Worker) renderResult(ctx context.Context, entry *models.URLEntry, result *models.CrawlResult, userAgent string) {
	outcome, err := w.renderer.Render(ctx, entry.URL, models.RenderOptions{UserAgent: userAgent})
	if err != nil {
		w.logger.Debug().Err(err).Str("url", entry.URL).Msg("Render failed, keeping static result")
		return
	}

	result.Content = []byte(outcome.HTML)
	result.ContentLength = int64(len(result.Content))
	result.JSRendered = true
	result.Render = &outcome.Artifacts

	base, err := url.Parse(finalURL(result))
	if err != nil {
		return
	}
	if err := fetcher.Extract(result, result.Content, base); err != nil {
		w.logger.Debug().Err(err).Str("url", entry.URL).Msg("Rendered extraction failed")
	}
}

// classifyContent runs the dedup ladder and applies the verdict to the
// result. Returns true when the content is a duplicate the policy chose
// not to keep: content is dropped and links are not expanded.
func (w *Worker) classifyContent(ctx context.Context, entry *models.URLEntry, result *models.CrawlResult) bool {
	if len(result.Content) == 0 {
		return false
	}

	hint := result.CanonicalURL
	if hint == "" {
		hint = entry.Meta.CanonicalHint
	}

	verdict, fp, err := w.dedup.Check(ctx, result.Content, result.URL, hint)
	if err != nil {
		w.logger.Warn().Err(err).Str("url", result.URL).Msg("Dedup check failed, treating as unique")
		return false
	}
	result.Duplication = verdict
	result.Fingerprint = fp

	if !verdict.Duplicate || verdict.Action == models.ActionAccept {
		return false
	}

	// Keep the verdict and metadata but drop the redundant body.
	result.Content = nil
	w.bumpCounter(ctx, entry.JobID, counterDuplicates, 1)
	w.logger.Debug().
		Str("url", result.URL).
		Str("kind", string(verdict.Kind)).
		Str("original", verdict.OriginalURL).
		Msg("Duplicate content")
	return true
}

// expandLinks filters discovered links and enqueues survivors one depth
// deeper at medium priority.
func (w *Worker) expandLinks(ctx context.Context, entry *models.URLEntry, filter *LinkFilter, links []string) {
	if len(links) == 0 {
		return
	}

	filtered, excluded, offDomain := filter.FilterLinks(links)
	inserted := 0
	for _, link := range filtered {
		outcome, err := w.frontier.Enqueue(ctx, &models.URLEntry{
			URL:      link,
			JobID:    entry.JobID,
			Priority: models.PriorityMedium,
			Depth:    entry.Depth + 1,
			Referrer: entry.URL,
			Meta:     models.URLMeta{Source: "link"},
		})
		if err != nil {
			w.logger.Debug().Err(err).Str("url", link).Msg("Failed to enqueue discovered link")
			continue
		}
		if outcome == models.EnqueueInserted {
			inserted++
		}
	}

	w.logger.Debug().
		Str("url", entry.URL).
		Int("discovered", len(links)).
		Int("enqueued", inserted).
		Int("excluded", excluded).
		Int("off_domain", offDomain).
		Msg("Links expanded")
}

// applyCrawlDelay tightens the domain's rate cap to honor a robots
// crawl-delay. Applied once per domain per worker.
func (w *Worker) applyCrawlDelay(ctx context.Context, domain, userAgent string) {
	if domain == "" {
		return
	}
	w.delayMu.Lock()
	applied := w.delayApplied[domain]
	if !applied {
		w.delayApplied[domain] = true
	}
	w.delayMu.Unlock()
	if applied {
		return
	}

	delay, err := w.robots.CrawlDelay(ctx, domain, userAgent)
	if err != nil || delay <= 0 {
		return
	}
	if err := w.rate.SetCrawlDelay(domain, delay); err != nil {
		w.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to apply crawl delay")
		return
	}
	w.logger.Debug().Str("domain", domain).Dur("delay", delay).Msg("Robots crawl delay applied")
}

func (w *Worker) persistResult(ctx context.Context, result *models.CrawlResult) {
	if w.config.ResultRetention > 0 {
		result.ExpiresAt = time.Now().Add(w.config.ResultRetention)
	}
	if err := w.results.SaveResult(ctx, result); err != nil {
		w.logger.Warn().Err(err).Str("url", result.URL).Msg("Failed to persist crawl result")
	}
}

func (w *Worker) completeEntry(ctx context.Context, entry *models.URLEntry) {
	if err := w.frontier.Complete(ctx, entry); err != nil {
		w.logger.Warn().Err(err).Str("url", entry.URL).Msg("Failed to complete frontier entry")
	}
}

func (w *Worker) failEntry(ctx context.Context, entry *models.URLEntry, reason string) {
	if err := w.frontier.Fail(ctx, entry, reason); err != nil {
		w.logger.Warn().Err(err).Str("url", entry.URL).Msg("Failed to fail frontier entry")
	}
}

// bumpCounter increments a shared per-job counter; failures are logged
// and absorbed so stats never break a crawl.
func (w *Worker) bumpCounter(ctx context.Context, jobID, counter string, amount int64) {
	if amount == 0 {
		return
	}
	if _, err := w.dist.Incr(ctx, statsKey(jobID, counter), amount, statsTTL); err != nil {
		w.logger.Debug().Err(err).Str("job_id", jobID).Str("counter", counter).Msg("Failed to bump stats counter")
	}
}

// heartbeat extends the queue message's visibility while the slot is
// active so a live worker never loses its claim.
func (w *Worker) heartbeat(ctx context.Context, messageID string) {
	timeout := w.queueCfg.VisibilityTimeout
	if timeout <= 0 {
		return
	}
	interval := timeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Extend(ctx, messageID, timeout); err != nil {
				w.logger.Warn().Err(err).Str("message_id", messageID).Msg("Failed to extend queue claim")
			}
		}
	}
}

// finalURL returns the URL the fetch actually landed on after redirects.
func finalURL(result *models.CrawlResult) string {
	if n := len(result.RedirectChain); n > 0 {
		return result.RedirectChain[n-1]
	}
	return result.URL
}

func isHTMLResult(result *models.CrawlResult) bool {
	ct := strings.ToLower(result.ContentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// sleepCtx sleeps for d unless the context ends first; reports whether
// the full sleep happened.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
