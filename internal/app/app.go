// Package app wires the service graph: storage and transport first, then
// the crawl pipeline, the cache fabric, and the session core, each layer
// only seeing the layers built before it. Close tears the graph down in
// reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/handlers"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/aranea/internal/queue"
	"github.com/ternarybob/aranea/internal/services/appcache"
	"github.com/ternarybob/aranea/internal/services/auth"
	"github.com/ternarybob/aranea/internal/services/bloom"
	"github.com/ternarybob/aranea/internal/services/cachemanager"
	"github.com/ternarybob/aranea/internal/services/crawler"
	"github.com/ternarybob/aranea/internal/services/dedup"
	"github.com/ternarybob/aranea/internal/services/distcache"
	"github.com/ternarybob/aranea/internal/services/edge"
	"github.com/ternarybob/aranea/internal/services/events"
	"github.com/ternarybob/aranea/internal/services/fetcher"
	"github.com/ternarybob/aranea/internal/services/fingerprint"
	"github.com/ternarybob/aranea/internal/services/frontier"
	"github.com/ternarybob/aranea/internal/services/invalidator"
	"github.com/ternarybob/aranea/internal/services/ratelimit"
	"github.com/ternarybob/aranea/internal/services/renderer"
	"github.com/ternarybob/aranea/internal/services/robots"
	"github.com/ternarybob/aranea/internal/services/syncer"
	"github.com/ternarybob/aranea/internal/storage"
	badgerstorage "github.com/ternarybob/aranea/internal/storage/badger"
	redisstorage "github.com/ternarybob/aranea/internal/storage/redis"
	"github.com/ternarybob/arbor"
)

// App holds every component and owns the background context their loops
// run under.
type App struct {
	Config  *common.Config
	Logger  arbor.ILogger
	Metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// Storage and transport
	StorageManager interfaces.StorageManager
	store          *badgerstorage.Manager
	Redis          *redisstorage.Connection

	EventService interfaces.EventService

	// Crawl pipeline
	BloomFilter    *bloom.Service
	RateGovernor   *ratelimit.Service
	Fetcher        *fetcher.Service
	RobotsService  *robots.Service
	Renderer       *renderer.Service // nil when rendering is disabled
	Fingerprinter  *fingerprint.Service
	DedupEngine    *dedup.Service
	Frontier       *frontier.Service
	QueueManager   *queue.Manager
	WorkerPool     *queue.WorkerPool
	CrawlerService *crawler.Service
	CrawlWorker    *crawler.Worker
	Sweeper        *crawler.Sweeper

	// Cache fabric
	DistCache    *distcache.Service
	AppCache     *appcache.Service
	LocalCache   *appcache.Service
	CacheManager *cachemanager.Service
	Invalidator  *invalidator.Service
	Syncer       *syncer.Service
	EdgeService  *edge.Service // nil when no edge provider is configured

	// Session and token core
	TokenService *auth.TokenService
	Blacklist    *auth.RedisBlacklist
	MfaVerifier  *auth.TotpVerifier
	AuthService  *auth.Service

	// Operational surface
	StatusHandler *handlers.StatusHandler
	WSHandler     *handlers.WebSocketHandler
}

// New builds the application in dependency order. Any error here is
// unrecoverable: the caller should log it and exit non-zero.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		Config: config,
		Logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := a.initFoundation(); err != nil {
		cancel()
		a.closePartial()
		return nil, err
	}
	if err := a.initCrawlPipeline(); err != nil {
		cancel()
		a.closePartial()
		return nil, err
	}
	if err := a.initCacheFabric(); err != nil {
		cancel()
		a.closePartial()
		return nil, err
	}
	if err := a.initSessionCore(); err != nil {
		cancel()
		a.closePartial()
		return nil, err
	}
	a.initHandlers()

	logger.Info().Msg("Application initialized")
	return a, nil
}

// initFoundation opens the embedded store, dials Redis, and creates the
// metrics registry and event bus everything else reports through.
func (a *App) initFoundation() error {
	store, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.store = store
	a.StorageManager = store
	a.Logger.Info().Str("path", a.Config.Storage.Badger.Path).Msg("Storage initialized")

	conn, err := redisstorage.NewConnection(a.ctx, a.Logger, &a.Config.Redis)
	if err != nil {
		return err
	}
	a.Redis = conn
	a.Logger.Info().Str("addr", a.Config.Redis.Addr).Msg("Redis connected")

	a.Metrics = metrics.New()
	a.EventService = events.NewService(a.Logger)
	return nil
}

// initCrawlPipeline builds the crawl side: dedup structures, politeness,
// fetch/render, the frontier, and the durable queue with its worker pool.
func (a *App) initCrawlPipeline() error {
	cfg := a.Config
	client := a.Redis.Client()

	a.BloomFilter = bloom.NewService(&cfg.Bloom, a.store.SnapshotStorage(), a.Metrics, a.Logger)
	if err := a.BloomFilter.Load(a.ctx); err != nil {
		// A corrupt snapshot costs re-crawl work, not correctness; the
		// frontier's visited set still dedups within each job.
		a.Logger.Warn().Err(err).Msg("Bloom snapshot load failed; starting empty")
	}
	if cfg.Bloom.PersistInterval != "" {
		interval := common.ParseDurationOr(cfg.Bloom.PersistInterval, time.Minute)
		common.SafeGo(a.Logger, "bloom-autopersist", func() {
			a.BloomFilter.AutoPersist(a.ctx, interval)
		})
	}

	a.RateGovernor = ratelimit.NewService(&cfg.RateLimit, client, a.Metrics, a.Logger)

	dist, err := distcache.NewService(client, &cfg.DistCache, a.Metrics, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize distributed cache: %w", err)
	}
	a.DistCache = dist
	a.DistCache.StartPipeline(a.ctx)

	a.Fetcher = fetcher.NewService(&cfg.Crawler, a.Metrics, a.Logger)
	a.RobotsService = robots.NewService(&cfg.Robots, a.Fetcher, a.DistCache, a.Metrics, a.Logger)

	var rend interfaces.Renderer
	if cfg.Renderer.Enabled {
		a.Renderer = renderer.NewService(&cfg.Renderer, cfg.Crawler.UserAgent, a.Metrics, a.Logger)
		rend = a.Renderer
		a.Logger.Info().Int("max_browsers", cfg.Renderer.MaxBrowsers).Msg("JS renderer enabled")
	}

	a.Fingerprinter = fingerprint.NewService(cfg.Dedup.MinHashPermutation, cfg.Dedup.ShingleSize, a.Logger)
	a.DedupEngine = dedup.NewService(&cfg.Dedup, a.Fingerprinter, a.store.FingerprintStorage(), a.Metrics, a.Logger)
	indexed, err := a.DedupEngine.Rebuild(a.ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild dedup index: %w", err)
	}
	if indexed > 0 {
		a.Logger.Info().Int("fingerprints", indexed).Msg("Dedup index rebuilt")
	}

	a.Frontier = frontier.NewService(&cfg.Frontier, client, a.BloomFilter, a.RateGovernor, a.Metrics, a.Logger)
	common.SafeGo(a.Logger, "frontier-recovery", func() {
		a.Frontier.RunRecovery(a.ctx)
	})

	queueCfg := queue.ConfigFrom(&cfg.Queue)
	queueMgr, err := queue.NewManager(a.store.DB().Badger(), queueCfg, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	a.QueueManager = queueMgr

	jobs := a.store.JobStorage()
	results := a.store.ResultStorage()

	a.CrawlerService = crawler.NewService(&cfg.Crawler, jobs, a.Frontier, a.RobotsService,
		a.RateGovernor, a.DistCache, queueMgr, a.EventService, queueCfg.Concurrency, a.Logger)
	a.CrawlWorker = crawler.NewWorker(&cfg.Crawler, jobs, results, a.Frontier, a.RobotsService,
		a.RateGovernor, a.Fetcher, rend, a.DedupEngine, a.DistCache, queueMgr, queueCfg,
		a.EventService, a.Logger)
	a.Sweeper = crawler.NewSweeper(results, a.DedupEngine, queueMgr, cfg.Crawler.ResultRetention, a.Logger)

	a.WorkerPool = queue.NewWorkerPool(queueMgr, queueCfg, a.Logger)
	a.WorkerPool.RegisterHandler(queue.TypeCrawl, a.CrawlWorker.HandleCrawlMessage)
	a.WorkerPool.RegisterHandler(queue.TypeRetentionSweep, a.Sweeper.HandleSweepMessage)
	if err := a.WorkerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if err := a.Sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start retention sweeper: %w", err)
	}

	// Jobs that were running when the previous process stopped get their
	// worker slots and monitors back before any new work is accepted.
	if err := a.CrawlerService.Resume(a.ctx); err != nil {
		return fmt.Errorf("failed to resume running jobs: %w", err)
	}

	a.Logger.Info().Int("workers", queueCfg.Concurrency).Msg("Crawl pipeline started")
	return nil
}

// initCacheFabric builds the layered cache: the shared distributed tier
// from the crawl pipeline plus two in-process tiers, coordinated by the
// manager, with invalidation and cross-node sync on top.
func (a *App) initCacheFabric() error {
	cfg := a.Config

	a.AppCache = appcache.NewService(models.LayerApplication, &cfg.AppCache, a.Metrics, a.Logger)
	localCfg := localCacheConfig(&cfg.AppCache)
	a.LocalCache = appcache.NewService(models.LayerLocal, &localCfg, a.Metrics, a.Logger)
	common.SafeGo(a.Logger, "appcache-janitor", func() { a.AppCache.Janitor(a.ctx) })
	common.SafeGo(a.Logger, "localcache-janitor", func() { a.LocalCache.Janitor(a.ctx) })

	layers := []interfaces.CacheLayer{a.DistCache, a.AppCache, a.LocalCache}
	a.CacheManager = cachemanager.NewService(layers, a.Metrics, a.Logger)

	inv, err := invalidator.NewService(&cfg.Invalidator, a.CacheManager, layers, a.Metrics, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize invalidator: %w", err)
	}
	a.Invalidator = inv
	if err := a.Invalidator.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start invalidator: %w", err)
	}

	if cfg.Edge.Enabled {
		edgeSvc, err := edge.NewService(&cfg.Edge, a.Metrics, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize edge cache: %w", err)
		}
		a.EdgeService = edgeSvc
		a.Logger.Info().Str("provider", cfg.Edge.Provider).Msg("Edge cache enabled")
	}

	sync, err := syncer.NewService(&cfg.CacheSync, a.Redis.Client(), a.Metrics, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cache syncer: %w", err)
	}
	a.Syncer = sync
	if err := a.Syncer.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start cache syncer: %w", err)
	}

	// Remote deletes only touch the in-process tiers: the originating
	// node already removed the key from the shared distributed tier.
	a.Syncer.OnMessage(func(msg *models.SyncMessage) {
		switch msg.Op {
		case models.SyncOpDelete, models.SyncOpInvalidate:
			opCtx, opCancel := context.WithTimeout(a.ctx, 5*time.Second)
			defer opCancel()
			if err := a.AppCache.Delete(opCtx, msg.Key); err != nil {
				a.Logger.Warn().Err(err).Str("key", msg.Key).Msg("Synced delete failed on application tier")
			}
			if err := a.LocalCache.Delete(opCtx, msg.Key); err != nil {
				a.Logger.Warn().Err(err).Str("key", msg.Key).Msg("Synced delete failed on local tier")
			}
		}
	})

	// Local deletes fan out to peers, and to the edge provider when the
	// key names a cacheable path.
	a.CacheManager.OnDelete(func(key string) {
		opCtx, opCancel := context.WithTimeout(a.ctx, 5*time.Second)
		defer opCancel()
		if err := a.Syncer.Publish(opCtx, &models.SyncMessage{Op: models.SyncOpDelete, Key: key}); err != nil {
			if errors.Is(err, syncer.ErrNotMaster) {
				a.Logger.Debug().Str("key", key).Msg("Not sync master; delete stays local")
			} else {
				a.Logger.Warn().Err(err).Str("key", key).Msg("Failed to publish cache delete")
			}
		}
		if a.EdgeService != nil && strings.HasPrefix(key, "/") {
			if err := a.EdgeService.Invalidate(opCtx, []string{key}); err != nil {
				a.Logger.Warn().Err(err).Str("path", key).Msg("Edge invalidation failed")
			}
		}
	})

	a.Logger.Info().Int("layers", len(layers)).Str("sync", string(a.Syncer.Strategy())).Msg("Cache fabric started")
	return nil
}

// initSessionCore builds token signing, the revocation blacklist, MFA
// verification, and the session service over them.
func (a *App) initSessionCore() error {
	cfg := a.Config

	tokens, err := auth.NewTokenService(&cfg.Auth, a.Metrics, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize token service: %w", err)
	}
	a.TokenService = tokens

	a.Blacklist = auth.NewRedisBlacklist(a.Redis.Client(), cfg.Auth.BlacklistNamespace, a.Logger)
	a.MfaVerifier = auth.NewTotpVerifier(cfg.Auth.Issuer, a.store.MfaStorage(), a.store.UserStorage(), a.Logger)

	svc, err := auth.NewService(&cfg.Auth, tokens, a.store.SessionStorage(), a.store.UserStorage(),
		a.Blacklist, a.RateGovernor, a.MfaVerifier, a.Metrics, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize auth service: %w", err)
	}
	a.AuthService = svc

	a.Logger.Info().Msg("Session core started")
	return nil
}

// initHandlers builds the operational surface served by internal/server.
func (a *App) initHandlers() {
	a.StatusHandler = handlers.NewStatusHandler(a.Redis.Client(), a.QueueManager, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.QueueManager, a.CacheManager,
		&a.Config.Events, a.Logger)
	a.WSHandler.StartStatusBroadcaster()
}

// localCacheConfig derives the small hot-set tier budget from the
// application tier section. One config section covers both in-process
// tiers; the local one runs at an eighth of the budget with floors so
// tiny configs still get a working tier.
func localCacheConfig(appCfg *common.AppCacheConfig) common.AppCacheConfig {
	local := *appCfg
	local.MaxSizeBytes = appCfg.MaxSizeBytes / 8
	if local.MaxSizeBytes < 1<<20 {
		local.MaxSizeBytes = 1 << 20
	}
	local.MaxEntries = appCfg.MaxEntries / 8
	if local.MaxEntries < 256 {
		local.MaxEntries = 256
	}
	return local
}

// Ctx returns the application's background context. Server-side loops
// that should stop with the app hang off this.
func (a *App) Ctx() context.Context {
	return a.ctx
}

// Close tears the graph down in reverse build order. Errors are logged
// and the teardown continues; the first error is returned.
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application")

	// Stop background loops first so nothing races the closes below.
	if a.cancel != nil {
		a.cancel()
		time.Sleep(100 * time.Millisecond)
	}

	var firstErr error
	fail := func(err error, msg string) {
		if err == nil {
			return
		}
		a.Logger.Warn().Err(err).Msg(msg)
		if firstErr == nil {
			firstErr = err
		}
	}

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.WorkerPool != nil {
		fail(a.WorkerPool.Stop(), "Failed to stop worker pool")
	}
	if a.CrawlerService != nil {
		fail(a.CrawlerService.Close(), "Failed to close crawler service")
	}
	if a.Invalidator != nil {
		fail(a.Invalidator.Stop(), "Failed to stop invalidator")
	}
	if a.Syncer != nil {
		fail(a.Syncer.Stop(), "Failed to stop cache syncer")
	}
	if a.CacheManager != nil {
		a.CacheManager.Stop()
	}
	if a.Renderer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		fail(a.Renderer.Shutdown(shutdownCtx), "Failed to shut down renderer")
		shutdownCancel()
	}
	if a.BloomFilter != nil {
		persistCtx, persistCancel := context.WithTimeout(context.Background(), 5*time.Second)
		fail(a.BloomFilter.Persist(persistCtx), "Failed to persist bloom snapshot")
		persistCancel()
	}
	if a.QueueManager != nil {
		fail(a.QueueManager.Close(), "Failed to close queue")
	}
	if a.EventService != nil {
		fail(a.EventService.Close(), "Failed to close event service")
	}
	if a.Redis != nil {
		fail(a.Redis.Close(), "Failed to close redis connection")
	}
	if a.StorageManager != nil {
		fail(a.StorageManager.Close(), "Failed to close storage")
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return firstErr
}

// closePartial releases whatever New managed to build before failing.
func (a *App) closePartial() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close redis connection")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
		}
	}
}
