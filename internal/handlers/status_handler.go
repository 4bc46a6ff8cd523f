package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/queue"
	"github.com/ternarybob/arbor"
)

// probeTimeout bounds each dependency check so a wedged backend cannot hang
// the health endpoint.
const probeTimeout = 2 * time.Second

// StatusHandler serves the operational surface: liveness with dependency
// probes, and build identification.
type StatusHandler struct {
	redis   *redis.Client
	queue   *queue.Manager
	started time.Time
	logger  arbor.ILogger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(redisClient *redis.Client, queueMgr *queue.Manager, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		redis:   redisClient,
		queue:   queueMgr,
		started: time.Now(),
		logger:  logger,
	}
}

// HealthzHandler reports overall health plus per-dependency detail. Any
// failing dependency degrades the response to 503 so load balancers rotate
// the node out.
func (h *StatusHandler) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	status := "ok"
	components := map[string]interface{}{}

	if err := h.redis.Ping(ctx).Err(); err != nil {
		status = "degraded"
		components["redis"] = err.Error()
		h.logger.Warn().Err(err).Msg("Health probe: redis unreachable")
	} else {
		components["redis"] = "ok"
	}

	ready, inflight, err := h.queue.Pending(ctx)
	if err != nil {
		status = "degraded"
		components["queue"] = err.Error()
		h.logger.Warn().Err(err).Msg("Health probe: queue scan failed")
	} else {
		components["queue"] = map[string]int{"ready": ready, "inflight": inflight}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}

	WriteJSON(w, code, map[string]interface{}{
		"status":         status,
		"components":     components,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

// VersionHandler returns build identification
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.Version,
		"build":      common.Build,
		"git_commit": common.GitCommit,
	})
}

// NotFoundHandler handles unmatched paths with a JSON body
func (h *StatusHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error": "Not Found",
		"path":  r.URL.Path,
	})
}
