package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/aranea/internal/queue"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	statusInterval = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Dashboards connect cross-origin; the stream is read-only.
	},
}

// eventFrame is the wire shape of every message on the stream.
type eventFrame struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// chatty events are only streamed when the configured minimum level is
// debug; everything else is info.
var debugEvents = map[interfaces.EventType]bool{
	interfaces.EventURLCrawled: true,
}

// WebSocketHandler bridges the in-process event bus onto /ws/events. Each
// connection gets its own write lock; per-type rate limiters keep
// high-frequency progress events from flooding slow clients.
type WebSocketHandler struct {
	logger arbor.ILogger
	events interfaces.EventService
	queue  *queue.Manager
	cache  interfaces.CacheManager

	mu        sync.RWMutex
	clients   map[*websocket.Conn]*sync.Mutex
	throttles map[interfaces.EventType]*rate.Limiter
	debug     bool

	// Clients compare this across reconnects to detect a server restart.
	serverInstanceID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocketHandler wires the handler to the event bus. The queue manager
// and cache manager feed the periodic status frame and may be nil in tests.
func NewWebSocketHandler(events interfaces.EventService, queueMgr *queue.Manager, cache interfaces.CacheManager, config *common.EventsConfig, logger arbor.ILogger) *WebSocketHandler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &WebSocketHandler{
		logger:           logger,
		events:           events,
		queue:            queueMgr,
		cache:            cache,
		clients:          make(map[*websocket.Conn]*sync.Mutex),
		throttles:        make(map[interfaces.EventType]*rate.Limiter),
		serverInstanceID: uuid.New().String(),
		ctx:              ctx,
		cancel:           cancel,
	}

	if config != nil {
		h.debug = config.MinLevel == "debug"
		for eventType, intervalStr := range config.ThrottleIntervals {
			interval, err := time.ParseDuration(intervalStr)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Unparsable throttle interval; event is unthrottled")
				continue
			}
			h.throttles[interfaces.EventType(eventType)] = rate.NewLimiter(rate.Every(interval), 1)
		}
	}

	for _, eventType := range []interfaces.EventType{
		interfaces.EventJobCreated,
		interfaces.EventJobStarted,
		interfaces.EventJobCompleted,
		interfaces.EventJobFailed,
		interfaces.EventJobCancelled,
		interfaces.EventCrawlProgress,
		interfaces.EventURLCrawled,
		interfaces.EventCacheSync,
	} {
		if err := events.Subscribe(eventType, h.onEvent); err != nil {
			logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Event subscription failed")
		}
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket event bridge initialized")
	return h
}

// HandleWebSocket upgrades the connection and streams events until the
// client goes away.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	writeMu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = writeMu
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Str("remote", r.RemoteAddr).Int("clients", count).Msg("WebSocket client connected")

	h.writeFrame(conn, writeMu, eventFrame{
		Type: "hello",
		Payload: map[string]string{
			"server_instance_id": h.serverInstanceID,
			"version":            common.Version,
		},
		Timestamp: time.Now().UTC(),
	})

	h.wg.Add(2)
	go h.pingLoop(conn, writeMu)
	go h.readLoop(conn)
}

// readLoop drains client frames (the stream is one-way) and tears the
// connection down when the peer disappears.
func (h *WebSocketHandler) readLoop(conn *websocket.Conn) {
	defer h.wg.Done()
	defer h.dropClient(conn)

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) pingLoop(conn *websocket.Conn, writeMu *sync.Mutex) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				h.dropClient(conn)
				return
			}
		}
	}
}

// onEvent forwards a bus event to every client, subject to the level gate
// and the per-type throttle.
func (h *WebSocketHandler) onEvent(_ context.Context, event interfaces.Event) error {
	if debugEvents[event.Type] && !h.debug {
		return nil
	}
	if limiter, ok := h.throttles[event.Type]; ok && !limiter.Allow() {
		return nil
	}

	h.broadcast(eventFrame{
		Type:      string(event.Type),
		Payload:   event.Payload,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// StartStatusBroadcaster pushes queue depth and cache counters on a fixed
// cadence so dashboards stay current between events.
func (h *WebSocketHandler) StartStatusBroadcaster() {
	h.wg.Add(1)
	common.SafeGo(h.logger, "ws-status-broadcaster", func() {
		defer h.wg.Done()
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()

		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.broadcastStatus(h.ctx)
			}
		}
	})
}

func (h *WebSocketHandler) broadcastStatus(ctx context.Context) {
	if !h.hasClients() {
		return
	}

	payload := map[string]interface{}{}
	if h.queue != nil {
		if ready, inflight, err := h.queue.Pending(ctx); err == nil {
			payload["queue"] = map[string]int{"ready": ready, "inflight": inflight}
		}
	}
	if h.cache != nil {
		stats := map[string]models.CacheStats{}
		for layer, s := range h.cache.LayerStats() {
			stats[string(layer)] = s
		}
		payload["cache"] = stats
	}
	if len(payload) == 0 {
		return
	}

	h.broadcast(eventFrame{Type: "status", Payload: payload, Timestamp: time.Now().UTC()})
}

func (h *WebSocketHandler) hasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// broadcast writes the frame to every connected client, dropping clients
// whose writes fail.
func (h *WebSocketHandler) broadcast(frame eventFrame) {
	h.mu.RLock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for conn, mu := range h.clients {
		conns[conn] = mu
	}
	h.mu.RUnlock()

	for conn, mu := range conns {
		h.writeFrame(conn, mu, frame)
	}
}

func (h *WebSocketHandler) writeFrame(conn *websocket.Conn, writeMu *sync.Mutex, frame eventFrame) {
	writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(frame)
	writeMu.Unlock()
	if err != nil {
		h.logger.Debug().Err(err).Msg("WebSocket write failed; dropping client")
		h.dropClient(conn)
	}
}

func (h *WebSocketHandler) dropClient(conn *websocket.Conn) {
	h.mu.Lock()
	_, present := h.clients[conn]
	delete(h.clients, conn)
	count := len(h.clients)
	h.mu.Unlock()

	if present {
		conn.Close()
		h.logger.Debug().Int("clients", count).Msg("WebSocket client disconnected")
	}
}

// Close stops background loops and disconnects every client.
func (h *WebSocketHandler) Close() {
	h.cancel()

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()

	h.wg.Wait()
}
