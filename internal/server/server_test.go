package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/aranea/internal/app"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/handlers"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/queue"
	"github.com/ternarybob/aranea/internal/services/events"
	"github.com/ternarybob/arbor"
)

// newTestServer assembles a server over just the pieces the status surface
// needs: a live miniredis, a badger-backed queue, and the event bridge.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := arbor.NewLogger()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	opts := badgerdb.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	qCfg := queue.NewDefaultConfig()
	qCfg.QueueName = "server_test"
	queueMgr, err := queue.NewManager(db, qCfg, logger)
	require.NoError(t, err)

	bus := events.NewService(logger)
	wsHandler := handlers.NewWebSocketHandler(bus, queueMgr, nil, &common.EventsConfig{MinLevel: "info"}, logger)
	t.Cleanup(wsHandler.Close)

	application := &app.App{
		Config: &common.Config{
			Server: common.ServerConfig{Host: "127.0.0.1", Port: 0},
		},
		Logger:        logger,
		Metrics:       metrics.New(),
		StatusHandler: handlers.NewStatusHandler(client, queueMgr, logger),
		WSHandler:     wsHandler,
	}

	return New(application)
}

func serveRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServerHealthzRoute(t *testing.T) {
	s := newTestServer(t)

	rec := serveRequest(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServerVersionRoute(t *testing.T) {
	s := newTestServer(t)

	rec := serveRequest(s, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["version"])
}

func TestServerMetricsRoute(t *testing.T) {
	s := newTestServer(t)

	rec := serveRequest(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aranea_bloom_fill_ratio")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServerUnknownRouteReturnsJSON404(t *testing.T) {
	s := newTestServer(t)

	rec := serveRequest(s, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "/jobs", body["path"])
}

func TestServerPreflightHandled(t *testing.T) {
	s := newTestServer(t)

	rec := serveRequest(s, httptest.NewRequest(http.MethodOptions, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestServerWebSocketUpgradeBypassesLogging(t *testing.T) {
	s := newTestServer(t)

	srv := httptest.NewServer(s.server.Handler)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)
	assert.NotEmpty(t, hello.Payload["server_instance_id"])
}
