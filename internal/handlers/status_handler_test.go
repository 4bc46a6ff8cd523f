package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	badgerdb "github.com/dgraph-io/badger/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/aranea/internal/queue"
	"github.com/ternarybob/arbor"
)

type statusEnv struct {
	handler *StatusHandler
	redis   *miniredis.Miniredis
	queue   *queue.Manager
}

func newStatusEnv(t *testing.T) *statusEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	opts := badgerdb.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := queue.NewDefaultConfig()
	cfg.QueueName = "status_test"
	mgr, err := queue.NewManager(db, cfg, arbor.NewLogger())
	require.NoError(t, err)

	return &statusEnv{
		handler: NewStatusHandler(client, mgr, arbor.NewLogger()),
		redis:   mr,
		queue:   mgr,
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthzReportsDependencies(t *testing.T) {
	env := newStatusEnv(t)

	require.NoError(t, env.queue.Enqueue(context.Background(),
		&queue.JobMessage{Type: queue.TypeCrawl, JobID: "job-1"}, ""))

	rec := httptest.NewRecorder()
	env.handler.HealthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])

	components := body["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["redis"])
	queueStats := components["queue"].(map[string]interface{})
	assert.Equal(t, float64(1), queueStats["ready"])
	assert.Equal(t, float64(0), queueStats["inflight"])
	assert.Contains(t, body, "uptime_seconds")
}

func TestHealthzDegradedWhenRedisDown(t *testing.T) {
	env := newStatusEnv(t)
	env.redis.Close()

	rec := httptest.NewRecorder()
	env.handler.HealthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])

	components := body["components"].(map[string]interface{})
	assert.NotEqual(t, "ok", components["redis"])
	// The queue probe is independent of redis and still reports.
	assert.Contains(t, components, "queue")
}

func TestHealthzRejectsNonGet(t *testing.T) {
	env := newStatusEnv(t)

	rec := httptest.NewRecorder()
	env.handler.HealthzHandler(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestVersionReportsBuildInfo(t *testing.T) {
	env := newStatusEnv(t)

	rec := httptest.NewRecorder()
	env.handler.VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["version"])
	assert.Contains(t, body, "build")
	assert.Contains(t, body, "git_commit")
}

func TestNotFoundEchoesPath(t *testing.T) {
	env := newStatusEnv(t)

	rec := httptest.NewRecorder()
	env.handler.NotFoundHandler(rec, httptest.NewRequest(http.MethodGet, "/no/such/route", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "/no/such/route", body["path"])
}
