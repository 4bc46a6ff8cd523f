package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/queue"
	"github.com/ternarybob/aranea/internal/services/events"
	"github.com/ternarybob/arbor"
)

// wireFrame mirrors the stream's JSON shape for decoding in tests.
type wireFrame struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

type wsEnv struct {
	bus     interfaces.EventService
	handler *WebSocketHandler
}

func newWSEnv(t *testing.T, config *common.EventsConfig) *wsEnv {
	t.Helper()
	bus := events.NewService(arbor.NewLogger())
	h := NewWebSocketHandler(bus, nil, nil, config, arbor.NewLogger())
	t.Cleanup(h.Close)
	return &wsEnv{bus: bus, handler: h}
}

// dial connects a websocket client to the handler and consumes the hello
// frame so tests start from a quiet stream.
func (e *wsEnv) dial(t *testing.T) (*websocket.Conn, wireFrame) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(e.handler.HandleWebSocket))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello wireFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&hello))
	return conn, hello
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	var frame wireFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebSocketHelloIdentifiesServer(t *testing.T) {
	env := newWSEnv(t, &common.EventsConfig{MinLevel: "info"})
	_, hello := env.dial(t)

	assert.Equal(t, "hello", hello.Type)
	assert.NotEmpty(t, hello.Payload["server_instance_id"])
	assert.NotEmpty(t, hello.Payload["version"])
}

func TestWebSocketStreamsJobEvents(t *testing.T) {
	env := newWSEnv(t, &common.EventsConfig{MinLevel: "info"})
	conn, _ := env.dial(t)

	err := env.bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobCompleted,
		Payload: map[string]string{"job_id": "job-1"},
	})
	require.NoError(t, err)

	frame := readFrame(t, conn)
	assert.Equal(t, "job_completed", frame.Type)
	assert.Equal(t, "job-1", frame.Payload["job_id"])
	assert.False(t, frame.Timestamp.IsZero())
}

func TestWebSocketThrottleCollapsesProgress(t *testing.T) {
	env := newWSEnv(t, &common.EventsConfig{
		MinLevel:          "info",
		ThrottleIntervals: map[string]string{"crawl_progress": "1h"},
	})
	conn, _ := env.dial(t)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, env.bus.PublishSync(ctx, interfaces.Event{
			Type:    interfaces.EventCrawlProgress,
			Payload: map[string]int{"seq": i},
		}))
	}
	require.NoError(t, env.bus.PublishSync(ctx, interfaces.Event{
		Type: interfaces.EventJobCompleted,
	}))

	first := readFrame(t, conn)
	assert.Equal(t, "crawl_progress", first.Type)

	// The second progress event fell to the throttle, so the completion
	// frame arrives next.
	second := readFrame(t, conn)
	assert.Equal(t, "job_completed", second.Type)
}

func TestWebSocketGatesChattyEventsBehindDebug(t *testing.T) {
	env := newWSEnv(t, &common.EventsConfig{MinLevel: "info"})
	conn, _ := env.dial(t)

	ctx := context.Background()
	require.NoError(t, env.bus.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventURLCrawled,
		Payload: map[string]string{"url": "https://example.com/"},
	}))
	require.NoError(t, env.bus.PublishSync(ctx, interfaces.Event{
		Type: interfaces.EventJobStarted,
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "job_started", frame.Type)
}

func TestWebSocketStreamsURLEventsAtDebug(t *testing.T) {
	env := newWSEnv(t, &common.EventsConfig{MinLevel: "debug"})
	conn, _ := env.dial(t)

	require.NoError(t, env.bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventURLCrawled,
		Payload: map[string]string{"url": "https://example.com/"},
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "url_crawled", frame.Type)
}

func TestStatusFrameCarriesQueueDepth(t *testing.T) {
	opts := badgerdb.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := queue.NewDefaultConfig()
	cfg.QueueName = "ws_status_test"
	mgr, err := queue.NewManager(db, cfg, arbor.NewLogger())
	require.NoError(t, err)

	bus := events.NewService(arbor.NewLogger())
	h := NewWebSocketHandler(bus, mgr, nil, &common.EventsConfig{MinLevel: "info"}, arbor.NewLogger())
	t.Cleanup(h.Close)
	env := &wsEnv{bus: bus, handler: h}
	conn, _ := env.dial(t)

	ctx := context.Background()
	require.NoError(t, mgr.Enqueue(ctx, &queue.JobMessage{Type: queue.TypeCrawl, JobID: "job-1"}, ""))

	h.broadcastStatus(ctx)

	frame := readFrame(t, conn)
	require.Equal(t, "status", frame.Type)
	queueStats := frame.Payload["queue"].(map[string]interface{})
	assert.Equal(t, float64(1), queueStats["ready"])
}
