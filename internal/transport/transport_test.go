package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/hub"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
)

func frame(t *testing.T, e *domain.Event) hub.Frame {
	t.Helper()
	f, err := hub.NewFrame(e)
	require.NoError(t, err)
	return f
}

func TestQueue_SlowConsumerAndClosed(t *testing.T) {
	q := newQueue(1)
	require.NoError(t, q.Send(hub.HeartbeatFrame))
	assert.ErrorIs(t, q.Send(hub.HeartbeatFrame), hub.ErrSlowConsumer)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Send(hub.HeartbeatFrame), hub.ErrTransportClosed)
}

func TestSSE_WritesEventsAndComments(t *testing.T) {
	rec := httptest.NewRecorder()
	tr, err := NewSSE(rec, 8, 0)
	require.NoError(t, err)

	e := domain.NewEvent(domain.EventViewerJoined, "s1", "u1", map[string]any{domain.DataViewerCount: 4})
	require.NoError(t, tr.Send(frame(t, e)))
	require.NoError(t, tr.Send(hub.HeartbeatFrame))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "id: "+e.ID+"\n")
	assert.Contains(t, body, "event: viewer.joined\n")
	assert.Contains(t, body, "data: {")
	assert.True(t, strings.HasSuffix(body, SSEComment))

	assert.ErrorIs(t, tr.Send(hub.HeartbeatFrame), hub.ErrTransportClosed)
}

func TestSSE_CloseStopsRun(t *testing.T) {
	tr, err := NewSSE(httptest.NewRecorder(), 8, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background()) }()

	require.NoError(t, tr.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestSSE_NothingWrittenBeforeRun(t *testing.T) {
	rec := httptest.NewRecorder()
	tr, err := NewSSE(rec, 8, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Send(hub.HeartbeatFrame))

	assert.False(t, rec.Flushed)
	assert.Empty(t, rec.Header().Get("Content-Type"))
	assert.Zero(t, rec.Body.Len())

	// The caller is still free to answer with an error.
	tr.Close()
	http.Error(rec, "unavailable", http.StatusServiceUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type nonFlusher struct{ http.ResponseWriter }

func TestSSE_RequiresFlusher(t *testing.T) {
	_, err := NewSSE(nonFlusher{httptest.NewRecorder()}, 8, 0)
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestWebSocket_DeliversTextAndPing(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srvTransport := make(chan *WebSocket, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr := NewWebSocket(conn, WebSocketConfig{BufferSize: 8, WriteWait: time.Second})
		srvTransport <- tr
		_ = tr.Run(r.Context())
	}))
	defer srv.Close()

	pinged := make(chan struct{}, 1)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetPingHandler(func(string) error {
		pinged <- struct{}{}
		return nil
	})

	tr := <-srvTransport
	e := domain.NewEvent(domain.EventStreamStarted, "s1", "u1", nil)
	require.NoError(t, tr.Send(hub.HeartbeatFrame))
	require.NoError(t, tr.Send(frame(t, e)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)

	got, err := domain.ParseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	select {
	case <-pinged:
	case <-time.After(time.Second):
		t.Fatal("no ping received")
	}

	require.NoError(t, tr.Close())
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
