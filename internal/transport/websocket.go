package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/hub"
)

// WebSocketConfig bounds socket I/O.
type WebSocketConfig struct {
	BufferSize     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

// WebSocket writes each event as a text message and the heartbeat as a ping
// control frame. The socket is read only to process control frames.
type WebSocket struct {
	queue
	conn *websocket.Conn
	cfg  WebSocketConfig
}

// NewWebSocket wraps an upgraded connection.
func NewWebSocket(conn *websocket.Conn, cfg WebSocketConfig) *WebSocket {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 512
	}
	return &WebSocket{
		queue: newQueue(cfg.BufferSize),
		conn:  conn,
		cfg:   cfg,
	}
}

// Run pumps frames to the socket until ctx is done, the transport is closed,
// the peer goes away or a write fails. The socket is closed on return.
func (t *WebSocket) Run(ctx context.Context) error {
	go t.readPump()

	defer func() {
		t.Close()
		t.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			t.writeClose(websocket.CloseGoingAway)
			return ctx.Err()
		case <-t.done:
			t.writeClose(websocket.CloseNormalClosure)
			return nil
		case f := <-t.send:
			if err := t.write(f); err != nil {
				return err
			}
		}
	}
}

func (t *WebSocket) write(f hub.Frame) error {
	deadline := time.Now().Add(t.cfg.WriteWait)
	if f.Kind == hub.FrameHeartbeat {
		return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
	}
	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, f.Payload)
}

func (t *WebSocket) writeClose(code int) {
	msg := websocket.FormatCloseMessage(code, "")
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.cfg.WriteWait))
}

// readPump discards client messages; it exists so pong and close frames are
// processed and a vanished peer closes the transport.
func (t *WebSocket) readPump() {
	defer t.Close()

	t.conn.SetReadLimit(t.cfg.MaxMessageSize)
	if t.cfg.PongWait > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		t.conn.SetPongHandler(func(string) error {
			t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
			return nil
		})
	}

	for {
		if _, _, err := t.conn.NextReader(); err != nil {
			return
		}
		if t.cfg.PongWait > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		}
	}
}
