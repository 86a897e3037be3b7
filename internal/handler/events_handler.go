package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/hub"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/transport"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/response"
)

// EventsConfig tunes the long-lived event connections.
type EventsConfig struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

// EventsHandler accepts SSE and websocket subscriptions and registers them
// with the hub for their whole lifetime.
type EventsHandler struct {
	hub      *hub.Hub
	serverID string
	config   EventsConfig
	upgrader websocket.Upgrader
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(h *hub.Hub, serverID string, cfg EventsConfig) *EventsHandler {
	return &EventsHandler{
		hub:      h,
		serverID: serverID,
		config:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// StreamSSE serves GET /api/v1/events.
func (h *EventsHandler) StreamSSE(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	sub, connID, ok := h.prepare(c)
	if !ok {
		return
	}

	tr, err := transport.NewSSE(c.Writer, h.config.SendBuffer, h.config.WriteWait)
	if err != nil {
		l.Error().Err(err).Msg("failed to open event stream")
		response.InternalError(c, "streaming not supported")
		return
	}

	// No byte has been written yet: a rejected registration is still an
	// HTTP error, which clients count as a failed attempt.
	if err := h.register(ctx, connID, sub, tr); err != nil {
		tr.Close()
		if errors.Is(err, hub.ErrHubClosed) {
			response.ServiceUnavailable(c, "server is shutting down")
			return
		}
		response.InternalError(c, "failed to open event stream")
		return
	}
	defer h.hub.Unregister(connID)

	h.pump(ctx, connID, sub, tr.Run)
}

// StreamWebSocket serves GET /api/v1/events/ws.
func (h *EventsHandler) StreamWebSocket(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	sub, connID, ok := h.prepare(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	tr := transport.NewWebSocket(conn, transport.WebSocketConfig{
		BufferSize:     h.config.SendBuffer,
		WriteWait:      h.config.WriteWait,
		PongWait:       h.config.PongWait,
		MaxMessageSize: h.config.MaxMessageSize,
	})

	if err := h.register(ctx, connID, sub, tr); err != nil {
		// The socket is already upgraded; Run on a closed transport sends
		// the close frame and releases it.
		tr.Close()
		_ = tr.Run(ctx)
		return
	}
	defer h.hub.Unregister(connID)

	h.pump(ctx, connID, sub, tr.Run)
}

func (h *EventsHandler) prepare(c *gin.Context) (domain.Subscription, string, bool) {
	sub := domain.SubscriptionFromQuery(c.Request.URL.Query())
	if err := sub.Validate(); err != nil {
		response.BadRequest(c, err.Error())
		return sub, "", false
	}

	connID, err := idgen.ConnectionID()
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to generate connection id")
		response.InternalError(c, "failed to open event stream")
		return sub, "", false
	}
	c.Set(log.FieldConnectionID, connID)
	return sub, connID, true
}

// register adds the transport to the hub and queues the
// connection.established acknowledgement. On error the connection is not
// registered.
func (h *EventsHandler) register(ctx context.Context, connID string, sub domain.Subscription, tr hub.Transport) error {
	l := log.Ctx(ctx).With().
		Str(log.FieldConnectionID, connID).
		Str(log.FieldSubscription, string(sub.Kind)).
		Logger()

	if err := h.hub.Register(connID, sub, tr); err != nil {
		l.Warn().Err(err).Msg("failed to register connection")
		return err
	}

	ack := domain.NewEvent(domain.EventConnectionEstablished, sub.StreamID, "", map[string]any{
		domain.DataConnectionID: connID,
		domain.DataServerID:     h.serverID,
		domain.DataKind:         string(sub.Kind),
		domain.DataStreamID:     sub.StreamID,
		domain.DataCategory:     sub.Category,
	})
	if err := h.hub.SendTo(connID, ack); err != nil {
		l.Warn().Err(err).Msg("failed to acknowledge connection")
		h.hub.Unregister(connID)
		return err
	}
	return nil
}

// pump writes frames until the client goes away or the hub drops the
// connection.
func (h *EventsHandler) pump(ctx context.Context, connID string, sub domain.Subscription, run func(context.Context) error) {
	l := log.Ctx(ctx).With().
		Str(log.FieldConnectionID, connID).
		Str(log.FieldSubscription, string(sub.Kind)).
		Logger()

	l.Info().Msg("event stream opened")
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l.Debug().Err(err).Msg("event stream write failed")
	}
	l.Info().Msg("event stream closed")
}
