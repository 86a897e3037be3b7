package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/hub"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/service"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/response"
)

// ClusterCounter reports the connection total across instances.
type ClusterCounter interface {
	ClusterConnections(ctx context.Context) (int64, error)
}

// Handler serves the REST part of the realtime API.
type Handler struct {
	svc            service.RealtimeService
	hub            *hub.Hub
	cluster        ClusterCounter
	serverID       string
	startedAt      time.Time // zero when serverID carries no timestamp
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates a new HTTP handler. cluster may be nil.
func NewHandler(svc service.RealtimeService, h *hub.Hub, cluster ClusterCounter, serverID string, authMiddleware *middleware.AuthMiddleware) *Handler {
	// Configured instance ids are free-form; only generated ones embed a
	// start time.
	startedAt, _ := idgen.ServerStartedAt(serverID)

	return &Handler{
		svc:            svc,
		hub:            h,
		cluster:        cluster,
		serverID:       serverID,
		startedAt:      startedAt,
		authMiddleware: authMiddleware,
	}
}

// PinRequest is the body of a pin request.
type PinRequest struct {
	MessageID string `json:"messageId" binding:"required"`
	Content   string `json:"content"`
}

// ViewerResponse reports a stream's audience after a join or leave.
type ViewerResponse struct {
	StreamID    string `json:"streamId"`
	ViewerCount int64  `json:"viewerCount"`
}

// StatsResponse is returned by GET /api/v1/realtime/stats.
type StatsResponse struct {
	ServerID    string         `json:"serverId"`
	Connections int            `json:"connections"`
	ByKind      map[string]int `json:"byKind"`
	Cluster     *int64         `json:"cluster,omitempty"`
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine, events *EventsHandler) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	{
		api.GET("/events", events.StreamSSE)
		api.GET("/events/ws", events.StreamWebSocket)
		api.GET("/realtime/stats", h.Stats)

		streams := api.Group("/streams")
		{
			// Public routes
			streams.GET("/live", h.LiveStreams)

			// Protected routes
			streams.POST("/:stream_id/viewers", h.authMiddleware.RequireAuth(), h.JoinStream)
			streams.DELETE("/:stream_id/viewers", h.authMiddleware.RequireAuth(), h.LeaveStream)
			streams.POST("/:stream_id/pins", h.authMiddleware.RequireAuth(), h.PinMessage)
			streams.DELETE("/:stream_id/pins/:message_id", h.authMiddleware.RequireAuth(), h.UnpinMessage)
		}
	}
}

// JoinStream adds the caller to a stream's audience.
func (h *Handler) JoinStream(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	streamID := c.Param("stream_id")
	count, err := h.svc.JoinStream(ctx, streamID, middleware.GetUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrInvalidArgument) {
			response.BadRequest(c, "stream id and user are required")
			return
		}
		l.Error().Err(err).Str(log.FieldStreamID, streamID).Msg("failed to join stream")
		response.InternalError(c, "failed to join stream")
		return
	}

	response.Accepted(c, ViewerResponse{StreamID: streamID, ViewerCount: count})
}

// LeaveStream removes the caller from a stream's audience.
func (h *Handler) LeaveStream(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	streamID := c.Param("stream_id")
	count, err := h.svc.LeaveStream(ctx, streamID, middleware.GetUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrInvalidArgument) {
			response.BadRequest(c, "stream id and user are required")
			return
		}
		l.Error().Err(err).Str(log.FieldStreamID, streamID).Msg("failed to leave stream")
		response.InternalError(c, "failed to leave stream")
		return
	}

	response.Accepted(c, ViewerResponse{StreamID: streamID, ViewerCount: count})
}

// PinMessage announces a pinned chat message.
func (h *Handler) PinMessage(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req PinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind pin request")
		response.BadRequest(c, err.Error())
		return
	}

	event, err := h.svc.PinMessage(ctx, c.Param("stream_id"), middleware.GetUserID(c), req.MessageID, req.Content)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Accepted(c, event)
}

// UnpinMessage announces an unpinned chat message.
func (h *Handler) UnpinMessage(c *gin.Context) {
	ctx := c.Request.Context()

	event, err := h.svc.UnpinMessage(ctx, c.Param("stream_id"), middleware.GetUserID(c), c.Param("message_id"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Accepted(c, event)
}

// LiveStreams lists the streams currently live.
func (h *Handler) LiveStreams(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	streams, err := h.svc.LiveStreams(ctx)
	if err != nil {
		l.Error().Err(err).Msg("failed to list live streams")
		response.InternalError(c, "failed to list live streams")
		return
	}
	response.Success(c, streams)
}

// Stats reports connection counts.
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	resp := StatsResponse{
		ServerID:    h.serverID,
		Connections: h.hub.Count(),
		ByKind:      make(map[string]int),
	}
	for kind, n := range h.hub.CountByKind() {
		resp.ByKind[string(kind)] = n
	}

	if h.cluster != nil {
		if total, err := h.cluster.ClusterConnections(ctx); err == nil {
			resp.Cluster = &total
		} else {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Msg("failed to read cluster connections")
		}
	}
	response.Success(c, resp)
}

// Health is the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{"status": "ok", "serverId": h.serverID}
	if !h.startedAt.IsZero() {
		body["startedAt"] = h.startedAt.UTC().Format(time.RFC3339)
		body["uptimeSeconds"] = int64(time.Since(h.startedAt).Seconds())
	}
	c.JSON(http.StatusOK, body)
}
