package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// NewRouter builds the gin engine with recovery, request logging and every
// route registered.
func NewRouter(logger zerolog.Logger, h *Handler, events *EventsHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	h.RegisterRoutes(r, events)
	return r
}
