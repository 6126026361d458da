// Package httpserver 组装 gin 路由
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mailpilot/internal/handler"
	"mailpilot/pkg/otel"
)

// Pinger 就绪检查依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Actions    *handler.ActionHandler
	Objectives *handler.ObjectiveHandler
	Sync       *handler.SyncHandler
	Admin      *handler.AdminHandler
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, jwtSecret string, ready Pinger, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(logger), otel.GinMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := ready.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/")
	authed.Use(AuthMiddleware(jwtSecret))
	{
		authed.GET("/actions", h.Actions.List)
		authed.GET("/actions/:id", h.Actions.Get)
		authed.POST("/actions/:id/approve", h.Actions.Approve)
		authed.POST("/actions/:id/reject", h.Actions.Reject)
		authed.POST("/actions/:id/edit", h.Actions.Edit)
		authed.POST("/actions/:id/annotate", h.Actions.Annotate)
		authed.GET("/objectives", h.Objectives.List)
		authed.POST("/sync", h.Sync.Trigger)
	}

	admin := authed.Group("/admin")
	admin.Use(RequireAdmin())
	{
		admin.POST("/outbox/replay", h.Admin.ReplayOutbox)
	}

	return &Router{Engine: r}
}
