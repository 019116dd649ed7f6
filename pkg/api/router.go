// Package api exposes the chat, auth and contact services over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mahaj/studio-chat/pkg/auth"
	"github.com/mahaj/studio-chat/pkg/chat"
	"github.com/mahaj/studio-chat/pkg/config"
	"github.com/mahaj/studio-chat/pkg/contact"
	"github.com/mahaj/studio-chat/pkg/metrics"
	"github.com/mahaj/studio-chat/pkg/realtime"
)

// StoreHealth reports which message store is serving requests.
type StoreHealth interface {
	Name() string
	Degraded() bool
}

type Deps struct {
	Chat      *chat.Service
	Auth      *auth.Service
	Contact   *contact.Service
	Hub       *realtime.Hub
	Store     StoreHealth
	Metrics   *metrics.Metrics
	RateLimit config.RateLimitConfig
}

// NewRouter builds the gin engine. ctx bounds background work such as the
// rate limiter sweep.
func NewRouter(ctx context.Context, d Deps) *gin.Engine {
	router := gin.New()
	router.Use(Recovery())
	router.Use(RequestID())
	router.Use(Logger(d.Metrics))

	SetupRoutes(ctx, router, d)
	return router
}

func SetupRoutes(ctx context.Context, router *gin.Engine, d Deps) {
	pool := newLimiterPool(d.RateLimit)
	go pool.RunSweeper(ctx)
	limited := RateLimit(pool, d.Metrics)

	chatHandler := &chatHandler{chat: d.Chat, hub: d.Hub}
	authHandler := &authHandler{auth: d.Auth}
	contactHandler := &contactHandler{contact: d.Contact}

	requireAuth := RequireAuth(d.Auth)
	requireAdmin := RequireAdmin()

	router.GET("/health", func(c *gin.Context) {
		resp := gin.H{"ok": true}
		if d.Store != nil {
			resp["driver"] = d.Store.Name()
			resp["fallback"] = d.Store.Degraded()
		}
		c.JSON(http.StatusOK, resp)
	})
	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	chatGroup := router.Group("/chat")
	{
		chatGroup.POST("", limited, OptionalAuth(d.Auth), chatHandler.Send)
		chatGroup.GET("", chatHandler.List)
		chatGroup.DELETE("", requireAuth, requireAdmin, chatHandler.Purge)
		chatGroup.POST("/read", requireAuth, requireAdmin, chatHandler.MarkRead)
		chatGroup.GET("/ws", OptionalAuth(d.Auth), chatHandler.Subscribe)
		chatGroup.GET("/presence", requireAuth, requireAdmin, chatHandler.Presence)
	}

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", limited, authHandler.Register)
		authGroup.POST("/login", limited, authHandler.Login)
		authGroup.GET("/verify", requireAuth, authHandler.Verify)
		authGroup.POST("/verify", requireAuth, authHandler.Verify)
		authGroup.GET("/users", requireAuth, requireAdmin, authHandler.Users)
		authGroup.POST("/logout", authHandler.Logout)
	}

	contactGroup := router.Group("/contact")
	{
		contactGroup.POST("", limited, contactHandler.Submit)
		contactGroup.GET("", requireAuth, requireAdmin, contactHandler.List)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}
