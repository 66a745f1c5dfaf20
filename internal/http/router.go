package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-storefront/internal/config"
	"github.com/smallbiznis/valora-storefront/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-storefront/internal/http/middleware"
	"github.com/smallbiznis/valora-storefront/internal/middleware"
)

// RateLimiters groups the per-surface limiters. Nil entries disable throttling.
type RateLimiters struct {
	Webhooks *middleware.RateLimiter
	OAuth    *middleware.RateLimiter
}

// Pinger reports dependency health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	webhookHandler *handler.WebhookHandler,
	oauthHandler *handler.OAuthHandler,
	authMiddleware *httpmiddleware.Auth,
	limiters RateLimiters,
	db Pinger,
	logger *zap.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		if db == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/:source", limiters.Webhooks.Handler(), webhookHandler.Receive)

		admin := webhooks.Group("", authMiddleware.RequireAdmin)
		admin.POST("/retry/:id", webhookHandler.Retry)
		admin.POST("/redrive", webhookHandler.Redrive)
		admin.GET("/stats", webhookHandler.Stats)
	}

	oauth := r.Group("/oauth", limiters.OAuth.Handler())
	{
		oauth.GET("/callback", oauthHandler.Callback)

		account := oauth.Group("", authMiddleware.RequireAdmin)
		account.GET("/connect", oauthHandler.Connect)
		account.GET("/status", oauthHandler.Status)
		account.POST("/refresh", oauthHandler.Refresh)
		account.POST("/reauthorize", oauthHandler.Reauthorize)
		account.POST("/disconnect", oauthHandler.Disconnect)
	}

	return r
}
