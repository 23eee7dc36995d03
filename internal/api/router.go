// Package api provides the HTTP surface of the AirFi captive portal.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// callbackPath is the provider callback route. It is server-to-server and
// never gets CORS handling.
const callbackPath = "/billing/callback"

// Router wraps the Gin engine with AirFi handlers.
type Router struct {
	engine  *gin.Engine
	handler *Handler
}

// NewRouter creates a new API router.
func NewRouter(handler *Handler) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	// Clients talk to the portal directly; never trust forwarding headers.
	_ = engine.SetTrustedProxies(nil)

	// Middleware
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(handler.LoggingMiddleware())

	r := &Router{
		engine:  engine,
		handler: handler,
	}

	r.setupRoutes()

	return r
}

// setupRoutes configures all API routes.
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.handler.HealthCheck)
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Payment provider callback; the provider is configured with the trailing slash.
	r.engine.Any(callbackPath+"/", r.handler.PaymentCallback)
	r.engine.Any(callbackPath, r.handler.PaymentCallback)

	// Captive portal
	r.engine.POST("/pay", r.handler.Pay)
	r.engine.GET("/check_status/:phone", r.handler.CheckStatus)

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/plans", r.handler.GetPlans)

		admin := v1.Group("/admin")
		admin.Use(r.handler.AdminMiddleware())
		{
			admin.GET("/sessions", r.handler.ListSessions)
			admin.GET("/sessions/:sessionId", r.handler.GetSession)
			admin.POST("/sessions/:sessionId/grant", r.handler.GrantSession)
			admin.POST("/sessions/:sessionId/revoke", r.handler.RevokeSession)
			admin.GET("/callbacks", r.handler.ListCallbacks)
		}
	}
}

// Engine returns the underlying Gin engine.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

// corsMiddleware adds CORS headers and answers preflight requests for the
// portal and admin API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, callbackPath) {
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
