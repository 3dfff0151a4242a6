// Package httpapi mounts the relay's HTTP surface on a Gin engine: the
// WebSocket endpoint, the read-only history API, health, metrics and
// optional Swagger UI, behind the shared middleware stack.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/meowtalk-relay/internal/config"
	"github.com/tbourn/meowtalk-relay/internal/http/handlers"
	"github.com/tbourn/meowtalk-relay/internal/http/middleware"
	"github.com/tbourn/meowtalk-relay/internal/relay"
	"github.com/tbourn/meowtalk-relay/internal/services"
)

// Deps are the services the routes are bound to.
type Deps struct {
	Chats    *services.ChatService
	Messages *services.MessageService
	Relay    *relay.Server
}

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. Logger
//  4. Recovery
//  5. Metrics
//  6. Rate limiter (skips /ws, /health and /metrics)
//  7. CORS and security headers
//
// The API group is gzip-compressed; /ws is not, since the upgrade hijacks
// the connection.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.Metrics())

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP(),
		"/ws", "/health", "/metrics")
	r.Use(rl.Handler())

	r.Use(cors.New(corsConfig(cfg.CORS.AllowedOrigins)))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		NoStorePrefixes: []string{cfg.APIBasePath + "/"},
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	var conns func() int
	if deps.Relay != nil {
		conns = deps.Relay.Connections
		r.GET("/ws", func(c *gin.Context) { deps.Relay.ServeWS(c.Writer, c.Request) })
	}

	h := handlers.New(deps.Chats, deps.Messages, conns)
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		api.GET("/users/:id/chats", h.ListUserChats)
		api.GET("/chats/:id/messages", h.ListMessages)
	}
}

// corsConfig allows every origin when none are configured; credentials are
// never allowed.
func corsConfig(origins []string) cors.Config {
	cc := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Accept", "Content-Type", middleware.UserIDHeader},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cc
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
