// Package api implements the synchronous Query/Control HTTP surface
// (spec §4.H): context/mapper/alert/publish/admin endpoints, wired
// together with the chat, hub, and monitoring surfaces into one gin
// router.
//
// Grounded on pkg/server/server.go: the same Start-with-graceful-shutdown
// and SetupServiceRouter-style middleware chain (request id, logging,
// recovery, CORS, metrics), generalized to add this gateway's auth and
// rate-limit middleware and its own route groups in place of the
// teacher's service-specific ones.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"unsgateway/internal/alert"
	"unsgateway/internal/auth"
	"unsgateway/internal/broker"
	"unsgateway/internal/chat"
	"unsgateway/internal/hub"
	"unsgateway/internal/logging"
	"unsgateway/internal/mapper"
	"unsgateway/internal/middleware"
	"unsgateway/internal/monitoring"
	"unsgateway/internal/sibling"
	"unsgateway/internal/store"
)

// ServerConfig holds the HTTP server's network and timeout knobs.
type ServerConfig struct {
	Port         string
	BasePath     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns this gateway's server defaults.
func DefaultServerConfig(port, basePath string) ServerConfig {
	return ServerConfig{
		Port:         port,
		BasePath:     basePath,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Deps is every collaborator the HTTP surface dispatches into.
type Deps struct {
	Logger      logging.Logger
	Store       *store.Store
	Mapper      *mapper.Engine
	Alert       *alert.Engine
	Brokers     *broker.Pool
	Hub         *hub.Hub
	Chat        *chat.Handler
	Users       sibling.UserStore
	Health      *monitoring.HealthChecker
	Metrics     *monitoring.MetricsCollector
	JWTSecret    []byte
	RateLimitRPS int
}

// NewRouter builds the full gin.Engine for the gateway.
func NewRouter(deps Deps) *gin.Engine {
	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(deps.Logger))
	router.Use(middleware.RecoveryMiddleware(deps.Logger))
	router.Use(middleware.CORSMiddleware())
	router.Use(deps.Metrics.MetricsMiddleware())

	router.GET("/health", deps.Health.Handler())
	router.GET("/metrics", deps.Metrics.Handler())
	router.GET(joinPath(deps.BasePath, "/ws"), func(c *gin.Context) {
		deps.Hub.ServeWS(c.Writer, c.Request)
	})

	base := router.Group(deps.BasePath)
	base.Use(auth.RequireAuth(deps.JWTSecret))

	if deps.RateLimitRPS > 0 {
		base.Use(middleware.NewRateLimiter(deps.RateLimitRPS).RateLimitMiddleware())
	}

	h := &handlers{deps: deps}

	ctx := base.Group("/context")
	ctx.GET("/status", h.contextStatus)
	ctx.GET("/topics", h.contextTopics)
	ctx.GET("/topic/*topic", h.contextTopic)
	ctx.GET("/history/*topic", h.contextHistory)
	ctx.GET("/search", h.contextSearch)
	ctx.POST("/search/model", h.contextSearchModel)
	ctx.POST("/prune-topic", auth.RequireAdmin(), h.contextPruneTopic)

	mp := base.Group("/mapper")
	mp.GET("/config", h.mapperGetConfig)
	mp.POST("/config", h.mapperPostConfig)
	mp.GET("/metrics", h.mapperMetrics)

	al := base.Group("/alerts")
	al.GET("/rules", h.alertListRules)
	al.POST("/rules", h.alertCreateRule)
	al.PUT("/rules/:id", h.alertUpdateRule)
	al.DELETE("/rules/:id", h.alertDeleteRule)
	al.GET("/active", h.alertActive)
	al.POST("/:id/status", h.alertSetStatus)

	base.POST("/publish/message", h.publishMessage)

	if deps.Chat != nil {
		chat.RegisterRoutes(base, deps.Chat)
	}

	admin := base.Group("/admin")
	admin.Use(auth.RequireAdmin())
	admin.GET("/users", h.adminListUsers)
	admin.DELETE("/users/:id", h.adminDeleteUser)

	return router
}

func joinPath(base, p string) string {
	if base == "" {
		return p
	}
	return base + p
}

type handlers struct {
	deps Deps
}

// Start runs the HTTP server until SIGINT/SIGTERM, then shuts it down
// gracefully.
func Start(cfg ServerConfig, router *gin.Engine, logger logging.Logger) error {
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.WithFields(logging.Fields{"port": cfg.Port}).Info("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: server forced to shutdown: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}
