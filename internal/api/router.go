// Package api exposes the license sync service over HTTP.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/license-sync/pkg/config"
	"github.com/NikhilSetiya/license-sync/pkg/health"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
	"github.com/NikhilSetiya/license-sync/pkg/metrics"
	"github.com/NikhilSetiya/license-sync/pkg/tracing"
)

// Dependencies are what the router serves. Health, Metrics and Tracing may be nil.
type Dependencies struct {
	Config  *config.Config
	Sync    SyncService
	Health  *health.Service
	Metrics *metrics.Metrics
	Tracing *tracing.TracingService
	Logger  *logging.Logger
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(logger))
	router.Use(RecoveryMiddleware(logger))
	router.Use(CORSMiddleware(cfg.Server.CORSOrigins))
	router.Use(SecurityHeadersMiddleware())
	if deps.Tracing != nil {
		router.Use(deps.Tracing.TracingMiddleware())
	}
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
	}
	router.NoRoute(noRoute)

	if deps.Health != nil {
		router.GET("/health", deps.Health.Handler())
		router.GET("/health/live", deps.Health.LivenessHandler())
		router.GET("/health/ready", deps.Health.ReadinessHandler())
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	syncHandler := NewSyncHandler(deps.Sync)

	v1 := router.Group("/api/v1")
	if cfg.Auth.JWTSecret != "" {
		v1.Use(AuthMiddleware(cfg.Auth.JWTSecret))
	}
	licenses := v1.Group("/licenses")
	{
		licenses.POST("/sync", syncHandler.Sync)
		// registered before the parameter route so "pending" is never taken as an appid
		licenses.POST("/sync/pending", syncHandler.SyncPending)
		licenses.POST("/sync/:appid", syncHandler.SyncOne)
		licenses.GET("/sync/status", syncHandler.Status)
	}

	return router
}
