package http

import (
	"context"

	"github.com/EternisAI/silo-monitor/internal/api/http/handler"
	"github.com/EternisAI/silo-monitor/internal/api/http/middleware"
	"github.com/EternisAI/silo-monitor/internal/auth"
	"github.com/EternisAI/silo-monitor/internal/heartbeat"
	"github.com/EternisAI/silo-monitor/internal/logstream"
	"github.com/EternisAI/silo-monitor/internal/notify"
	"github.com/EternisAI/silo-monitor/internal/registry"
	"github.com/EternisAI/silo-monitor/internal/scheduler"
	"github.com/EternisAI/silo-monitor/internal/store"
	"github.com/EternisAI/silo-monitor/internal/telemetry"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Registry   *registry.Registry
	Monitor    *heartbeat.Monitor
	Ingestor   *telemetry.Ingestor
	Hub        *logstream.Hub
	Dispatcher *notify.Dispatcher
	Scheduler  *scheduler.Scheduler
	Store      *store.Store
}

// SetupRoute mounts the API. ctx bounds long-lived websocket sessions and is
// cancelled on shutdown.
func SetupRoute(ctx context.Context, engine *gin.Engine, config Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Registry, srvs.Hub, srvs.Ingestor)
	engine.GET("/health", healthHandler.Check)

	// Dashboards read with a JWT when a secret is configured; admin routes
	// always need the API key.
	var viewer []gin.HandlerFunc
	if config.Auth.JWTSecret != "" {
		viewer = append(viewer, middleware.JWTAuth(config.Auth.JWTSecret),
			middleware.RequireRole(auth.RoleViewer, auth.RoleAdmin))
	}
	admin := middleware.APIKeyAuth(config.AdminAPIKey)

	read := engine.Group("", viewer...)
	write := engine.Group("", admin)

	if config.Auth.JWTSecret != "" {
		tokenHandler := handler.NewTokenHandler(config.Auth)
		write.POST("/auth/token", tokenHandler.Issue)
	}

	if srvs.Registry != nil {
		agentsHandler := handler.NewAgentsHandler(srvs.Registry, srvs.Monitor, srvs.Ingestor)
		read.GET("/agents", agentsHandler.ListAgents)
		read.GET("/agents/:id", agentsHandler.GetAgent)
		read.GET("/agents/:id/metrics", agentsHandler.GetMetrics)
		write.DELETE("/agents/:id", agentsHandler.DisconnectAgent)
		if srvs.Store != nil {
			agentsHandler.WithHistory(srvs.Store)
			read.GET("/agents/:id/connections", agentsHandler.ConnectionLogs)
		}
	}

	if srvs.Ingestor != nil {
		var agentAuth []gin.HandlerFunc
		if config.AgentAPIKey != "" {
			agentAuth = append(agentAuth, middleware.APIKeyAuth(config.AgentAPIKey))
		}
		socketHandler := handler.NewAgentSocketHandler(ctx, srvs.Ingestor, config.AllowedOrigins)
		// registered before /agents/:id so the literal segment wins
		engine.GET("/agents/connect", append(agentAuth, socketHandler.Connect)...)
	}

	if srvs.Hub != nil {
		subsHandler := handler.NewSubscriptionsHandler(ctx, srvs.Hub, config.AllowedOrigins)
		read.POST("/subscriptions", subsHandler.Create)
		read.PUT("/subscriptions/:id/filter", subsHandler.UpdateFilter)
		read.GET("/subscriptions/:id/logs", subsHandler.Logs)
		read.GET("/subscriptions/:id/stats", subsHandler.Stats)
		read.GET("/subscriptions/:id/stream", subsHandler.Stream)
		read.DELETE("/subscriptions/:id", subsHandler.Delete)
		read.GET("/logs/stream", subsHandler.StreamLogs)
	}

	if srvs.Dispatcher != nil {
		notificationsHandler := handler.NewNotificationsHandler(srvs.Dispatcher)
		read.GET("/notifications", notificationsHandler.List)
		read.GET("/notifications/:id/deliveries", notificationsHandler.Deliveries)
		write.POST("/notifications", notificationsHandler.Publish)
		write.POST("/notifications/deliveries/:id/replay", notificationsHandler.Replay)
	}

	if srvs.Scheduler != nil {
		jobsHandler := handler.NewJobsHandler(srvs.Scheduler)
		read.GET("/jobs", jobsHandler.List)
		read.GET("/jobs/:id", jobsHandler.Get)
		read.GET("/jobs/:id/executions", jobsHandler.Executions)
		write.POST("/jobs/:id/run", jobsHandler.Run)
		write.POST("/jobs/:id/cancel", jobsHandler.Cancel)
	}
}
