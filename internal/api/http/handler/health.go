package handler

import (
	"net/http"

	"github.com/EternisAI/silo-monitor/internal/api/http/dto"
	"github.com/EternisAI/silo-monitor/internal/logstream"
	"github.com/EternisAI/silo-monitor/internal/registry"
	"github.com/EternisAI/silo-monitor/internal/telemetry"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	registry *registry.Registry
	hub      *logstream.Hub
	ingestor *telemetry.Ingestor
}

func NewHealthHandler(reg *registry.Registry, hub *logstream.Hub, ingestor *telemetry.Ingestor) *HealthHandler {
	return &HealthHandler{
		registry: reg,
		hub:      hub,
		ingestor: ingestor,
	}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	resp := dto.HealthResponse{Status: "ok"}
	if h.registry != nil {
		resp.AgentsTotal, resp.AgentsConnected = h.registry.Counts()
	}
	if h.hub != nil {
		resp.Subscriptions = h.hub.Count()
	}
	if h.ingestor != nil {
		stats := h.ingestor.Stats()
		resp.MetricsIngested = stats.Metrics
		resp.LogsIngested = stats.Logs
		resp.Rejected = stats.Rejected
	}
	ctx.JSON(http.StatusOK, resp)
}
