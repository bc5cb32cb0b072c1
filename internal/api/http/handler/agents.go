package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/EternisAI/silo-monitor/internal/api/http/dto"
	"github.com/EternisAI/silo-monitor/internal/heartbeat"
	"github.com/EternisAI/silo-monitor/internal/registry"
	"github.com/EternisAI/silo-monitor/internal/store"
	"github.com/EternisAI/silo-monitor/internal/telemetry"
	"github.com/gin-gonic/gin"
)

type connectionHistory interface {
	ConnectionLogs(ctx context.Context, agentID string, limit int) ([]store.ConnectionLog, error)
}

type AgentsHandler struct {
	registry *registry.Registry
	monitor  *heartbeat.Monitor
	ingestor *telemetry.Ingestor
	history  connectionHistory
}

func NewAgentsHandler(reg *registry.Registry, monitor *heartbeat.Monitor, ingestor *telemetry.Ingestor) *AgentsHandler {
	return &AgentsHandler{
		registry: reg,
		monitor:  monitor,
		ingestor: ingestor,
	}
}

// WithHistory enables the persisted connection log route.
func (h *AgentsHandler) WithHistory(history connectionHistory) *AgentsHandler {
	h.history = history
	return h
}

func (h *AgentsHandler) state(a registry.Agent) string {
	if h.monitor != nil {
		return string(h.monitor.State(a.ID))
	}
	if a.Connected {
		return string(heartbeat.StateConnected)
	}
	return string(heartbeat.StateDisconnected)
}

// ListAgents returns every agent the registry has seen, connected or not.
// GET /agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	agents := h.registry.List()

	connected := 0
	responses := make([]dto.AgentResponse, len(agents))
	for i, a := range agents {
		responses[i] = dto.NewAgentResponse(a, h.state(a))
		if a.Connected {
			connected++
		}
	}

	c.JSON(http.StatusOK, dto.ListAgentsResponse{
		Agents:    responses,
		Count:     len(responses),
		Connected: connected,
	})
}

// GET /agents/:id
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	agent, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	resp := dto.NewAgentResponse(agent, h.state(agent))
	if h.ingestor != nil {
		if sample, ok := h.ingestor.LatestMetric(agent.ID); ok {
			resp.LatestMetric = &sample
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetMetrics returns the retained samples for an agent, oldest first. The
// optional since query parameter is RFC 3339.
// GET /agents/:id/metrics
func (h *AgentsHandler) GetMetrics(c *gin.Context) {
	agentID := c.Param("id")
	if _, ok := h.registry.Get(agentID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC 3339 timestamp"})
			return
		}
		since = t
	}

	samples := h.ingestor.Metrics(agentID, since)
	if samples == nil {
		samples = []telemetry.MetricSample{}
	}

	resp := dto.MetricsResponse{
		AgentID: agentID,
		Samples: samples,
		Count:   len(samples),
	}
	if !since.IsZero() {
		resp.Since = &since
	}
	c.JSON(http.StatusOK, resp)
}

// DisconnectAgent closes the agent's active session. The agent stays in the
// registry and may reconnect.
// DELETE /agents/:id
func (h *AgentsHandler) DisconnectAgent(c *gin.Context) {
	agentID := c.Param("id")
	if _, ok := h.registry.Get(agentID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	if !h.registry.MarkDisconnected(agentID, registry.ReasonOperator) {
		c.JSON(http.StatusConflict, gin.H{"error": "agent is not connected"})
		return
	}

	slog.Info("Agent forcefully disconnected",
		"agent_id", agentID,
		"by", c.GetString("subject"))
	c.JSON(http.StatusOK, gin.H{"message": "agent disconnected"})
}

// ConnectionLogs returns the persisted lifecycle transitions of an agent,
// newest first.
// GET /agents/:id/connections
func (h *AgentsHandler) ConnectionLogs(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	agentID := c.Param("id")
	logs, err := h.history.ConnectionLogs(c.Request.Context(), agentID, limit)
	if err != nil {
		slog.Error("Failed to load connection logs", "error", err, "agent_id", agentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load connection logs"})
		return
	}
	if logs == nil {
		logs = []store.ConnectionLog{}
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "connections": logs, "count": len(logs)})
}
