package dto

import (
	"time"

	"github.com/EternisAI/silo-monitor/internal/registry"
	"github.com/EternisAI/silo-monitor/internal/telemetry"
)

type HealthResponse struct {
	Status          string `json:"status"`
	AgentsTotal     int    `json:"agents_total"`
	AgentsConnected int    `json:"agents_connected"`
	Subscriptions   int    `json:"subscriptions"`
	MetricsIngested uint64 `json:"metrics_ingested"`
	LogsIngested    uint64 `json:"logs_ingested"`
	Rejected        uint64 `json:"rejected"`
}

type AgentResponse struct {
	ID               string                  `json:"id"`
	Address          string                  `json:"address"`
	Capabilities     []string                `json:"capabilities"`
	Labels           map[string]string       `json:"labels,omitempty"`
	Connected        bool                    `json:"connected"`
	State            string                  `json:"state"`
	SessionID        string                  `json:"session_id,omitempty"`
	FirstSeen        time.Time               `json:"first_seen"`
	LastSeen         time.Time               `json:"last_seen"`
	ConnectedAt      time.Time               `json:"connected_at"`
	DisconnectedAt   *time.Time              `json:"disconnected_at,omitempty"`
	DisconnectReason string                  `json:"disconnect_reason,omitempty"`
	SystemInfo       *registry.SystemInfo    `json:"system_info,omitempty"`
	LatestMetric     *telemetry.MetricSample `json:"latest_metric,omitempty"`
}

func NewAgentResponse(a registry.Agent, state string) AgentResponse {
	resp := AgentResponse{
		ID:               a.ID,
		Address:          a.Address,
		Capabilities:     a.Capabilities,
		Labels:           a.Labels,
		Connected:        a.Connected,
		State:            state,
		SessionID:        a.SessionID,
		FirstSeen:        a.FirstSeen,
		LastSeen:         a.LastSeen,
		ConnectedAt:      a.ConnectedAt,
		DisconnectReason: a.DisconnectReason,
		SystemInfo:       a.SystemInfo,
	}
	if resp.Capabilities == nil {
		resp.Capabilities = []string{}
	}
	if !a.DisconnectedAt.IsZero() {
		t := a.DisconnectedAt
		resp.DisconnectedAt = &t
	}
	return resp
}

type ListAgentsResponse struct {
	Agents    []AgentResponse `json:"agents"`
	Count     int             `json:"count"`
	Connected int             `json:"connected"`
}

type MetricsResponse struct {
	AgentID string                   `json:"agent_id"`
	Since   *time.Time               `json:"since,omitempty"`
	Samples []telemetry.MetricSample `json:"samples"`
	Count   int                      `json:"count"`
}
