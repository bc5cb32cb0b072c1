package telemetry

import (
	"encoding/json"
	"time"

	"github.com/EternisAI/silo-monitor/internal/logstream"
	"github.com/EternisAI/silo-monitor/internal/registry"
)

type MessageType string

const (
	TypeRegister  MessageType = "register"
	TypeHeartbeat MessageType = "heartbeat"
	TypeMetric    MessageType = "metric"
	TypeLog       MessageType = "log"

	// server → agent
	TypeAck   MessageType = "ack"
	TypeError MessageType = "error"
)

// Envelope is the transport-agnostic frame exchanged with agents.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	AgentID   string          `json:"agentId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Extensions holds payload fields the server does not model. They are kept
// opaque and never interpreted.
type Extensions map[string]json.RawMessage

// Message is the typed form of an envelope payload.
type Message interface {
	Kind() MessageType
}

type RegisterMessage struct {
	Address      string               `json:"address"`
	Capabilities []string             `json:"capabilities"`
	Labels       map[string]string    `json:"labels"`
	SystemInfo   *registry.SystemInfo `json:"system_info"`
	Extensions   Extensions           `json:"-"`
}

func (RegisterMessage) Kind() MessageType { return TypeRegister }

func (m RegisterMessage) Registration(remoteAddr string) registry.Registration {
	addr := m.Address
	if addr == "" {
		addr = remoteAddr
	}
	return registry.Registration{
		Address:      addr,
		Capabilities: m.Capabilities,
		Labels:       m.Labels,
		SystemInfo:   m.SystemInfo,
	}
}

type HeartbeatMessage struct {
	Status     string               `json:"status"`
	Uptime     float64              `json:"uptime_seconds"`
	SystemInfo *registry.SystemInfo `json:"system_info"`
	Extensions Extensions           `json:"-"`
}

func (HeartbeatMessage) Kind() MessageType { return TypeHeartbeat }

type CPUReading struct {
	UsagePercent float64 `json:"usage_percent"`
	Load1        float64 `json:"load1"`
	Load5        float64 `json:"load5"`
	Load15       float64 `json:"load15"`
	Cores        int     `json:"cores"`
}

type MemoryReading struct {
	Total        uint64  `json:"total"`
	Used         uint64  `json:"used"`
	UsagePercent float64 `json:"usage_percent"`
}

type DiskReading struct {
	Path         string  `json:"path,omitempty"`
	Total        uint64  `json:"total"`
	Used         uint64  `json:"used"`
	UsagePercent float64 `json:"usage_percent"`
}

type NetworkReading struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// MetricSample is an immutable system reading from one agent.
type MetricSample struct {
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	CPU       CPUReading     `json:"cpu"`
	Memory    MemoryReading  `json:"memory"`
	Disk      DiskReading    `json:"disk"`
	Network   NetworkReading `json:"network"`
}

type MetricMessage struct {
	Sample     MetricSample
	Extensions Extensions
}

func (MetricMessage) Kind() MessageType { return TypeMetric }

type LogMessage struct {
	Entry      logstream.LogEntry
	Extensions Extensions
}

func (LogMessage) Kind() MessageType { return TypeLog }
