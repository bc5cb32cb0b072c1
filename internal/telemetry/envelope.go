package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-monitor/internal/logstream"
	"github.com/google/uuid"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidPayload     = errors.New("invalid payload")
)

var knownFields = map[MessageType][]string{
	TypeRegister:  {"address", "capabilities", "labels", "system_info"},
	TypeHeartbeat: {"status", "uptime_seconds", "system_info"},
	TypeMetric:    {"timestamp", "cpu", "memory", "disk", "network"},
	TypeLog:       {"id", "timestamp", "level", "source", "message", "metadata"},
}

// DecodeEnvelope parses a raw frame and checks the envelope-level fields.
// The payload is left raw; call Decode for the typed message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch env.Type {
	case TypeRegister, TypeHeartbeat, TypeMetric, TypeLog:
	case "":
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	env.AgentID = strings.TrimSpace(env.AgentID)
	return env, nil
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	return json.Marshal(env)
}

// NewEnvelope builds an envelope with payload marshalled from v.
func NewEnvelope(typ MessageType, agentID string, v any) (Envelope, error) {
	env := Envelope{
		ID:        uuid.New().String(),
		Type:      typ,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
	}
	if v != nil {
		payload, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		env.Payload = payload
	}
	return env, nil
}

// Decode validates the payload and returns the typed message.
func (env Envelope) Decode() (Message, error) {
	ext, err := extensions(env.Type, env.Payload)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeRegister:
		var m RegisterMessage
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return nil, err
		}
		m.Extensions = ext
		return m, nil

	case TypeHeartbeat:
		var m HeartbeatMessage
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return nil, err
		}
		if m.Uptime < 0 {
			return nil, fmt.Errorf("%w: negative uptime", ErrInvalidPayload)
		}
		m.Extensions = ext
		return m, nil

	case TypeMetric:
		var sample MetricSample
		if len(env.Payload) == 0 {
			return nil, fmt.Errorf("%w: empty metric payload", ErrInvalidPayload)
		}
		if err := unmarshalPayload(env.Payload, &sample); err != nil {
			return nil, err
		}
		if sample.Timestamp.IsZero() {
			sample.Timestamp = env.Timestamp
		}
		sample.AgentID = env.AgentID
		if err := ValidateSample(sample); err != nil {
			return nil, err
		}
		return MetricMessage{Sample: sample, Extensions: ext}, nil

	case TypeLog:
		entry, err := decodeLogEntry(env)
		if err != nil {
			return nil, err
		}
		return LogMessage{Entry: entry, Extensions: ext}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
}

type rawLogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
}

func decodeLogEntry(env Envelope) (logstream.LogEntry, error) {
	if len(env.Payload) == 0 {
		return logstream.LogEntry{}, fmt.Errorf("%w: empty log payload", ErrInvalidPayload)
	}

	var raw rawLogEntry
	if err := unmarshalPayload(env.Payload, &raw); err != nil {
		return logstream.LogEntry{}, err
	}
	if raw.Message == "" {
		return logstream.LogEntry{}, fmt.Errorf("%w: log message is required", ErrInvalidPayload)
	}

	level := logstream.LevelInfo
	if raw.Level != "" {
		parsed, ok := logstream.ParseLevel(raw.Level)
		if !ok {
			return logstream.LogEntry{}, fmt.Errorf("%w: unknown log level %q", ErrInvalidPayload, raw.Level)
		}
		level = parsed
	}

	entry := logstream.LogEntry{
		ID:        raw.ID,
		AgentID:   env.AgentID,
		Timestamp: raw.Timestamp,
		Level:     level,
		Source:    raw.Source,
		Message:   raw.Message,
		Metadata:  raw.Metadata,
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = env.Timestamp
	}
	return entry, nil
}

// ValidateSample rejects readings that cannot come from a real host.
func ValidateSample(s MetricSample) error {
	percents := map[string]float64{
		"cpu.usage_percent":    s.CPU.UsagePercent,
		"memory.usage_percent": s.Memory.UsagePercent,
		"disk.usage_percent":   s.Disk.UsagePercent,
	}
	for name, v := range percents {
		if v < 0 || v > 100 {
			return fmt.Errorf("%w: %s out of range: %v", ErrInvalidPayload, name, v)
		}
	}
	if s.CPU.Load1 < 0 || s.CPU.Load5 < 0 || s.CPU.Load15 < 0 || s.CPU.Cores < 0 {
		return fmt.Errorf("%w: negative cpu reading", ErrInvalidPayload)
	}
	if s.Memory.Total > 0 && s.Memory.Used > s.Memory.Total {
		return fmt.Errorf("%w: memory used exceeds total", ErrInvalidPayload)
	}
	if s.Disk.Total > 0 && s.Disk.Used > s.Disk.Total {
		return fmt.Errorf("%w: disk used exceeds total", ErrInvalidPayload)
	}
	return nil
}

func unmarshalPayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func extensions(typ MessageType, payload json.RawMessage) (Extensions, error) {
	if len(payload) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: payload must be an object", ErrInvalidPayload)
	}

	known := make(map[string]struct{}, len(knownFields[typ]))
	for _, f := range knownFields[typ] {
		known[f] = struct{}{}
	}

	var ext Extensions
	for k, v := range fields {
		if _, ok := known[k]; ok {
			continue
		}
		if ext == nil {
			ext = make(Extensions)
		}
		ext[k] = v
	}
	return ext, nil
}
