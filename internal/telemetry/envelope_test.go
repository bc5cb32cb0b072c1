package telemetry

import (
	"testing"
	"time"

	"github.com/EternisAI/silo-monitor/internal/logstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope_UnknownType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"type":"telemetry","agentId":"a"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	for _, raw := range []string{
		`{"type":`,
		`[]`,
		`{"agentId":"a"}`,
		`{"type":"log","timestamp":"yesterday"}`,
	} {
		_, err := DecodeEnvelope([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidPayload, raw)
	}
}

func TestEnvelope_DecodeMetric(t *testing.T) {
	raw := `{
		"type": "metric",
		"agentId": " agent-1 ",
		"timestamp": "2025-01-01T00:00:00Z",
		"payload": {
			"cpu": {"usage_percent": 42.5, "cores": 8},
			"memory": {"total": 1000, "used": 400, "usage_percent": 40},
			"gpu": {"usage_percent": 12}
		}
	}`

	env, err := DecodeEnvelope([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "agent-1", env.AgentID)

	msg, err := env.Decode()
	require.NoError(t, err)

	m, ok := msg.(MetricMessage)
	require.True(t, ok)
	assert.Equal(t, 42.5, m.Sample.CPU.UsagePercent)
	assert.Equal(t, "agent-1", m.Sample.AgentID)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), m.Sample.Timestamp.UTC())
	require.Contains(t, m.Extensions, "gpu", "unmodelled fields are kept as extensions")
	assert.NotContains(t, m.Extensions, "cpu")
}

func TestEnvelope_DecodeMetricInvalid(t *testing.T) {
	cases := []string{
		`{"type":"metric","agentId":"a","payload":{"cpu":{"usage_percent":140}}}`,
		`{"type":"metric","agentId":"a","payload":{"memory":{"total":10,"used":20}}}`,
		`{"type":"metric","agentId":"a","payload":"not an object"}`,
		`{"type":"metric","agentId":"a"}`,
		`{"type":"metric","agentId":"a","payload":{"cpu":{"usage_percent":"high"}}}`,
	}
	for _, raw := range cases {
		env, err := DecodeEnvelope([]byte(raw))
		require.NoError(t, err, raw)
		_, err = env.Decode()
		assert.ErrorIs(t, err, ErrInvalidPayload, raw)
	}
}

func TestEnvelope_DecodeLog(t *testing.T) {
	raw := `{"type":"log","agentId":"agent-1","timestamp":"2025-01-01T00:00:05Z",
		"payload":{"level":"WARNING","source":"docker","message":"container restarted","metadata":{"container":"web"}}}`

	env, err := DecodeEnvelope([]byte(raw))
	require.NoError(t, err)
	msg, err := env.Decode()
	require.NoError(t, err)

	entry := msg.(LogMessage).Entry
	assert.NotEmpty(t, entry.ID, "an id is assigned when missing")
	assert.Equal(t, logstream.LevelWarn, entry.Level)
	assert.Equal(t, "docker", entry.Source)
	assert.Equal(t, "web", entry.Metadata["container"])
	assert.Equal(t, env.Timestamp, entry.Timestamp)
}

func TestEnvelope_DecodeLogInvalid(t *testing.T) {
	for _, raw := range []string{
		`{"type":"log","agentId":"a","payload":{"level":"info"}}`,
		`{"type":"log","agentId":"a","payload":{"level":"loud","message":"x"}}`,
	} {
		env, err := DecodeEnvelope([]byte(raw))
		require.NoError(t, err)
		_, err = env.Decode()
		assert.ErrorIs(t, err, ErrInvalidPayload, raw)
	}
}

func TestEnvelope_DecodeRegister(t *testing.T) {
	raw := `{"type":"register","agentId":"agent-1","payload":{"capabilities":["docker","logs"],
		"labels":{"region":"eu"},"system_info":{"hostname":"web-1","cpu_count":4}}}`

	env, err := DecodeEnvelope([]byte(raw))
	require.NoError(t, err)
	msg, err := env.Decode()
	require.NoError(t, err)

	reg := msg.(RegisterMessage).Registration("192.0.2.10:5555")
	assert.Equal(t, "192.0.2.10:5555", reg.Address, "remote address used when none declared")
	assert.Equal(t, []string{"docker", "logs"}, reg.Capabilities)
	require.NotNil(t, reg.SystemInfo)
	assert.Equal(t, "web-1", reg.SystemInfo.Hostname)
}

func TestNewEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeHeartbeat, "agent-1", HeartbeatMessage{Status: "ok", Uptime: 12})
	require.NoError(t, err)

	data, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	msg, err := decoded.Decode()
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.(HeartbeatMessage).Status)
}
