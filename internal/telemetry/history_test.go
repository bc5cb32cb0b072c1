package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAt(agentID string, ts time.Time, cpu float64) MetricSample {
	return MetricSample{AgentID: agentID, Timestamp: ts, CPU: CPUReading{UsagePercent: cpu}}
}

func TestHistory_CountBound(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHistory(3, -1)

	for i := 0; i < 5; i++ {
		h.Append(sampleAt("a", base.Add(time.Duration(i)*time.Second), float64(i)), base)
	}

	got := h.Since("a", time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, 2.0, got[0].CPU.UsagePercent, "oldest samples evicted first")
	assert.Equal(t, 4.0, got[2].CPU.UsagePercent)
}

func TestHistory_AgeBound(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHistory(100, time.Minute)

	h.Append(sampleAt("a", base, 1), base)
	h.Append(sampleAt("a", base.Add(30*time.Second), 2), base.Add(30*time.Second))
	h.Append(sampleAt("a", base.Add(90*time.Second), 3), base.Add(90*time.Second))

	got := h.Since("a", time.Time{})
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[0].CPU.UsagePercent)
}

func TestHistory_SinceAndLatest(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHistory(10, -1)

	_, ok := h.Latest("a")
	assert.False(t, ok)
	assert.Nil(t, h.Since("a", time.Time{}))

	for i := 0; i < 4; i++ {
		h.Append(sampleAt("a", base.Add(time.Duration(i)*time.Minute), float64(i)), base)
	}

	got := h.Since("a", base.Add(2*time.Minute))
	assert.Len(t, got, 2)

	latest, ok := h.Latest("a")
	require.True(t, ok)
	assert.Equal(t, 3.0, latest.CPU.UsagePercent)
	assert.Equal(t, 4, h.Len("a"))
	assert.Equal(t, 0, h.Len("b"))
}
