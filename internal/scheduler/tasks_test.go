package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/EternisAI/silo-monitor/internal/notify"
	"github.com/EternisAI/silo-monitor/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	maxAge time.Duration
}

func (f *fakePruner) PruneMetrics(maxAge time.Duration) int {
	f.maxAge = maxAge
	return 3
}

func TestPruneMetricsTask(t *testing.T) {
	p := &fakePruner{}
	task := PruneMetricsTask(p)

	out, err := task.Execute(context.Background(), map[string]any{"max_age": "30m"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, p.maxAge)
	assert.Equal(t, 3, out.(map[string]any)["removed"])

	_, err = task.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, p.maxAge)

	_, err = task.Execute(context.Background(), map[string]any{"max_age": "soon"})
	assert.Error(t, err)
}

func TestNotifyTask(t *testing.T) {
	d := notify.NewDispatcher(nil)
	require.NoError(t, d.AddChannel("ops", notify.LogChannel{}, notify.Policy{}))
	task := NotifyTask(d)

	_, err := task.Execute(context.Background(), map[string]any{"title": "x"})
	assert.Error(t, err, "channels are required")

	out, err := task.Execute(context.Background(), map[string]any{
		"title":    "Nightly backup",
		"channels": []any{"ops"},
	})
	require.NoError(t, err)
	d.Wait()

	id := out.(map[string]any)["message_id"].(string)
	ds, err := d.Deliveries(id)
	require.NoError(t, err)
	assert.Equal(t, notify.StatusSent, ds[0].Status)
}

func TestFleetReportTask(t *testing.T) {
	reg := registry.New(nil)
	_, err := reg.Register("agent-1", registry.Registration{})
	require.NoError(t, err)
	_, err = reg.Register("agent-2", registry.Registration{})
	require.NoError(t, err)
	reg.MarkDisconnected("agent-2", registry.ReasonHeartbeat)

	d := notify.NewDispatcher(nil)
	require.NoError(t, d.AddChannel("ops", notify.LogChannel{}, notify.Policy{}))

	out, err := FleetReportTask(reg, d).Execute(context.Background(), map[string]any{"channels": "ops"})
	require.NoError(t, err)
	d.Wait()

	report := out.(map[string]any)
	assert.Equal(t, 2, report["total"])
	assert.Equal(t, 1, report["connected"])
	assert.Equal(t, []string{"agent-2"}, report["offline"])

	history := d.History(1)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Message.Body, "1 of 2 agents connected")
	assert.Equal(t, notify.PriorityNormal, history[0].Message.Priority)
}
