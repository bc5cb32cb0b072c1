package tests

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	api "github.com/EternisAI/silo-monitor/internal/api/http"
	"github.com/EternisAI/silo-monitor/internal/backoff"
	"github.com/EternisAI/silo-monitor/internal/events"
	"github.com/EternisAI/silo-monitor/internal/notify"
	"github.com/EternisAI/silo-monitor/internal/registry"
	"github.com/EternisAI/silo-monitor/internal/scheduler"
	"github.com/EternisAI/silo-monitor/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConnectionLogs drives the registry through a connect and an operator
// disconnect and reads the transitions back through the HTTP API.
func TestConnectionLogs(t *testing.T, st *store.Store) {
	bus := events.NewBus()
	defer bus.Close()

	logger := store.NewConnectionLogger(bus, st)
	logger.Start()
	defer logger.Stop()

	reg := registry.New(bus)
	_, err := reg.Register("sys-agent", registry.Registration{Address: "10.9.9.9:4000"})
	require.NoError(t, err)
	require.True(t, reg.MarkDisconnected("sys-agent", registry.ReasonOperator))

	ctx := context.Background()
	var logs []store.ConnectionLog
	require.Eventually(t, func() bool {
		logs, err = st.ConnectionLogs(ctx, "sys-agent", 10)
		return err == nil && len(logs) == 2
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, string(events.AgentDisconnected), logs[0].Event)
	assert.Equal(t, registry.ReasonOperator, logs[0].Reason)
	assert.Equal(t, string(events.AgentConnected), logs[1].Event)
	assert.Equal(t, "10.9.9.9:4000", logs[1].Address)

	engine := gin.New()
	api.SetupRoute(ctx, engine, api.Config{AdminAPIKey: "k"}, &api.Services{Registry: reg, Store: st})

	req := httptest.NewRequest("GET", "/agents/sys-agent/connections", nil)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, req)
	require.Equal(t, nethttp.StatusOK, rr.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

type failOnce struct {
	failed bool
}

func (f *failOnce) Send(context.Context, notify.Message) (notify.Receipt, error) {
	if !f.failed {
		f.failed = true
		return notify.Receipt{}, assert.AnError
	}
	return notify.Receipt{Accepted: true, Confirmed: true}, nil
}

// TestDeliveries checks that every state change of a delivery, including a
// replay, ends up in the table.
func TestDeliveries(t *testing.T, st *store.Store) {
	ctx := context.Background()

	d := notify.NewDispatcher(nil, notify.WithRecorder(st))
	defer d.Stop()
	require.NoError(t, d.AddChannel("ops", &failOnce{}, notify.Policy{Backoff: backoff.None}))

	msgID, err := d.Publish(ctx, notify.Message{Title: "Agent offline: sys-agent", Priority: notify.PriorityHigh}, []string{"ops"})
	require.NoError(t, err)
	d.Wait()

	deliveries, err := d.Deliveries(msgID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	id := deliveries[0].ID

	stored, err := st.Delivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, notify.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.NotEmpty(t, stored.LastError)

	require.NoError(t, d.Replay(ctx, id))
	d.Wait()

	stored, err = st.Delivery(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, notify.StatusDelivered, stored.Status)
	assert.Len(t, stored.History, 2)

	_, err = st.Delivery(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestExecutions runs a job through the scheduler with the store as recorder.
func TestExecutions(t *testing.T, st *store.Store) {
	ctx := context.Background()

	s := scheduler.New(nil, nil, scheduler.Config{})
	defer s.Stop()
	s.SetRecorder(st)
	s.RegisterTask("count", scheduler.TaskFunc(func(context.Context, map[string]any) (any, error) {
		return map[string]int{"agents": 3}, nil
	}))

	_, err := s.AddJob(scheduler.Job{ID: "sys-count", Task: "count", Enabled: true})
	require.NoError(t, err)

	exec, err := s.RunNow("sys-count")
	require.NoError(t, err)

	var stored []scheduler.Execution
	require.Eventually(t, func() bool {
		stored, err = st.Executions(ctx, "sys-count", 10)
		return err == nil && len(stored) == 1 && stored[0].Status == scheduler.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, exec.ID, stored[0].ID)
	assert.Equal(t, scheduler.TriggerManual, stored[0].Trigger)
	assert.False(t, stored[0].FinishedAt.IsZero())
	assert.JSONEq(t, `{"agents":3}`, string(stored[0].Result.(json.RawMessage)))
}
