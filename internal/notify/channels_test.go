package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/EternisAI/silo-monitor/internal/events"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookChannel_Send(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, map[string]string{"X-Token": "secret"})
	receipt, err := ch.Send(context.Background(), Message{ID: "m1", Title: "hello"})
	require.NoError(t, err)
	assert.True(t, receipt.Accepted)
	assert.False(t, receipt.Confirmed)
	assert.Equal(t, "hello", got.Title)
}

func TestWebhookChannel_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWebhookChannel(srv.URL, nil).Send(context.Background(), Message{ID: "m1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject = subject
	f.data = data
	return &jetstream.PubAck{Stream: "NOTIFICATIONS", Sequence: 7}, nil
}

func TestNATSChannel_Send(t *testing.T) {
	pub := &fakePublisher{}
	ch := &NATSChannel{js: pub, subject: "notifications.ops"}

	receipt, err := ch.Send(context.Background(), Message{ID: "m1", Title: "hello"})
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed, "a PubAck confirms delivery")
	assert.Equal(t, "notifications.ops", pub.subject)
	assert.Contains(t, string(pub.data), `"title":"hello"`)

	pub.err = errors.New("no responders")
	_, err = ch.Send(context.Background(), Message{ID: "m2"})
	assert.Error(t, err)
}

func TestBuildChannel(t *testing.T) {
	ch, err := BuildChannel(ChannelConfig{Name: "ops", Type: ChannelWebhook, URL: "http://example.invalid"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &WebhookChannel{}, ch)

	_, err = BuildChannel(ChannelConfig{Name: "ops", Type: ChannelWebhook}, nil)
	assert.Error(t, err)

	_, err = BuildChannel(ChannelConfig{Name: "stream", Type: ChannelNATS, Subject: "x"}, nil)
	assert.Error(t, err, "nats channels need a JetStream context")

	ch, err = BuildChannel(ChannelConfig{Name: "log"}, nil)
	require.NoError(t, err)
	assert.IsType(t, LogChannel{}, ch)

	_, err = BuildChannel(ChannelConfig{Name: "x", Type: "pager"}, nil)
	assert.Error(t, err)
}

func TestAlertRouter_RoutesEvents(t *testing.T) {
	bus := events.NewBus()
	d := NewDispatcher(bus)
	require.NoError(t, d.AddChannel("ops", LogChannel{}, retries(1)))

	router := NewAlertRouter(bus, d, []Route{
		{Event: events.AgentDisconnected, Channels: []string{"ops"}},
		{Event: events.NotificationFailed, Channels: []string{"ops"}},
	})
	router.Start()
	defer router.Stop()

	bus.Publish(events.Event{Type: events.AgentDisconnected, AgentID: "agent-1", Reason: "heartbeat timeout"})
	bus.Publish(events.Event{Type: events.AgentConnected, AgentID: "agent-1"})

	require.Eventually(t, func() bool { return len(d.History(0)) == 1 }, time.Second, 5*time.Millisecond)
	d.Wait()

	rec := d.History(0)[0]
	assert.Equal(t, "Agent offline: agent-1", rec.Message.Title)
	assert.Equal(t, PriorityHigh, rec.Message.Priority)
	assert.Equal(t, "agent-1", rec.Message.Labels["agent_id"])
	assert.Equal(t, StatusSent, rec.Deliveries[0].Status)
}

func TestAlertRouter_IgnoresOwnFailures(t *testing.T) {
	bus := events.NewBus()
	d := NewDispatcher(bus)
	require.NoError(t, d.AddChannel("ops", LogChannel{}, retries(1)))

	router := NewAlertRouter(bus, d, []Route{{Event: events.NotificationFailed, Channels: []string{"ops"}}})
	defer router.Stop()

	assert.False(t, router.Route(events.Event{
		Type:  events.NotificationFailed,
		Attrs: map[string]string{"source": alertSource},
	}))
	assert.True(t, router.Route(events.Event{
		Type:  events.NotificationFailed,
		Attrs: map[string]string{"source": "jobs", "channel": "hook"},
	}))
}
