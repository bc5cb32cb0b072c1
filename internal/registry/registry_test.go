package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-monitor/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func drain(sub *events.Subscriber) []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-sub.C():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestRegistry_Register(t *testing.T) {
	clock := newFakeClock()
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("test", 16)

	r := New(bus, WithClock(clock.Now))

	sess, err := r.Register("agent-1", Registration{Address: "10.0.0.1:5000", Capabilities: []string{"docker"}})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", sess.AgentID)
	assert.NotEmpty(t, sess.ID)
	assert.False(t, sess.Closed())

	agent, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.True(t, agent.Connected)
	assert.Equal(t, sess.ID, agent.SessionID)
	assert.Equal(t, clock.Now(), agent.LastSeen)
	assert.Equal(t, []string{"docker"}, agent.Capabilities)

	evts := drain(sub)
	require.Len(t, evts, 1)
	assert.Equal(t, events.AgentConnected, evts[0].Type)
}

func TestRegistry_Register_EmptyID(t *testing.T) {
	r := New(nil)
	_, err := r.Register("", Registration{})
	assert.ErrorIs(t, err, ErrInvalidAgentID)
}

func TestRegistry_ReconnectSupersedes(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("test", 16)

	r := New(bus)

	first, err := r.Register("agent-1", Registration{})
	require.NoError(t, err)
	second, err := r.Register("agent-1", Registration{})
	require.NoError(t, err)

	assert.True(t, first.Closed(), "old session should be closed")
	assert.False(t, second.Closed())
	assert.NotEqual(t, first.ID, second.ID)

	agents := r.List()
	require.Len(t, agents, 1, "reconnect must not duplicate the agent")
	assert.Equal(t, second.ID, agents[0].SessionID)

	evts := drain(sub)
	require.Len(t, evts, 3)
	assert.Equal(t, events.AgentConnected, evts[0].Type)
	assert.Equal(t, events.AgentDisconnected, evts[1].Type)
	assert.Equal(t, ReasonSuperseded, evts[1].Reason)
	assert.Equal(t, first.ID, evts[1].SessionID)
	assert.Equal(t, events.AgentConnected, evts[2].Type)
}

func TestRegistry_TouchRejectsStaleSession(t *testing.T) {
	clock := newFakeClock()
	r := New(nil, WithClock(clock.Now))

	first, err := r.Register("agent-1", Registration{})
	require.NoError(t, err)
	second, err := r.Register("agent-1", Registration{})
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	before, _ := r.Get("agent-1")

	err = r.Touch(first, clock.Now())
	assert.ErrorIs(t, err, ErrStaleSession)

	after, _ := r.Get("agent-1")
	assert.Equal(t, before.LastSeen, after.LastSeen, "stale touch must not update last seen")

	require.NoError(t, r.Touch(second, clock.Now()))
	after, _ = r.Get("agent-1")
	assert.Equal(t, clock.Now(), after.LastSeen)
}

func TestRegistry_TouchClampsFutureTimestamps(t *testing.T) {
	clock := newFakeClock()
	r := New(nil, WithClock(clock.Now))

	sess, err := r.Register("agent-1", Registration{})
	require.NoError(t, err)

	require.NoError(t, r.Touch(sess, clock.Now().Add(time.Hour)))
	agent, _ := r.Get("agent-1")
	assert.Equal(t, clock.Now(), agent.LastSeen)
}

func TestRegistry_MarkDisconnectedIdempotent(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("test", 16)

	r := New(bus)
	sess, err := r.Register("agent-1", Registration{})
	require.NoError(t, err)
	drain(sub)

	assert.True(t, r.MarkDisconnected("agent-1", ReasonHeartbeat))
	assert.False(t, r.MarkDisconnected("agent-1", ReasonHeartbeat))
	assert.False(t, r.MarkDisconnected("unknown", ReasonHeartbeat))

	assert.True(t, sess.Closed())

	agent, ok := r.Get("agent-1")
	require.True(t, ok, "disconnected agents stay in the registry")
	assert.False(t, agent.Connected)
	assert.Equal(t, ReasonHeartbeat, agent.DisconnectReason)

	evts := drain(sub)
	require.Len(t, evts, 1, "exactly one disconnect event per transition")
	assert.Equal(t, events.AgentDisconnected, evts[0].Type)

	assert.ErrorIs(t, r.Touch(sess, time.Now()), ErrStaleSession)
	_, err = r.ActiveSession("agent-1")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRegistry_DisconnectIfStale(t *testing.T) {
	clock := newFakeClock()
	r := New(nil, WithClock(clock.Now))

	old, err := r.Register("agent-1", Registration{})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	cutoff := clock.Now().Add(-30 * time.Second)

	// superseded by a re-register after the caller's snapshot
	fresh, err := r.Register("agent-1", Registration{})
	require.NoError(t, err)
	assert.False(t, r.DisconnectIfStale("agent-1", old.ID, cutoff, ReasonHeartbeat))
	assert.False(t, fresh.Closed())

	// same session, touched after the snapshot
	_, err = r.Register("agent-2", Registration{})
	require.NoError(t, err)
	s2, _ := r.ActiveSession("agent-2")
	clock.Advance(time.Minute)
	cutoff = clock.Now().Add(-30 * time.Second)
	require.NoError(t, r.Touch(s2, clock.Now()))
	assert.False(t, r.DisconnectIfStale("agent-2", s2.ID, cutoff, ReasonHeartbeat))
	assert.False(t, s2.Closed())

	// still the active session and still stale
	clock.Advance(time.Minute)
	cutoff = clock.Now().Add(-30 * time.Second)
	assert.True(t, r.DisconnectIfStale("agent-2", s2.ID, cutoff, ReasonHeartbeat))
	assert.True(t, s2.Closed())
	agent, _ := r.Get("agent-2")
	assert.False(t, agent.Connected)
	assert.Equal(t, ReasonHeartbeat, agent.DisconnectReason)

	assert.False(t, r.DisconnectIfStale("agent-2", s2.ID, cutoff, ReasonHeartbeat))
	assert.False(t, r.DisconnectIfStale("unknown", "x", cutoff, ReasonHeartbeat))
}

func TestRegistry_ReleaseOnlyActiveSession(t *testing.T) {
	r := New(nil)

	first, err := r.Register("agent-1", Registration{})
	require.NoError(t, err)
	second, err := r.Register("agent-1", Registration{})
	require.NoError(t, err)

	// the old transport finishing must not disconnect the new session
	assert.False(t, r.Release(first, ReasonTransport))
	agent, _ := r.Get("agent-1")
	assert.True(t, agent.Connected)

	assert.True(t, r.Release(second, ReasonTransport))
	agent, _ = r.Get("agent-1")
	assert.False(t, agent.Connected)
	assert.Equal(t, ReasonTransport, agent.DisconnectReason)
}

func TestRegistry_StaleAndCounts(t *testing.T) {
	clock := newFakeClock()
	r := New(nil, WithClock(clock.Now))

	s1, _ := r.Register("agent-1", Registration{})
	_, _ = r.Register("agent-2", Registration{})
	_, _ = r.Register("agent-3", Registration{})
	r.MarkDisconnected("agent-3", ReasonOperator)

	clock.Advance(time.Minute)
	require.NoError(t, r.Touch(s1, clock.Now()))

	stale := r.Stale(30*time.Second, clock.Now())
	require.Len(t, stale, 1)
	assert.Equal(t, "agent-2", stale[0].ID)

	total, connected := r.Counts()
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, connected)
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := New(nil)
	_, err := r.Register("agent-1", Registration{
		Capabilities: []string{"docker"},
		Labels:       map[string]string{"env": "prod"},
	})
	require.NoError(t, err)

	a, _ := r.Get("agent-1")
	a.Capabilities[0] = "mutated"
	a.Labels["env"] = "mutated"

	b, _ := r.Get("agent-1")
	assert.Equal(t, "docker", b.Capabilities[0])
	assert.Equal(t, "prod", b.Labels["env"])
}

func TestRegistry_ConcurrentRegistration(t *testing.T) {
	r := New(nil, WithShardCount(4))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", i%10)
			sess, err := r.Register(id, Registration{})
			if err == nil {
				_ = r.Touch(sess, time.Now())
			}
		}(i)
	}
	wg.Wait()

	agents := r.List()
	assert.Len(t, agents, 10)
	for _, a := range agents {
		assert.True(t, a.Connected)
	}
}

func TestRegistry_Stop(t *testing.T) {
	r := New(nil)
	sess, _ := r.Register("agent-1", Registration{})

	r.Stop()

	assert.True(t, sess.Closed())
	agent, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.False(t, agent.Connected)
	assert.Equal(t, ReasonShutdown, agent.DisconnectReason)
}
