package heartbeat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-monitor/internal/events"
	"github.com/EternisAI/silo-monitor/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func collect(sub *events.Subscriber, typ events.Type) []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-sub.C():
			if evt.Type == typ {
				out = append(out, evt)
			}
		default:
			return out
		}
	}
}

func setup(t *testing.T) (*fakeClock, *registry.Registry, *Monitor, *events.Subscriber) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	sub := bus.Subscribe("test", 64)

	reg := registry.New(bus, registry.WithClock(clock.Now))
	mon := NewMonitor(reg, bus, Config{
		Interval:    time.Second,
		Timeout:     10 * time.Second,
		GracePeriod: 5 * time.Second,
	})
	mon.SetClock(clock.Now)

	return clock, reg, mon, sub
}

func TestMonitor_ConnectedToSuspectToDisconnected(t *testing.T) {
	clock, reg, mon, sub := setup(t)

	sess, err := reg.Register("agent-1", registry.Registration{})
	require.NoError(t, err)

	clock.Advance(9 * time.Second)
	mon.Scan(clock.Now())
	assert.Equal(t, StateConnected, mon.State("agent-1"))

	clock.Advance(2 * time.Second) // 11s
	mon.Scan(clock.Now())
	assert.Equal(t, StateSuspect, mon.State("agent-1"))
	assert.Len(t, collect(sub, events.AgentSuspect), 1)

	// repeated scans while suspect do not repeat the event
	clock.Advance(2 * time.Second) // 13s
	mon.Scan(clock.Now())
	assert.Empty(t, collect(sub, events.AgentSuspect))

	clock.Advance(3 * time.Second) // 16s > timeout+grace
	mon.Scan(clock.Now())
	assert.Equal(t, StateDisconnected, mon.State("agent-1"))
	assert.True(t, sess.Closed())

	disconnects := collect(sub, events.AgentDisconnected)
	require.Len(t, disconnects, 1)
	assert.Equal(t, registry.ReasonHeartbeat, disconnects[0].Reason)

	clock.Advance(time.Minute)
	mon.Scan(clock.Now())
	assert.Empty(t, collect(sub, events.AgentDisconnected), "exactly one disconnect per transition")
}

func TestMonitor_SuspectRecovers(t *testing.T) {
	clock, reg, mon, sub := setup(t)

	sess, err := reg.Register("agent-1", registry.Registration{})
	require.NoError(t, err)

	clock.Advance(12 * time.Second)
	mon.Scan(clock.Now())
	require.Equal(t, StateSuspect, mon.State("agent-1"))

	require.NoError(t, reg.Touch(sess, clock.Now()))
	mon.Scan(clock.Now())

	assert.Equal(t, StateConnected, mon.State("agent-1"))
	assert.Len(t, collect(sub, events.AgentRecovered), 1)
	assert.False(t, sess.Closed())
}

func TestMonitor_DisconnectWithinOneTickAfterDeadline(t *testing.T) {
	clock, reg, mon, sub := setup(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Register(id, registry.Registration{})
		require.NoError(t, err)
	}

	// a single scan past the deadline disconnects even agents never seen as suspect
	clock.Advance(16 * time.Second)
	mon.Scan(clock.Now())

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, StateDisconnected, mon.State(id))
	}
	assert.Len(t, collect(sub, events.AgentDisconnected), 3)
}

func TestMonitor_ReRegisterAfterDisconnect(t *testing.T) {
	clock, reg, mon, _ := setup(t)

	_, err := reg.Register("agent-1", registry.Registration{})
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	mon.Scan(clock.Now())
	require.Equal(t, StateDisconnected, mon.State("agent-1"))

	_, err = reg.Register("agent-1", registry.Registration{})
	require.NoError(t, err)
	mon.Scan(clock.Now())
	assert.Equal(t, StateConnected, mon.State("agent-1"))
}

func TestMonitor_ScanDoesNotDisconnectConcurrentReRegister(t *testing.T) {
	clock, reg, mon, _ := setup(t)

	const n = 2000
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("agent-%d", i)
		_, err := reg.Register(ids[i], registry.Registration{})
		require.NoError(t, err)
	}

	clock.Advance(time.Minute)

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		mon.Scan(clock.Now())
	}()
	go func() {
		defer wg.Done()
		<-start
		for _, id := range ids {
			_, err := reg.Register(id, registry.Registration{})
			assert.NoError(t, err)
		}
	}()
	close(start)
	wg.Wait()

	for _, id := range ids {
		agent, ok := reg.Get(id)
		require.True(t, ok)
		assert.True(t, agent.Connected, "agent %s re-registered at scan time must stay connected", id)
	}
}

func TestMonitor_UnknownAgent(t *testing.T) {
	_, _, mon, _ := setup(t)
	assert.Equal(t, StateUnknown, mon.State("nope"))
}

func TestMonitor_StartStop(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	reg := registry.New(bus)
	mon := NewMonitor(reg, bus, Config{Interval: 10 * time.Millisecond, Timeout: 20 * time.Millisecond, GracePeriod: 10 * time.Millisecond})

	_, err := reg.Register("agent-1", registry.Registration{})
	require.NoError(t, err)

	mon.Start()
	defer mon.Stop()

	assert.Eventually(t, func() bool {
		return mon.State("agent-1") == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	mon.Stop()
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, defaultInterval, cfg.Interval)
	assert.Equal(t, defaultTimeout, cfg.Timeout)
	assert.Equal(t, defaultGracePeriod, cfg.GracePeriod)
}
