package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-monitor/internal/events"
	"github.com/EternisAI/silo-monitor/internal/registry"
)

const (
	defaultInterval    = 5 * time.Second
	defaultTimeout     = 30 * time.Second
	defaultGracePeriod = 30 * time.Second
)

type State string

const (
	StateConnected    State = "CONNECTED"
	StateSuspect      State = "SUSPECT"
	StateDisconnected State = "DISCONNECTED"
	StateUnknown      State = "UNKNOWN"
)

type Config struct {
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	} else if c.GracePeriod == 0 {
		c.GracePeriod = defaultGracePeriod
	}
	return c
}

// Monitor scans the registry on a fixed tick and moves agents through
// CONNECTED → SUSPECT → DISCONNECTED. Publishing goes through the event bus,
// which never blocks, so a scan's duration does not depend on consumers.
type Monitor struct {
	registry *registry.Registry
	bus      *events.Bus
	config   Config
	now      func() time.Time

	mu       sync.Mutex
	suspects map[string]string // agent id -> session id that went suspect

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewMonitor(reg *registry.Registry, bus *events.Bus, config Config) *Monitor {
	return &Monitor{
		registry: reg,
		bus:      bus,
		config:   config.withDefaults(),
		now:      time.Now,
		suspects: make(map[string]string),
		stopCh:   make(chan struct{}),
	}
}

func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Monitor) Config() Config {
	return m.config
}

// Start runs the scan loop in a background goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		slog.Info("Heartbeat monitor started",
			"interval", m.config.Interval,
			"timeout", m.config.Timeout,
			"grace_period", m.config.GracePeriod)

		for {
			select {
			case <-ticker.C:
				m.Scan(m.now())
			case <-m.stopCh:
				slog.Info("Heartbeat monitor stopped")
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Scan runs one detection pass at the given instant.
func (m *Monitor) Scan(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stale := m.registry.Stale(m.config.Timeout, now)
	staleIDs := make(map[string]struct{}, len(stale))

	deadline := m.config.Timeout + m.config.GracePeriod
	for _, agent := range stale {
		staleIDs[agent.ID] = struct{}{}
		age := now.Sub(agent.LastSeen)

		if age > deadline {
			delete(m.suspects, agent.ID)
			if m.registry.DisconnectIfStale(agent.ID, agent.SessionID, now.Add(-deadline), registry.ReasonHeartbeat) {
				slog.Warn("Agent heartbeat lost",
					"agent_id", agent.ID,
					"last_seen", agent.LastSeen,
					"age", age)
			}
			continue
		}

		if sessionID, ok := m.suspects[agent.ID]; ok && sessionID == agent.SessionID {
			continue
		}
		m.suspects[agent.ID] = agent.SessionID

		slog.Warn("Agent heartbeat overdue",
			"agent_id", agent.ID,
			"last_seen", agent.LastSeen,
			"age", age)

		m.publish(events.Event{
			Type:      events.AgentSuspect,
			AgentID:   agent.ID,
			SessionID: agent.SessionID,
			Reason:    "heartbeat overdue",
			Time:      now,
		})
	}

	// Suspects that are no longer stale either touched again or went away.
	for agentID, sessionID := range m.suspects {
		if _, ok := staleIDs[agentID]; ok {
			continue
		}
		delete(m.suspects, agentID)

		agent, ok := m.registry.Get(agentID)
		if !ok || !agent.Connected || agent.SessionID != sessionID {
			continue
		}

		slog.Info("Agent heartbeat recovered", "agent_id", agentID)
		m.publish(events.Event{
			Type:      events.AgentRecovered,
			AgentID:   agentID,
			SessionID: sessionID,
			Time:      now,
		})
	}
}

// State reports the monitor's view of an agent.
func (m *Monitor) State(agentID string) State {
	agent, ok := m.registry.Get(agentID)
	if !ok {
		return StateUnknown
	}
	if !agent.Connected {
		return StateDisconnected
	}

	m.mu.Lock()
	sessionID, suspect := m.suspects[agentID]
	m.mu.Unlock()

	if suspect && sessionID == agent.SessionID {
		return StateSuspect
	}
	return StateConnected
}

func (m *Monitor) publish(evt events.Event) {
	if m.bus != nil {
		m.bus.Publish(evt)
	}
}
