package registry

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-monitor/internal/events"
	"github.com/google/uuid"
)

const defaultShardCount = 32

const (
	ReasonSuperseded = "superseded"
	ReasonTransport  = "transport closed"
	ReasonHeartbeat  = "heartbeat timeout"
	ReasonOperator   = "operator disconnect"
	ReasonShutdown   = "server shutdown"
)

var (
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrNotConnected   = errors.New("agent not connected")
	ErrStaleSession   = errors.New("session superseded")
	ErrInvalidAgentID = errors.New("invalid agent ID")
)

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry owns Agent and Session state. Writers for one agent id are
// serialized on that id's shard lock; unrelated agents on other shards never
// contend.
type Registry struct {
	shards []*shard
	bus    *events.Bus
	now    func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithShardCount(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = newShards(n)
		}
	}
}

func New(bus *events.Bus, opts ...Option) *Registry {
	r := &Registry{
		shards: newShards(defaultShardCount),
		bus:    bus,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return shards
}

func (r *Registry) shardFor(agentID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register opens a new session for agentID. A previous session for the same
// agent is closed first; the newest registration always wins.
func (r *Registry) Register(agentID string, reg Registration) (*Session, error) {
	if agentID == "" {
		return nil, ErrInvalidAgentID
	}

	s := r.shardFor(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()

	e, ok := s.entries[agentID]
	if !ok {
		e = &entry{agent: Agent{ID: agentID, FirstSeen: now}}
		s.entries[agentID] = e
	} else if e.session != nil {
		slog.Warn("Agent already connected, replacing session",
			"agent_id", agentID,
			"old_session_id", e.session.ID)
		r.disconnectLocked(e, ReasonSuperseded, now)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Address:   reg.Address,
		StartedAt: now,
		ctx:       ctx,
		cancel:    cancel,
	}

	e.session = sess
	e.agent.Address = reg.Address
	e.agent.Capabilities = append([]string(nil), reg.Capabilities...)
	if reg.Labels != nil {
		e.agent.Labels = reg.Labels
	}
	if reg.SystemInfo != nil {
		info := *reg.SystemInfo
		e.agent.SystemInfo = &info
	}
	e.agent.Connected = true
	e.agent.SessionID = sess.ID
	e.agent.LastSeen = now
	e.agent.ConnectedAt = now
	e.agent.DisconnectReason = ""

	r.publish(events.Event{
		Type:      events.AgentConnected,
		AgentID:   agentID,
		SessionID: sess.ID,
		Time:      now,
		Attrs:     map[string]string{"address": reg.Address},
	})

	slog.Info("Agent registered",
		"agent_id", agentID,
		"session_id", sess.ID,
		"address", reg.Address)

	return sess, nil
}

// Touch records liveness for the agent owning sess. Superseded or closed
// sessions are rejected without changing any state.
func (r *Registry) Touch(sess *Session, at time.Time) error {
	if sess == nil {
		return ErrStaleSession
	}

	s := r.shardFor(sess.AgentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sess.AgentID]
	if !ok {
		return ErrUnknownAgent
	}
	if e.session != sess || !e.agent.Connected {
		return ErrStaleSession
	}

	if at.IsZero() || at.After(r.now()) {
		at = r.now()
	}
	if at.After(e.agent.LastSeen) {
		e.agent.LastSeen = at
	}
	return nil
}

func (r *Registry) ActiveSession(agentID string) (*Session, error) {
	s := r.shardFor(agentID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	if !e.agent.Connected || e.session == nil {
		return nil, ErrNotConnected
	}
	return e.session, nil
}

func (r *Registry) UpdateSystemInfo(sess *Session, info SystemInfo) error {
	s := r.shardFor(sess.AgentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sess.AgentID]
	if !ok {
		return ErrUnknownAgent
	}
	if e.session != sess {
		return ErrStaleSession
	}
	e.agent.SystemInfo = &info
	return nil
}

// MarkDisconnected transitions an agent to disconnected and closes its
// session. It reports whether a transition happened; repeated calls are
// no-ops and emit nothing.
func (r *Registry) MarkDisconnected(agentID, reason string) bool {
	s := r.shardFor(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[agentID]
	if !ok || !e.agent.Connected {
		return false
	}

	r.disconnectLocked(e, reason, r.now())
	return true
}

// DisconnectIfStale disconnects the agent only when sessionID is still its
// active session and LastSeen is before cutoff. A re-register or touch that
// lands after the caller's snapshot leaves the agent connected.
func (r *Registry) DisconnectIfStale(agentID, sessionID string, cutoff time.Time, reason string) bool {
	s := r.shardFor(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[agentID]
	if !ok || !e.agent.Connected || e.session == nil || e.session.ID != sessionID {
		return false
	}
	if !e.agent.LastSeen.Before(cutoff) {
		return false
	}

	r.disconnectLocked(e, reason, r.now())
	return true
}

// Release is called by a transport when its connection ends. It only acts
// when sess is still the agent's active session.
func (r *Registry) Release(sess *Session, reason string) bool {
	if sess == nil {
		return false
	}

	s := r.shardFor(sess.AgentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sess.AgentID]
	if !ok || e.session != sess {
		sess.Close()
		return false
	}
	if !e.agent.Connected {
		sess.Close()
		e.session = nil
		return false
	}

	r.disconnectLocked(e, reason, r.now())
	return true
}

func (r *Registry) disconnectLocked(e *entry, reason string, now time.Time) {
	sess := e.session
	wasConnected := e.agent.Connected

	e.session = nil
	e.agent.Connected = false
	e.agent.SessionID = ""
	e.agent.DisconnectedAt = now
	e.agent.DisconnectReason = reason

	var sessionID string
	if sess != nil {
		sessionID = sess.ID
		sess.Close()
	}

	if !wasConnected {
		return
	}

	r.publish(events.Event{
		Type:      events.AgentDisconnected,
		AgentID:   e.agent.ID,
		SessionID: sessionID,
		Reason:    reason,
		Time:      now,
	})

	slog.Info("Agent disconnected",
		"agent_id", e.agent.ID,
		"session_id", sessionID,
		"reason", reason)
}

func (r *Registry) Get(agentID string) (Agent, bool) {
	s := r.shardFor(agentID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[agentID]
	if !ok {
		return Agent{}, false
	}
	return e.snapshot(), true
}

// List returns one snapshot per known agent, ordered by id.
func (r *Registry) List() []Agent {
	var agents []Agent
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			agents = append(agents, e.snapshot())
		}
		s.mu.RUnlock()
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Stale returns connected agents whose last heartbeat is older than age.
func (r *Registry) Stale(age time.Duration, now time.Time) []Agent {
	var stale []Agent
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			if e.agent.Connected && now.Sub(e.agent.LastSeen) > age {
				stale = append(stale, e.snapshot())
			}
		}
		s.mu.RUnlock()
	}
	return stale
}

func (r *Registry) Counts() (total, connected int) {
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.entries)
		for _, e := range s.entries {
			if e.agent.Connected {
				connected++
			}
		}
		s.mu.RUnlock()
	}
	return total, connected
}

// Stop closes every live session. Agents stay in the table.
func (r *Registry) Stop() {
	for _, s := range r.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.agent.Connected {
				r.disconnectLocked(e, ReasonShutdown, r.now())
			}
		}
		s.mu.Unlock()
	}
}

func (r *Registry) publish(evt events.Event) {
	if r.bus != nil {
		r.bus.Publish(evt)
	}
}
