package registry

import (
	"context"
	"sync"
	"time"
)

// SystemInfo is the last host description an agent reported.
type SystemInfo struct {
	Hostname      string            `json:"hostname"`
	OS            string            `json:"os"`
	Platform      string            `json:"platform"`
	KernelVersion string            `json:"kernel_version"`
	Arch          string            `json:"arch"`
	CPUCount      int               `json:"cpu_count"`
	MemoryTotal   uint64            `json:"memory_total"`
	DockerVersion string            `json:"docker_version,omitempty"`
	AgentVersion  string            `json:"agent_version,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Registration is what an agent declares when it opens a session.
type Registration struct {
	Address      string
	Capabilities []string
	Labels       map[string]string
	SystemInfo   *SystemInfo
}

// Agent is a snapshot of a registry entry. Agents are never removed, only
// marked disconnected.
type Agent struct {
	ID               string
	Address          string
	Capabilities     []string
	Labels           map[string]string
	Connected        bool
	SessionID        string
	FirstSeen        time.Time
	LastSeen         time.Time
	ConnectedAt      time.Time
	DisconnectedAt   time.Time
	DisconnectReason string
	SystemInfo       *SystemInfo
}

// Session ties one live transport connection to one agent id. Transports
// watch Done and tear the connection down when the session is superseded or
// the agent is marked disconnected.
type Session struct {
	ID        string
	AgentID   string
	Address   string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Close() {
	s.once.Do(s.cancel)
}

func (s *Session) Closed() bool {
	return s.ctx.Err() != nil
}

type entry struct {
	agent   Agent
	session *Session
}

func (e *entry) snapshot() Agent {
	a := e.agent
	a.Capabilities = append([]string(nil), e.agent.Capabilities...)
	if e.agent.Labels != nil {
		a.Labels = make(map[string]string, len(e.agent.Labels))
		for k, v := range e.agent.Labels {
			a.Labels[k] = v
		}
	}
	if e.agent.SystemInfo != nil {
		info := *e.agent.SystemInfo
		a.SystemInfo = &info
	}
	return a
}
