package telemetry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/EternisAI/silo-monitor/internal/logstream"
	"github.com/EternisAI/silo-monitor/internal/registry"
)

var (
	ErrStaleAgent  = errors.New("stale agent")
	ErrRateLimited = errors.New("agent rate limited")
)

type Config struct {
	HistorySize      int           `mapstructure:"history_size"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	RateLimit        float64       `mapstructure:"rate_limit"`
	RateBurst        int           `mapstructure:"rate_burst"`
}

type Stats struct {
	Metrics  uint64 `json:"metrics"`
	Logs     uint64 `json:"logs"`
	Rejected uint64 `json:"rejected"`
}

// Ingestor validates agent telemetry, records liveness in the registry and
// routes samples and log lines to history and subscriptions.
type Ingestor struct {
	registry *registry.Registry
	hub      *logstream.Hub
	history  *History
	limiter  *agentLimiter
	now      func() time.Time

	metrics  atomic.Uint64
	logs     atomic.Uint64
	rejected atomic.Uint64
}

func NewIngestor(reg *registry.Registry, hub *logstream.Hub, config Config) *Ingestor {
	return &Ingestor{
		registry: reg,
		hub:      hub,
		history:  NewHistory(config.HistorySize, config.HistoryRetention),
		limiter:  newAgentLimiter(config.RateLimit, config.RateBurst),
		now:      time.Now,
	}
}

func (i *Ingestor) SetClock(now func() time.Time) {
	i.now = now
}

// Register opens a session from a register envelope.
func (i *Ingestor) Register(env Envelope, remoteAddr string) (*registry.Session, error) {
	if env.Type != TypeRegister {
		return nil, fmt.Errorf("%w: first message must be %q, got %q", ErrInvalidPayload, TypeRegister, env.Type)
	}
	if env.AgentID == "" {
		return nil, fmt.Errorf("%w: agentId is required", ErrInvalidPayload)
	}

	msg, err := env.Decode()
	if err != nil {
		return nil, err
	}
	reg := msg.(RegisterMessage)

	if len(reg.Extensions) > 0 {
		slog.Debug("Registration carries extension fields",
			"agent_id", env.AgentID,
			"fields", len(reg.Extensions))
	}

	return i.registry.Register(env.AgentID, reg.Registration(remoteAddr))
}

// Handle processes one envelope received on sess. Errors are per-message;
// the caller keeps the session open.
func (i *Ingestor) Handle(sess *registry.Session, env Envelope) error {
	if env.AgentID != "" && env.AgentID != sess.AgentID {
		i.rejected.Add(1)
		return fmt.Errorf("%w: envelope agent %q does not match session agent %q", ErrInvalidPayload, env.AgentID, sess.AgentID)
	}
	env.AgentID = sess.AgentID

	if env.Type == TypeRegister {
		i.rejected.Add(1)
		return fmt.Errorf("%w: session already registered", ErrInvalidPayload)
	}

	msg, err := env.Decode()
	if err != nil {
		i.rejected.Add(1)
		return err
	}

	// a valid frame proves liveness even when its payload is throttled
	if err := i.touch(sess); err != nil {
		return err
	}

	if env.Type != TypeHeartbeat && !i.limiter.Allow(sess.AgentID) {
		i.rejected.Add(1)
		return ErrRateLimited
	}

	switch m := msg.(type) {
	case HeartbeatMessage:
		if m.SystemInfo != nil {
			if err := i.registry.UpdateSystemInfo(sess, *m.SystemInfo); err != nil {
				return i.stale(sess.AgentID, err)
			}
		}
		slog.Debug("Heartbeat received", "agent_id", sess.AgentID, "status", m.Status)
	case MetricMessage:
		i.storeMetric(m.Sample)
	case LogMessage:
		i.routeLog(m.Entry)
	}
	return nil
}

// IngestMetric accepts a sample for agentID through its active session.
func (i *Ingestor) IngestMetric(agentID string, sample MetricSample) error {
	sess, err := i.activeSession(agentID)
	if err != nil {
		return err
	}

	sample.AgentID = agentID
	if sample.Timestamp.IsZero() {
		sample.Timestamp = i.now()
	}
	if err := ValidateSample(sample); err != nil {
		i.rejected.Add(1)
		return err
	}
	if err := i.touch(sess); err != nil {
		return err
	}
	if !i.limiter.Allow(agentID) {
		i.rejected.Add(1)
		return ErrRateLimited
	}

	i.storeMetric(sample)
	return nil
}

// IngestLog accepts a log entry for agentID through its active session.
func (i *Ingestor) IngestLog(agentID string, entry logstream.LogEntry) error {
	sess, err := i.activeSession(agentID)
	if err != nil {
		return err
	}

	entry.AgentID = agentID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = i.now()
	}
	if entry.Level == "" {
		entry.Level = logstream.LevelInfo
	}
	if entry.Message == "" {
		i.rejected.Add(1)
		return fmt.Errorf("%w: log message is required", ErrInvalidPayload)
	}
	if err := i.touch(sess); err != nil {
		return err
	}
	if !i.limiter.Allow(agentID) {
		i.rejected.Add(1)
		return ErrRateLimited
	}

	i.routeLog(entry)
	return nil
}

func (i *Ingestor) activeSession(agentID string) (*registry.Session, error) {
	sess, err := i.registry.ActiveSession(agentID)
	if err != nil {
		return nil, i.stale(agentID, err)
	}
	return sess, nil
}

func (i *Ingestor) touch(sess *registry.Session) error {
	if err := i.registry.Touch(sess, i.now()); err != nil {
		return i.stale(sess.AgentID, err)
	}
	return nil
}

func (i *Ingestor) stale(agentID string, cause error) error {
	i.rejected.Add(1)
	slog.Warn("Rejected telemetry from stale agent", "agent_id", agentID, "error", cause)
	return fmt.Errorf("%w: %s: %v", ErrStaleAgent, agentID, cause)
}

func (i *Ingestor) storeMetric(sample MetricSample) {
	i.history.Append(sample, i.now())
	i.metrics.Add(1)
}

func (i *Ingestor) routeLog(entry logstream.LogEntry) {
	i.logs.Add(1)
	if i.hub == nil {
		return
	}
	i.hub.Publish(entry.AgentID, entry)
}

func (i *Ingestor) Metrics(agentID string, since time.Time) []MetricSample {
	return i.history.Since(agentID, since)
}

func (i *Ingestor) LatestMetric(agentID string) (MetricSample, bool) {
	return i.history.Latest(agentID)
}

// PruneMetrics drops samples older than maxAge across all agents.
func (i *Ingestor) PruneMetrics(maxAge time.Duration) int {
	return i.history.Prune(i.now().Add(-maxAge))
}

func (i *Ingestor) Stats() Stats {
	return Stats{
		Metrics:  i.metrics.Load(),
		Logs:     i.logs.Load(),
		Rejected: i.rejected.Load(),
	}
}
