package logstream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxLogs     = 1000
	defaultIdleTimeout = 10 * time.Minute
	sweepInterval      = 30 * time.Second
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

type Config struct {
	MaxLogs     int           `mapstructure:"max_logs"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// Stats is the diagnostic view of a subscription buffer.
type Stats struct {
	ID        string    `json:"id"`
	AgentIDs  []string  `json:"agent_ids"`
	Filter    Filter    `json:"filter"`
	MaxLogs   int       `json:"max_logs"`
	Buffered  int       `json:"buffered"`
	Dropped   uint64    `json:"dropped"`
	Delivered uint64    `json:"delivered"`
	CreatedAt time.Time `json:"created_at"`
	LastDrain time.Time `json:"last_drain"`
}

// Subscription owns one bounded buffer. Publishers never wait on it: when the
// buffer is full the oldest entry is evicted and counted in Dropped.
type Subscription struct {
	ID        string
	AgentIDs  []string
	CreatedAt time.Time

	mu        sync.Mutex
	filter    Filter
	compiled  *compiledFilter
	buf       *ring
	maxLogs   int
	dropped   uint64
	delivered uint64
	lastDrain time.Time
	closed    bool

	ready chan struct{}
	done  chan struct{}
}

// Ready is signalled (coalesced) whenever new entries are buffered.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the subscription is removed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) offer(e LogEntry) bool {
	s.mu.Lock()
	if s.closed || !s.compiled.matches(e) {
		s.mu.Unlock()
		return false
	}
	if s.buf.push(e) {
		s.dropped++
	}
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) drain(now time.Time) []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.buf.take()
	s.delivered += uint64(len(out))
	s.lastDrain = now
	return out
}

func (s *Subscription) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		ID:        s.ID,
		AgentIDs:  append([]string(nil), s.AgentIDs...),
		Filter:    s.filter,
		MaxLogs:   s.maxLogs,
		Buffered:  s.buf.len(),
		Dropped:   s.dropped,
		Delivered: s.delivered,
		CreatedAt: s.CreatedAt,
		LastDrain: s.lastDrain,
	}
}

// Hub routes published log entries to every subscription watching the
// entry's agent.
type Hub struct {
	config Config
	now    func() time.Time

	mu      sync.RWMutex
	subs    map[string]*Subscription
	byAgent map[string]map[string]*Subscription

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewHub(config Config) *Hub {
	if config.MaxLogs <= 0 {
		config.MaxLogs = DefaultMaxLogs
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaultIdleTimeout
	}
	return &Hub{
		config:  config,
		now:     time.Now,
		subs:    make(map[string]*Subscription),
		byAgent: make(map[string]map[string]*Subscription),
		stopCh:  make(chan struct{}),
	}
}

func (h *Hub) SetClock(now func() time.Time) {
	h.now = now
}

// Subscribe creates a subscription for agentIDs. maxLogs <= 0 uses the hub
// default.
func (h *Hub) Subscribe(agentIDs []string, filter Filter, maxLogs int) *Subscription {
	if maxLogs <= 0 {
		maxLogs = h.config.MaxLogs
	}

	ids := dedupe(agentIDs)
	now := h.now()
	sub := &Subscription{
		ID:        uuid.New().String(),
		AgentIDs:  ids,
		CreatedAt: now,
		filter:    filter,
		compiled:  compile(filter),
		buf:       newRing(maxLogs),
		maxLogs:   maxLogs,
		lastDrain: now,
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	for _, id := range ids {
		m, ok := h.byAgent[id]
		if !ok {
			m = make(map[string]*Subscription)
			h.byAgent[id] = m
		}
		m[sub.ID] = sub
	}
	total := len(h.subs)
	h.mu.Unlock()

	slog.Debug("Log subscription created",
		"subscription_id", sub.ID,
		"agent_ids", ids,
		"max_logs", maxLogs,
		"total_subscriptions", total)

	return sub
}

// UpdateFilter swaps the filter for subsequent entries. Already buffered
// entries are kept as they are.
func (h *Hub) UpdateFilter(id string, filter Filter) error {
	sub, ok := h.Get(id)
	if !ok {
		return ErrSubscriptionNotFound
	}

	sub.mu.Lock()
	sub.filter = filter
	sub.compiled = compile(filter)
	sub.mu.Unlock()
	return nil
}

// Unsubscribe removes a subscription and reports whether it existed. Calling
// it again is a no-op.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.subs, id)
	for _, agentID := range sub.AgentIDs {
		if m, ok := h.byAgent[agentID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(h.byAgent, agentID)
			}
		}
	}
	h.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	close(sub.done)

	slog.Debug("Log subscription removed", "subscription_id", id)
	return true
}

// Drain returns the buffered entries in insertion order and clears them.
func (h *Hub) Drain(id string) ([]LogEntry, error) {
	sub, ok := h.Get(id)
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.drain(h.now()), nil
}

// Publish offers e to every subscription watching agentID and returns how
// many accepted it.
func (h *Hub) Publish(agentID string, e LogEntry) int {
	h.mu.RLock()
	m := h.byAgent[agentID]
	targets := make([]*Subscription, 0, len(m))
	for _, sub := range m {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	accepted := 0
	for _, sub := range targets {
		if sub.offer(e) {
			accepted++
		}
	}
	return accepted
}

func (h *Hub) Get(id string) (*Subscription, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subs[id]
	return sub, ok
}

func (h *Hub) Stats(id string) (Stats, error) {
	sub, ok := h.Get(id)
	if !ok {
		return Stats{}, ErrSubscriptionNotFound
	}
	return sub.stats(), nil
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Touch marks a push-style consumer as active so the sweeper keeps it.
func (h *Hub) Touch(id string) {
	if sub, ok := h.Get(id); ok {
		sub.mu.Lock()
		sub.lastDrain = h.now()
		sub.mu.Unlock()
	}
}

// Sweep removes subscriptions that have not been drained for longer than the
// idle timeout and returns how many were removed.
func (h *Hub) Sweep(now time.Time) int {
	if h.config.IdleTimeout < 0 {
		return 0
	}

	h.mu.RLock()
	var idle []string
	for id, sub := range h.subs {
		sub.mu.Lock()
		if now.Sub(sub.lastDrain) > h.config.IdleTimeout {
			idle = append(idle, id)
		}
		sub.mu.Unlock()
	}
	h.mu.RUnlock()

	removed := 0
	for _, id := range idle {
		if h.Unsubscribe(id) {
			removed++
			slog.Info("Removed idle log subscription", "subscription_id", id)
		}
	}
	return removed
}

// Start runs the idle sweeper.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.Sweep(h.now())
			case <-h.stopCh:
				return
			}
		}
	}()
}

func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
