package telemetry

import (
	"sync"
	"time"
)

const (
	defaultHistorySize      = 720
	defaultHistoryRetention = time.Hour
)

// series is one agent's metric history: a fixed-capacity FIFO.
type series struct {
	mu    sync.Mutex
	buf   []MetricSample
	head  int
	count int
}

func (s *series) push(sample MetricSample) {
	tail := (s.head + s.count) % len(s.buf)
	s.buf[tail] = sample
	if s.count < len(s.buf) {
		s.count++
		return
	}
	s.head = (s.head + 1) % len(s.buf)
}

func (s *series) evictBefore(cutoff time.Time) int {
	evicted := 0
	for s.count > 0 && s.buf[s.head].Timestamp.Before(cutoff) {
		s.buf[s.head] = MetricSample{}
		s.head = (s.head + 1) % len(s.buf)
		s.count--
		evicted++
	}
	return evicted
}

func (s *series) at(i int) MetricSample {
	return s.buf[(s.head+i)%len(s.buf)]
}

// History keeps bounded per-agent metric samples, bounded both by count and
// by age. The oldest sample is evicted first.
type History struct {
	size      int
	retention time.Duration

	mu     sync.RWMutex
	series map[string]*series
}

func NewHistory(size int, retention time.Duration) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	if retention == 0 {
		retention = defaultHistoryRetention
	}
	return &History{
		size:      size,
		retention: retention,
		series:    make(map[string]*series),
	}
}

func (h *History) get(agentID string, create bool) *series {
	h.mu.RLock()
	s, ok := h.series[agentID]
	h.mu.RUnlock()
	if ok || !create {
		return s
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok = h.series[agentID]; ok {
		return s
	}
	s = &series{buf: make([]MetricSample, h.size)}
	h.series[agentID] = s
	return s
}

func (h *History) Append(sample MetricSample, now time.Time) {
	s := h.get(sample.AgentID, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.push(sample)
	if h.retention > 0 {
		s.evictBefore(now.Add(-h.retention))
	}
}

// Since returns samples for agentID with a timestamp at or after since,
// oldest first. A zero since returns everything retained.
func (h *History) Since(agentID string, since time.Time) []MetricSample {
	s := h.get(agentID, false)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]MetricSample, 0, s.count)
	for i := 0; i < s.count; i++ {
		sample := s.at(i)
		if !since.IsZero() && sample.Timestamp.Before(since) {
			continue
		}
		out = append(out, sample)
	}
	return out
}

func (h *History) Latest(agentID string) (MetricSample, bool) {
	s := h.get(agentID, false)
	if s == nil {
		return MetricSample{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return MetricSample{}, false
	}
	return s.at(s.count - 1), true
}

// Prune drops samples older than cutoff across all agents and returns how
// many were removed.
func (h *History) Prune(cutoff time.Time) int {
	h.mu.RLock()
	all := make([]*series, 0, len(h.series))
	for _, s := range h.series {
		all = append(all, s)
	}
	h.mu.RUnlock()

	removed := 0
	for _, s := range all {
		s.mu.Lock()
		removed += s.evictBefore(cutoff)
		s.mu.Unlock()
	}
	return removed
}

func (h *History) Len(agentID string) int {
	s := h.get(agentID, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
