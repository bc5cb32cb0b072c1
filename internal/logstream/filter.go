package logstream

import (
	"strings"
	"time"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// ParseLevel normalizes the spellings agents commonly send.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug, true
	case "info", "information", "notice":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error", "err":
		return LevelError, true
	case "fatal", "critical", "crit", "panic":
		return LevelFatal, true
	}
	return "", false
}

// LogEntry is an immutable log line reported by an agent.
type LogEntry struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Filter selects log entries. Empty sets match everything; Search is a
// case-insensitive substring of the message; zero Since/Until are open.
type Filter struct {
	Levels  []Level   `json:"levels,omitempty"`
	Sources []string  `json:"sources,omitempty"`
	Search  string    `json:"search,omitempty"`
	Since   time.Time `json:"since,omitempty"`
	Until   time.Time `json:"until,omitempty"`
}

// compiledFilter is the lookup form of a Filter, built once per update.
type compiledFilter struct {
	levels  map[Level]struct{}
	sources map[string]struct{}
	search  string
	since   time.Time
	until   time.Time
}

func compile(f Filter) *compiledFilter {
	cf := &compiledFilter{
		search: strings.ToLower(f.Search),
		since:  f.Since,
		until:  f.Until,
	}
	if len(f.Levels) > 0 {
		cf.levels = make(map[Level]struct{}, len(f.Levels))
		for _, l := range f.Levels {
			cf.levels[l] = struct{}{}
		}
	}
	if len(f.Sources) > 0 {
		cf.sources = make(map[string]struct{}, len(f.Sources))
		for _, s := range f.Sources {
			cf.sources[s] = struct{}{}
		}
	}
	return cf
}

func (f Filter) Matches(e LogEntry) bool {
	return compile(f).matches(e)
}

func (cf *compiledFilter) matches(e LogEntry) bool {
	if cf.levels != nil {
		if _, ok := cf.levels[e.Level]; !ok {
			return false
		}
	}
	if cf.sources != nil {
		if _, ok := cf.sources[e.Source]; !ok {
			return false
		}
	}
	if !cf.since.IsZero() && e.Timestamp.Before(cf.since) {
		return false
	}
	if !cf.until.IsZero() && e.Timestamp.After(cf.until) {
		return false
	}
	if cf.search != "" && !strings.Contains(strings.ToLower(e.Message), cf.search) {
		return false
	}
	return true
}
