package dto

import (
	"fmt"
	"time"

	"github.com/EternisAI/silo-monitor/internal/logstream"
)

type FilterRequest struct {
	Levels  []string   `json:"levels"`
	Sources []string   `json:"sources"`
	Search  string     `json:"search"`
	Since   *time.Time `json:"since"`
	Until   *time.Time `json:"until"`
}

// ToFilter normalizes level spellings and rejects unknown ones.
func (r FilterRequest) ToFilter() (logstream.Filter, error) {
	f := logstream.Filter{
		Sources: r.Sources,
		Search:  r.Search,
	}
	for _, s := range r.Levels {
		level, ok := logstream.ParseLevel(s)
		if !ok {
			return logstream.Filter{}, fmt.Errorf("unknown log level %q", s)
		}
		f.Levels = append(f.Levels, level)
	}
	if r.Since != nil {
		f.Since = *r.Since
	}
	if r.Until != nil {
		f.Until = *r.Until
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return logstream.Filter{}, fmt.Errorf("until is before since")
	}
	return f, nil
}

type CreateSubscriptionRequest struct {
	AgentIDs []string      `json:"agent_ids" binding:"required,min=1,dive,required"`
	Filter   FilterRequest `json:"filter"`
	MaxLogs  int           `json:"max_logs" binding:"omitempty,min=1,max=100000"`
}

// StreamQuery opens a subscription that lives as long as one websocket.
type StreamQuery struct {
	AgentIDs []string `form:"agent_id" binding:"required,min=1,dive,required"`
	Levels   []string `form:"level"`
	Sources  []string `form:"source"`
	Search   string   `form:"search"`
	MaxLogs  int      `form:"max_logs" binding:"omitempty,min=1,max=100000"`
}

func (q StreamQuery) Filter() FilterRequest {
	return FilterRequest{Levels: q.Levels, Sources: q.Sources, Search: q.Search}
}

type SubscriptionResponse struct {
	ID        string    `json:"id"`
	AgentIDs  []string  `json:"agent_ids"`
	CreatedAt time.Time `json:"created_at"`
}

type LogsResponse struct {
	SubscriptionID string               `json:"subscription_id"`
	Logs           []logstream.LogEntry `json:"logs"`
	Count          int                  `json:"count"`
}

// StreamMessage is one frame of the live tail websocket.
type StreamMessage struct {
	Type      string               `json:"type"` // "logs", "error", "closed"
	Logs      []logstream.LogEntry `json:"logs,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}
