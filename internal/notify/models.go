package notify

import (
	"context"
	"time"

	"github.com/EternisAI/silo-monitor/internal/backoff"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Action struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type Message struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Priority  Priority          `json:"priority"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Actions   []Action          `json:"actions,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusFailed
}

type Attempt struct {
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Delivery tracks one message on one channel.
type Delivery struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Channel   string    `json:"channel"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	History   []Attempt `json:"history"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Receipt is a channel's answer to one send. Accepted means the channel took
// the payload; Confirmed means it also acknowledged receipt end to end.
type Receipt struct {
	Accepted  bool
	Confirmed bool
}

// Channel is a delivery transport. Send must honour ctx cancellation where
// it can; the dispatcher enforces the attempt timeout either way.
type Channel interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// Policy is the per-channel retry and timeout configuration.
type Policy struct {
	Timeout time.Duration
	Backoff backoff.Strategy
}

// Recorder persists delivery state changes for audit views.
type Recorder interface {
	RecordDelivery(ctx context.Context, msg Message, d Delivery) error
}

// MessageRecord is a message with its per-channel deliveries.
type MessageRecord struct {
	Message    Message    `json:"message"`
	Deliveries []Delivery `json:"deliveries"`
}
