package scheduler

import (
	"context"
	"time"

	"github.com/EternisAI/silo-monitor/internal/backoff"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

type Job struct {
	ID         string           `mapstructure:"id" json:"id"`
	Name       string           `mapstructure:"name" json:"name"`
	Schedule   string           `mapstructure:"schedule" json:"schedule"`
	Task       string           `mapstructure:"task" json:"task"`
	Params     map[string]any   `mapstructure:"params" json:"params,omitempty"`
	Enabled    bool             `mapstructure:"enabled" json:"enabled"`
	Concurrent bool             `mapstructure:"concurrent" json:"concurrent"`
	Timeout    time.Duration    `mapstructure:"timeout" json:"timeout"`
	LockTTL    time.Duration    `mapstructure:"lock_ttl" json:"lock_ttl"`
	Backoff    backoff.Strategy `mapstructure:"backoff" json:"backoff"`

	NextRun time.Time `mapstructure:"-" json:"next_run,omitempty"`
	LastRun time.Time `mapstructure:"-" json:"last_run,omitempty"`
}

type Execution struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	Task       string        `json:"task"`
	Status     Status        `json:"status"`
	Trigger    Trigger       `json:"trigger"`
	Attempt    int           `json:"attempt"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
	Result     any           `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Task is the unit of work a job runs. Implementations must return when ctx
// is done.
type Task interface {
	Execute(ctx context.Context, params map[string]any) (any, error)
}

type TaskFunc func(ctx context.Context, params map[string]any) (any, error)

func (f TaskFunc) Execute(ctx context.Context, params map[string]any) (any, error) {
	return f(ctx, params)
}

type Recorder interface {
	RecordExecution(ctx context.Context, exec Execution) error
}
