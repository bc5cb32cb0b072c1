// Package store persists delivery, execution and connection history to
// Postgres. The in-memory components stay authoritative; the store is an
// audit trail written after the fact.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/EternisAI/silo-monitor/internal/events"
	"github.com/EternisAI/silo-monitor/internal/notify"
	"github.com/EternisAI/silo-monitor/internal/scheduler"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const writeTimeout = 5 * time.Second

var ErrNotFound = errors.New("record not found")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ConnectionLog is one agent lifecycle transition.
type ConnectionLog struct {
	ID         int64     `json:"id"`
	AgentID    string    `json:"agent_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Event      string    `json:"event"`
	Reason     string    `json:"reason,omitempty"`
	Address    string    `json:"address,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (s *Store) RecordConnection(ctx context.Context, evt events.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_connection_logs (agent_id, session_id, event, reason, address, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.AgentID, evt.SessionID, string(evt.Type), evt.Reason, evt.Attrs["address"], evt.Time)
	if err != nil {
		return fmt.Errorf("failed to insert connection log: %w", err)
	}
	return nil
}

// ConnectionLogs returns up to limit transitions for agentID, newest first.
func (s *Store) ConnectionLogs(ctx context.Context, agentID string, limit int) ([]ConnectionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, session_id, event, reason, address, occurred_at
		FROM agent_connection_logs
		WHERE agent_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection logs: %w", err)
	}

	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ConnectionLog, error) {
		var l ConnectionLog
		err := row.Scan(&l.ID, &l.AgentID, &l.SessionID, &l.Event, &l.Reason, &l.Address, &l.OccurredAt)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection logs: %w", err)
	}
	return logs, nil
}

// RecordDelivery upserts the current state of a delivery.
func (s *Store) RecordDelivery(ctx context.Context, msg notify.Message, del notify.Delivery) error {
	history, err := json.Marshal(del.History)
	if err != nil {
		return fmt.Errorf("failed to encode delivery history: %w", err)
	}
	if del.History == nil {
		history = []byte("[]")
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO notification_deliveries
			(id, message_id, channel, title, priority, source, status, attempts, last_error, history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status     = EXCLUDED.status,
			attempts   = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			history    = EXCLUDED.history,
			updated_at = EXCLUDED.updated_at`,
		del.ID, del.MessageID, del.Channel, msg.Title, string(msg.Priority), msg.Source,
		string(del.Status), del.Attempts, del.LastError, history, del.CreatedAt, del.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert delivery %s: %w", del.ID, err)
	}
	return nil
}

// Delivery loads a stored delivery.
func (s *Store) Delivery(ctx context.Context, id string) (notify.Delivery, error) {
	var (
		del     notify.Delivery
		status  string
		history []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, message_id, channel, status, attempts, last_error, history, created_at, updated_at
		FROM notification_deliveries WHERE id = $1`, id).
		Scan(&del.ID, &del.MessageID, &del.Channel, &status, &del.Attempts, &del.LastError, &history, &del.CreatedAt, &del.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return notify.Delivery{}, ErrNotFound
	}
	if err != nil {
		return notify.Delivery{}, fmt.Errorf("failed to load delivery %s: %w", id, err)
	}

	del.Status = notify.Status(status)
	if err := json.Unmarshal(history, &del.History); err != nil {
		return notify.Delivery{}, fmt.Errorf("failed to decode delivery history: %w", err)
	}
	return del, nil
}

// RecordExecution upserts the current state of a job execution.
func (s *Store) RecordExecution(ctx context.Context, exec scheduler.Execution) error {
	var result []byte
	if exec.Result != nil {
		var err error
		if result, err = json.Marshal(exec.Result); err != nil {
			return fmt.Errorf("failed to encode execution result: %w", err)
		}
	}

	var finished *time.Time
	if !exec.FinishedAt.IsZero() {
		finished = &exec.FinishedAt
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_executions
			(id, job_id, task, status, trigger_type, attempt, started_at, finished_at, duration_ms, result, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status      = EXCLUDED.status,
			attempt     = EXCLUDED.attempt,
			finished_at = EXCLUDED.finished_at,
			duration_ms = EXCLUDED.duration_ms,
			result      = EXCLUDED.result,
			error       = EXCLUDED.error`,
		exec.ID, exec.JobID, exec.Task, string(exec.Status), string(exec.Trigger), exec.Attempt,
		exec.StartedAt, finished, exec.Duration.Milliseconds(), result, exec.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert execution %s: %w", exec.ID, err)
	}
	return nil
}

// Executions returns up to limit stored executions of jobID, newest first.
// Results are returned as raw JSON.
func (s *Store) Executions(ctx context.Context, jobID string, limit int) ([]scheduler.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, task, status, trigger_type, attempt, started_at, finished_at, duration_ms, result, error
		FROM job_executions
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (scheduler.Execution, error) {
		var (
			e          scheduler.Execution
			status     string
			trigger    string
			finished   *time.Time
			durationMs int64
			result     []byte
		)
		if err := row.Scan(&e.ID, &e.JobID, &e.Task, &status, &trigger, &e.Attempt,
			&e.StartedAt, &finished, &durationMs, &result, &e.Error); err != nil {
			return e, err
		}
		e.Status = scheduler.Status(status)
		e.Trigger = scheduler.Trigger(trigger)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		if finished != nil {
			e.FinishedAt = *finished
		}
		if result != nil {
			e.Result = json.RawMessage(result)
		}
		return e, nil
	})
}
