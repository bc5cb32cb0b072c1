package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternisAI/silo-monitor/internal/events"
	retry "github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobExists       = errors.New("job already exists")
	ErrUnknownTask     = errors.New("unknown task")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNotRunning      = errors.New("job is not running")
	ErrTimeoutExceeded = errors.New("job timeout exceeded")
)

const (
	DefaultTick        = time.Second
	DefaultHistorySize = 100
)

type Config struct {
	Tick        time.Duration `mapstructure:"tick"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	HistorySize int           `mapstructure:"history_size"`
	Jobs        []Job         `mapstructure:"jobs"`
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

type run struct {
	exec      *Execution
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

type jobState struct {
	job      Job
	schedule cron.Schedule
	running  map[string]*run
	history  []*Execution
}

// Scheduler runs named tasks on cron schedules or on demand. A job that is
// not marked concurrent runs at most once at a time, enforced through the
// lock manager; a trigger that finds the lock held is recorded as skipped.
type Scheduler struct {
	mu    sync.RWMutex
	jobs  map[string]*jobState
	tasks map[string]Task

	locks    *LockManager
	bus      *events.Bus
	recorder Recorder
	config   Config
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	execWg sync.WaitGroup

	stopCh chan struct{}
	loopWg sync.WaitGroup
	once   sync.Once
}

func New(locks *LockManager, bus *events.Bus, config Config) *Scheduler {
	if locks == nil {
		locks = NewLockManager()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   make(map[string]*jobState),
		tasks:  make(map[string]Task),
		locks:  locks,
		bus:    bus,
		config: config.withDefaults(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}
}

func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) SetRecorder(r Recorder) {
	s.recorder = r
}

func (s *Scheduler) RegisterTask(name string, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = task
}

// AddJob validates and registers job. An empty schedule means the job only
// runs through RunNow.
func (s *Scheduler) AddJob(job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	if err := job.Backoff.Validate(); err != nil {
		return Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}

	var sched cron.Schedule
	if job.Schedule != "" {
		parsed, err := cron.ParseStandard(job.Schedule)
		if err != nil {
			return Job{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, job.Schedule, err)
		}
		sched = parsed
		job.NextRun = sched.Next(s.now())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[job.Task]; !ok {
		return Job{}, fmt.Errorf("%w: %q", ErrUnknownTask, job.Task)
	}
	if _, exists := s.jobs[job.ID]; exists {
		return Job{}, fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}

	s.jobs[job.ID] = &jobState{
		job:      job,
		schedule: sched,
		running:  make(map[string]*run),
	}

	slog.Info("Job added",
		"job_id", job.ID,
		"task", job.Task,
		"schedule", job.Schedule,
		"enabled", job.Enabled)
	return job, nil
}

// RemoveJob unregisters a job and cancels its running executions.
func (s *Scheduler) RemoveJob(jobID string) error {
	s.mu.Lock()
	st, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	delete(s.jobs, jobID)
	runs := runningOf(st)
	s.mu.Unlock()

	for _, r := range runs {
		r.cancelled.Store(true)
		r.cancel()
	}
	slog.Info("Job removed", "job_id", jobID, "cancelled", len(runs))
	return nil
}

func (s *Scheduler) SetEnabled(jobID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	st.job.Enabled = enabled
	if enabled && st.schedule != nil {
		st.job.NextRun = st.schedule.Next(s.now())
	}
	return nil
}

func (s *Scheduler) GetJob(jobID string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return st.job, true
}

func (s *Scheduler) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, st := range s.jobs {
		jobs = append(jobs, st.job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// Executions returns up to limit executions of a job, newest first.
func (s *Scheduler) Executions(jobID string, limit int) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	n := len(st.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Execution, 0, n)
	for i := len(st.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *st.history[i])
	}
	return out, nil
}

// RunNow triggers jobID immediately and returns the execution as started.
// When the job lock is held the execution is returned as skipped.
func (s *Scheduler) RunNow(jobID string) (Execution, error) {
	return s.trigger(jobID, TriggerManual)
}

// Cancel stops every running execution of jobID.
func (s *Scheduler) Cancel(jobID string) (int, error) {
	s.mu.RLock()
	st, ok := s.jobs[jobID]
	if !ok {
		s.mu.RUnlock()
		return 0, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	runs := runningOf(st)
	s.mu.RUnlock()

	if len(runs) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotRunning, jobID)
	}
	for _, r := range runs {
		r.cancelled.Store(true)
		r.cancel()
	}
	slog.Info("Job cancelled", "job_id", jobID, "executions", len(runs))
	return len(runs), nil
}

func runningOf(st *jobState) []*run {
	runs := make([]*run, 0, len(st.running))
	for _, r := range st.running {
		runs = append(runs, r)
	}
	return runs
}

func (s *Scheduler) lockTTL(job Job) time.Duration {
	ttl := job.LockTTL
	if ttl <= 0 {
		ttl = s.config.LockTTL
	}
	if job.Timeout > ttl {
		ttl = job.Timeout
	}
	return ttl
}

func lockKey(job Job, execID string) string {
	if job.Concurrent {
		return "job:" + job.ID + ":" + execID
	}
	return "job:" + job.ID
}

func (s *Scheduler) trigger(jobID string, trigger Trigger) (Execution, error) {
	s.mu.Lock()

	st, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	job := st.job
	task, ok := s.tasks[job.Task]
	if !ok {
		s.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: %q", ErrUnknownTask, job.Task)
	}

	now := s.now()
	exec := &Execution{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		Task:      job.Task,
		Status:    StatusPending,
		Trigger:   trigger,
		StartedAt: now,
	}

	ttl := s.lockTTL(job)
	lock, err := s.locks.Acquire(lockKey(job, exec.ID), ttl)
	if err != nil {
		exec.Status = StatusSkipped
		exec.FinishedAt = now
		exec.Error = err.Error()
		s.appendHistory(st, exec)
		snap := *exec
		s.mu.Unlock()

		slog.Info("Job skipped, previous execution still running",
			"job_id", job.ID,
			"execution_id", exec.ID,
			"trigger", trigger)
		s.finished(snap)
		return snap, nil
	}

	ctx, cancel := context.WithCancel(s.ctx)
	if job.Timeout > 0 {
		ctx, cancel = withTimeout(ctx, cancel, job.Timeout)
	}

	exec.Status = StatusRunning
	r := &run{exec: exec, cancel: cancel}
	st.running[exec.ID] = r
	st.job.LastRun = now
	s.appendHistory(st, exec)
	snap := *exec

	s.execWg.Add(1)
	s.mu.Unlock()

	slog.Info("Job started",
		"job_id", job.ID,
		"execution_id", exec.ID,
		"task", job.Task,
		"trigger", trigger)
	s.record(snap)

	go s.execute(ctx, st, r, job, task, lock, ttl)
	return snap, nil
}

func withTimeout(parent context.Context, parentCancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		parentCancel()
	}
}

func (s *Scheduler) execute(ctx context.Context, st *jobState, r *run, job Job, task Task, lock Lock, ttl time.Duration) {
	defer s.execWg.Done()
	defer r.cancel()

	attempt := 0
	operation := func() (any, error) {
		attempt++
		// the lease carries over retries and is extended per attempt
		refreshed, err := s.locks.Refresh(lock, ttl)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		lock = refreshed

		s.mu.Lock()
		r.exec.Attempt = attempt
		s.mu.Unlock()

		v, err := runTask(ctx, task, job.Params)
		if err != nil && ctx.Err() != nil {
			return nil, retry.Permanent(err)
		}
		return v, err
	}

	result, err := retry.Retry(ctx, operation,
		retry.WithBackOff(job.Backoff.BackOff()),
		retry.WithMaxElapsedTime(0),
		retry.WithNotify(func(err error, delay time.Duration) {
			slog.Warn("Job attempt failed, retrying",
				"job_id", job.ID,
				"execution_id", r.exec.ID,
				"attempt", attempt,
				"delay", delay,
				"error", err)
		}),
	)

	status, failure := classify(ctx, r, err)
	s.locks.Release(lock)

	now := s.now()
	s.mu.Lock()
	exec := r.exec
	exec.Status = status
	exec.FinishedAt = now
	exec.Duration = now.Sub(exec.StartedAt)
	if status == StatusCompleted {
		exec.Result = result
	}
	if failure != nil {
		exec.Error = failure.Error()
	}
	delete(st.running, exec.ID)
	snap := *exec
	s.mu.Unlock()

	s.finished(snap)
}

func classify(ctx context.Context, r *run, err error) (Status, error) {
	switch {
	case err == nil:
		return StatusCompleted, nil
	case r.cancelled.Load() || errors.Is(ctx.Err(), context.Canceled):
		return StatusCancelled, context.Canceled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return StatusFailed, fmt.Errorf("%w: %v", ErrTimeoutExceeded, err)
	default:
		return StatusFailed, err
	}
}

type taskResult struct {
	value any
	err   error
}

func runTask(ctx context.Context, task Task, params map[string]any) (any, error) {
	done := make(chan taskResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- taskResult{err: fmt.Errorf("task panicked: %v", rec)}
			}
		}()
		v, err := task.Execute(ctx, params)
		done <- taskResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) appendHistory(st *jobState, exec *Execution) {
	st.history = append(st.history, exec)
	if over := len(st.history) - s.config.HistorySize; over > 0 {
		st.history = append([]*Execution(nil), st.history[over:]...)
	}
}

func (s *Scheduler) finished(exec Execution) {
	logArgs := []any{
		"job_id", exec.JobID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"attempts", exec.Attempt,
		"duration", exec.Duration,
	}
	if exec.Status == StatusFailed {
		slog.Error("Job failed", append(logArgs, "error", exec.Error)...)
	} else {
		slog.Info("Job finished", logArgs...)
	}

	s.record(exec)

	if s.bus == nil {
		return
	}
	var typ events.Type
	switch exec.Status {
	case StatusCompleted:
		typ = events.JobCompleted
	case StatusFailed:
		typ = events.JobFailed
	case StatusSkipped:
		typ = events.JobSkipped
	case StatusCancelled:
		typ = events.JobCancelled
	default:
		return
	}
	s.bus.Publish(events.Event{
		Type:   typ,
		JobID:  exec.JobID,
		Reason: exec.Error,
		Time:   exec.FinishedAt,
		Attrs: map[string]string{
			"execution_id": exec.ID,
			"task":         exec.Task,
			"trigger":      string(exec.Trigger),
		},
	})
}

func (s *Scheduler) record(exec Execution) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.recorder.RecordExecution(ctx, exec); err != nil {
		slog.Warn("Failed to record job execution",
			"execution_id", exec.ID,
			"error", err)
	}
}

// Tick fires every enabled scheduled job that is due at now.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	var due []string
	for id, st := range s.jobs {
		if !st.job.Enabled || st.schedule == nil || st.job.NextRun.IsZero() {
			continue
		}
		if now.Before(st.job.NextRun) {
			continue
		}
		st.job.NextRun = st.schedule.Next(now)
		due = append(due, id)
	}
	s.mu.Unlock()

	sort.Strings(due)
	for _, id := range due {
		if _, err := s.trigger(id, TriggerSchedule); err != nil {
			slog.Warn("Scheduled trigger failed", "job_id", id, "error", err)
		}
	}
	return len(due)
}

func (s *Scheduler) Start() {
	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()

		ticker := time.NewTicker(s.config.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Tick(s.now())
				if n := s.locks.Sweep(); n > 0 {
					slog.Debug("Expired job locks swept", "count", n)
				}
			case <-s.stopCh:
				return
			}
		}
	}()

	slog.Info("Job scheduler started", "tick", s.config.Tick, "jobs", len(s.ListJobs()))
}

// Wait blocks until no execution is running.
func (s *Scheduler) Wait() {
	s.execWg.Wait()
}

// Stop halts the tick loop and cancels running executions.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
		s.loopWg.Wait()
		s.cancel()
		s.execWg.Wait()
		slog.Info("Job scheduler stopped")
	})
}
