package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternisAI/silo-monitor/internal/backoff"
	"github.com/EternisAI/silo-monitor/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, bus *events.Bus) *Scheduler {
	t.Helper()
	s := New(nil, bus, Config{})
	t.Cleanup(s.Stop)
	return s
}

func blockingTask(release <-chan struct{}, calls *atomic.Int32) Task {
	return TaskFunc(func(ctx context.Context, _ map[string]any) (any, error) {
		calls.Add(1)
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func TestScheduler_RunNowAtMostOneConcurrent(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe("test", 10)
	s := newTestScheduler(t, bus)

	release := make(chan struct{})
	var calls atomic.Int32
	s.RegisterTask("slow", blockingTask(release, &calls))
	_, err := s.AddJob(Job{ID: "report", Task: "slow"})
	require.NoError(t, err)

	start := make(chan struct{})
	results := make(chan Execution, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			exec, err := s.RunNow("report")
			assert.NoError(t, err, "a held lock is not an error")
			results <- exec
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	byStatus := map[Status][]Execution{}
	for exec := range results {
		byStatus[exec.Status] = append(byStatus[exec.Status], exec)
	}
	require.Len(t, byStatus[StatusRunning], 1)
	require.Len(t, byStatus[StatusSkipped], 1)
	assert.Contains(t, byStatus[StatusSkipped][0].Error, ErrAlreadyLocked.Error())

	close(release)
	s.Wait()

	execs, err := s.Executions("report", 0)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, StatusSkipped, execs[0].Status)
	assert.Equal(t, StatusCompleted, execs[1].Status)
	assert.Equal(t, "done", execs[1].Result)
	assert.Equal(t, int32(1), calls.Load())

	select {
	case evt := <-sub.C():
		assert.Equal(t, events.JobSkipped, evt.Type)
		assert.Equal(t, "report", evt.JobID)
	case <-time.After(time.Second):
		t.Fatal("expected job.skipped event")
	}

	third, err := s.RunNow("report")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, third.Status, "lock released after completion")
}

func TestScheduler_ConcurrentJobsRunInParallel(t *testing.T) {
	s := newTestScheduler(t, nil)

	release := make(chan struct{})
	var calls atomic.Int32
	s.RegisterTask("slow", blockingTask(release, &calls))
	_, err := s.AddJob(Job{ID: "fanout", Task: "slow", Concurrent: true})
	require.NoError(t, err)

	a, err := s.RunNow("fanout")
	require.NoError(t, err)
	b, err := s.RunNow("fanout")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, a.Status)
	assert.Equal(t, StatusRunning, b.Status)

	close(release)
	s.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestScheduler_BackoffTermination(t *testing.T) {
	s := newTestScheduler(t, nil)

	var calls atomic.Int32
	s.RegisterTask("broken", TaskFunc(func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("upstream unavailable")
	}))
	_, err := s.AddJob(Job{
		ID:   "sync",
		Task: "broken",
		Backoff: backoff.Strategy{
			Type:        backoff.Exponential,
			Delay:       100 * time.Millisecond,
			MaxDelay:    800 * time.Millisecond,
			MaxAttempts: 4,
		},
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = s.RunNow("sync")
	require.NoError(t, err)
	s.Wait()

	execs, err := s.Executions("sync", 1)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	exec := execs[0]
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, 4, exec.Attempt)
	assert.Equal(t, "upstream unavailable", exec.Error)
	assert.Equal(t, int32(4), calls.Load())
	// 100ms + 200ms + 400ms between the four attempts
	assert.GreaterOrEqual(t, time.Since(start), 700*time.Millisecond)

	_, held := s.locks.Held("job:sync")
	assert.False(t, held)
}

func TestScheduler_RetryThenSucceed(t *testing.T) {
	s := newTestScheduler(t, nil)

	var calls atomic.Int32
	s.RegisterTask("flaky", TaskFunc(func(context.Context, map[string]any) (any, error) {
		if calls.Add(1) < 2 {
			return nil, errors.New("transient")
		}
		return 42, nil
	}))
	_, err := s.AddJob(Job{
		ID:      "flaky",
		Task:    "flaky",
		Backoff: backoff.Strategy{Type: backoff.Fixed, Delay: time.Millisecond, MaxAttempts: 3},
	})
	require.NoError(t, err)

	_, err = s.RunNow("flaky")
	require.NoError(t, err)
	s.Wait()

	execs, _ := s.Executions("flaky", 0)
	assert.Equal(t, StatusCompleted, execs[0].Status)
	assert.Equal(t, 2, execs[0].Attempt)
	assert.Equal(t, 42, execs[0].Result)
	assert.Empty(t, execs[0].Error)
}

func TestScheduler_TimeoutIsTerminal(t *testing.T) {
	s := newTestScheduler(t, nil)

	var calls atomic.Int32
	s.RegisterTask("hang", blockingTask(make(chan struct{}), &calls))
	_, err := s.AddJob(Job{
		ID:      "hang",
		Task:    "hang",
		Timeout: 30 * time.Millisecond,
		Backoff: backoff.Strategy{Type: backoff.Fixed, Delay: time.Millisecond, MaxAttempts: 3},
	})
	require.NoError(t, err)

	_, err = s.RunNow("hang")
	require.NoError(t, err)
	s.Wait()

	execs, _ := s.Executions("hang", 1)
	assert.Equal(t, StatusFailed, execs[0].Status)
	assert.Contains(t, execs[0].Error, ErrTimeoutExceeded.Error())
	assert.Equal(t, 1, execs[0].Attempt, "a timeout is not retried")

	next, err := s.RunNow("hang")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, next.Status, "lock released after timeout")
}

func TestScheduler_Cancel(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe("test", 10)
	s := newTestScheduler(t, bus)

	var calls atomic.Int32
	s.RegisterTask("hang", blockingTask(make(chan struct{}), &calls))
	_, err := s.AddJob(Job{ID: "hang", Task: "hang"})
	require.NoError(t, err)

	_, err = s.Cancel("hang")
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = s.RunNow("hang")
	require.NoError(t, err)

	n, err := s.Cancel("hang")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s.Wait()

	execs, _ := s.Executions("hang", 1)
	assert.Equal(t, StatusCancelled, execs[0].Status)

	select {
	case evt := <-sub.C():
		assert.Equal(t, events.JobCancelled, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected job.cancelled event")
	}

	_, held := s.locks.Held("job:hang")
	assert.False(t, held)
}

func TestScheduler_AddJobValidation(t *testing.T) {
	s := newTestScheduler(t, nil)
	s.RegisterTask("noop", TaskFunc(func(context.Context, map[string]any) (any, error) { return nil, nil }))

	_, err := s.AddJob(Job{ID: "a", Task: "missing"})
	assert.ErrorIs(t, err, ErrUnknownTask)

	_, err = s.AddJob(Job{ID: "a", Task: "noop", Schedule: "every tuesday"})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = s.AddJob(Job{ID: "a", Task: "noop", Backoff: backoff.Strategy{Type: "random"}})
	assert.ErrorIs(t, err, backoff.ErrInvalidStrategy)

	job, err := s.AddJob(Job{ID: "a", Task: "noop", Schedule: "*/5 * * * *"})
	require.NoError(t, err)
	assert.False(t, job.NextRun.IsZero())

	_, err = s.AddJob(Job{ID: "a", Task: "noop"})
	assert.ErrorIs(t, err, ErrJobExists)

	_, err = s.RunNow("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, s.RemoveJob("a"))
	assert.Empty(t, s.ListJobs())
	assert.ErrorIs(t, s.RemoveJob("a"), ErrJobNotFound)
}

func TestScheduler_TickFiresDueJobs(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, nil)
	s.SetClock(func() time.Time { return now })

	var calls atomic.Int32
	s.RegisterTask("count", TaskFunc(func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, nil
	}))

	_, err := s.AddJob(Job{ID: "minutely", Task: "count", Schedule: "@every 1m", Enabled: true})
	require.NoError(t, err)
	_, err = s.AddJob(Job{ID: "paused", Task: "count", Schedule: "@every 1m", Enabled: false})
	require.NoError(t, err)

	assert.Equal(t, 0, s.Tick(now))
	assert.Equal(t, 1, s.Tick(now.Add(time.Minute)))
	assert.Equal(t, 0, s.Tick(now.Add(time.Minute)), "next run moved forward")
	s.Wait()

	execs, err := s.Executions("minutely", 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, TriggerSchedule, execs[0].Trigger)
	assert.Equal(t, int32(1), calls.Load())

	job, ok := s.GetJob("minutely")
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Minute), job.NextRun)

	require.NoError(t, s.SetEnabled("paused", true))
	assert.Equal(t, 1, s.Tick(now.Add(time.Minute)))
	s.Wait()
}

type recorderFunc func(ctx context.Context, exec Execution) error

func (f recorderFunc) RecordExecution(ctx context.Context, exec Execution) error { return f(ctx, exec) }

func TestScheduler_Recorder(t *testing.T) {
	s := newTestScheduler(t, nil)

	statuses := make(chan Status, 4)
	s.SetRecorder(recorderFunc(func(_ context.Context, exec Execution) error {
		statuses <- exec.Status
		return nil
	}))
	s.RegisterTask("noop", TaskFunc(func(context.Context, map[string]any) (any, error) { return nil, nil }))
	_, err := s.AddJob(Job{ID: "a", Task: "noop"})
	require.NoError(t, err)

	_, err = s.RunNow("a")
	require.NoError(t, err)
	s.Wait()

	assert.Equal(t, StatusRunning, <-statuses)
	assert.Equal(t, StatusCompleted, <-statuses)
}

func TestScheduler_TaskPanicFailsExecution(t *testing.T) {
	s := newTestScheduler(t, nil)
	s.RegisterTask("boom", TaskFunc(func(context.Context, map[string]any) (any, error) {
		panic("nil map")
	}))
	_, err := s.AddJob(Job{ID: "boom", Task: "boom"})
	require.NoError(t, err)

	_, err = s.RunNow("boom")
	require.NoError(t, err)
	s.Wait()

	execs, _ := s.Executions("boom", 1)
	assert.Equal(t, StatusFailed, execs[0].Status)
	assert.Contains(t, execs[0].Error, "panicked")
}
