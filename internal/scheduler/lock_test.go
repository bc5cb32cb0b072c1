package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManager_AcquireRelease(t *testing.T) {
	m := NewLockManager()

	l, err := m.Acquire("job:a", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, l.Token)

	_, err = m.Acquire("job:a", time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	_, err = m.Acquire("job:b", time.Minute)
	assert.NoError(t, err, "keys are independent")

	assert.False(t, m.Release(Lock{Key: "job:a", Token: "someone-else"}))
	assert.True(t, m.Release(l))
	assert.False(t, m.Release(l), "release is idempotent")

	_, err = m.Acquire("job:a", time.Minute)
	assert.NoError(t, err)
}

func TestLockManager_Expiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewLockManager()
	m.SetClock(func() time.Time { return now })

	old, err := m.Acquire("job:a", time.Minute)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, ok := m.Held("job:a")
	assert.False(t, ok)

	fresh, err := m.Acquire("job:a", time.Minute)
	require.NoError(t, err, "expired lock is replaced")

	assert.False(t, m.Release(old), "stale holder cannot release the new lease")
	_, err = m.Refresh(old, time.Minute)
	assert.ErrorIs(t, err, ErrLockLost)

	now = now.Add(30 * time.Second)
	refreshed, err := m.Refresh(fresh, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), refreshed.ExpiresAt)
}

func TestLockManager_Sweep(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewLockManager()
	m.SetClock(func() time.Time { return now })

	_, _ = m.Acquire("a", time.Second)
	_, _ = m.Acquire("b", time.Hour)

	now = now.Add(time.Minute)
	assert.Equal(t, 1, m.Sweep())
	_, ok := m.Held("b")
	assert.True(t, ok)
}

func TestLockManager_ConcurrentAcquire(t *testing.T) {
	m := NewLockManager()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire("job:hot", time.Minute); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
