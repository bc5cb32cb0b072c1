package scheduler

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAlreadyLocked = errors.New("already locked")
	ErrLockLost      = errors.New("lock lost")
)

const (
	lockShardCount = 16
	DefaultLockTTL = 5 * time.Minute
)

// Lock is a lease on a key. The token identifies the holder; only the holder
// can refresh or release it.
type Lock struct {
	Key        string    `json:"key"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l Lock) expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]Lock
}

// LockManager hands out expiring leases on string keys.
type LockManager struct {
	shards []*lockShard
	now    func() time.Time
}

func NewLockManager() *LockManager {
	shards := make([]*lockShard, lockShardCount)
	for i := range shards {
		shards[i] = &lockShard{locks: make(map[string]Lock)}
	}
	return &LockManager{shards: shards, now: time.Now}
}

func (m *LockManager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *LockManager) shardFor(key string) *lockShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Acquire takes key for ttl. An expired lease held by someone else is
// replaced.
func (m *LockManager) Acquire(key string, ttl time.Duration) (Lock, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	if held, ok := s.locks[key]; ok && !held.expired(now) {
		return Lock{}, fmt.Errorf("%w: %s until %s", ErrAlreadyLocked, key, held.ExpiresAt.Format(time.RFC3339))
	}

	l := Lock{
		Key:        key,
		Token:      uuid.New().String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.locks[key] = l
	return l, nil
}

// Release drops the lease if l still holds it.
func (m *LockManager) Release(l Lock) bool {
	s := m.shardFor(l.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[l.Key]
	if !ok || held.Token != l.Token {
		return false
	}
	delete(s.locks, l.Key)
	return true
}

// Refresh extends a lease still held by l.
func (m *LockManager) Refresh(l Lock, ttl time.Duration) (Lock, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	s := m.shardFor(l.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	held, ok := s.locks[l.Key]
	if !ok || held.Token != l.Token || held.expired(now) {
		return Lock{}, fmt.Errorf("%w: %s", ErrLockLost, l.Key)
	}
	held.ExpiresAt = now.Add(ttl)
	s.locks[l.Key] = held
	return held, nil
}

func (m *LockManager) Held(key string) (Lock, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[key]
	if !ok || held.expired(m.now()) {
		return Lock{}, false
	}
	return held, true
}

// Sweep removes expired leases and returns how many were dropped.
func (m *LockManager) Sweep() int {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for key, l := range s.locks {
			if l.expired(now) {
				delete(s.locks, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
