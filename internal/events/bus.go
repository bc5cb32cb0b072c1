package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	AgentConnected    Type = "agent.connected"
	AgentSuspect      Type = "agent.suspect"
	AgentRecovered    Type = "agent.recovered"
	AgentDisconnected Type = "agent.disconnected"

	JobCompleted Type = "job.completed"
	JobFailed    Type = "job.failed"
	JobSkipped   Type = "job.skipped"
	JobCancelled Type = "job.cancelled"

	NotificationFailed Type = "notification.failed"
)

const defaultSubscriberBuffer = 256

// Event is a domain event published by the registry, heartbeat monitor,
// scheduler or dispatcher. Only the fields relevant to Type are set.
type Event struct {
	Type      Type
	AgentID   string
	SessionID string
	JobID     string
	MessageID string
	Reason    string
	Time      time.Time
	Attrs     map[string]string
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event and its drop counter is incremented.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	closed      bool
}

type Subscriber struct {
	name    string
	ch      chan Event
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a named consumer with the given buffer size.
func (b *Bus) Subscribe(name string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	sub := &Subscriber{
		name: name,
		ch:   make(chan Event, buffer),
		bus:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subscribers[sub] = struct{}{}

	slog.Debug("Event subscriber added", "subscriber", name, "buffer", buffer)
	return sub
}

func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for sub := range b.subscribers {
		select {
		case sub.ch <- evt:
		default:
			n := sub.dropped.Add(1)
			slog.Warn("Event subscriber full, dropping event",
				"subscriber", sub.name,
				"type", evt.Type,
				"dropped_total", n)
		}
	}
}

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subscribers {
		sub.once.Do(func() { close(sub.ch) })
	}
	b.subscribers = make(map[*Subscriber]struct{})
}

func (b *Bus) remove(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	sub.once.Do(func() { close(sub.ch) })
}

// C returns the receive side of the subscription. It is closed when the
// subscriber or the bus is closed.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscriber) Close() {
	s.bus.remove(s)
}
