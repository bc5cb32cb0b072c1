package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/EternisAI/silo-monitor/internal/events"
)

type connectionRecorder interface {
	RecordConnection(ctx context.Context, evt events.Event) error
}

// ConnectionLogger writes agent lifecycle events from the bus to the
// connection log. Write failures are logged and the event is dropped.
type ConnectionLogger struct {
	store connectionRecorder
	sub   *events.Subscriber

	wg   sync.WaitGroup
	once sync.Once
}

func NewConnectionLogger(bus *events.Bus, store connectionRecorder) *ConnectionLogger {
	return &ConnectionLogger{
		store: store,
		sub:   bus.Subscribe("connection-log", 0),
	}
}

func isAgentEvent(t events.Type) bool {
	switch t {
	case events.AgentConnected, events.AgentSuspect, events.AgentRecovered, events.AgentDisconnected:
		return true
	}
	return false
}

func (l *ConnectionLogger) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for evt := range l.sub.C() {
			if !isAgentEvent(evt.Type) {
				continue
			}
			l.record(evt)
		}
	}()
}

func (l *ConnectionLogger) record(evt events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := l.store.RecordConnection(ctx, evt); err != nil {
		slog.Error("Failed to record connection event",
			"error", err,
			"agent_id", evt.AgentID,
			"event", evt.Type)
	}
}

// Stop unsubscribes and waits until events already buffered are written.
func (l *ConnectionLogger) Stop() {
	l.once.Do(l.sub.Close)
	l.wg.Wait()
}
