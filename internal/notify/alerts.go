package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/EternisAI/silo-monitor/internal/events"
)

const alertSource = "alert-router"

type Route struct {
	Event    events.Type `mapstructure:"event"`
	Channels []string    `mapstructure:"channels"`
	Priority Priority    `mapstructure:"priority"`
}

// AlertRouter turns bus events into notifications according to its routes.
type AlertRouter struct {
	dispatcher *Dispatcher
	sub        *events.Subscriber
	routes     map[events.Type]Route

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewAlertRouter(bus *events.Bus, dispatcher *Dispatcher, routes []Route) *AlertRouter {
	byType := make(map[events.Type]Route, len(routes))
	for _, r := range routes {
		byType[r.Event] = r
	}
	return &AlertRouter{
		dispatcher: dispatcher,
		sub:        bus.Subscribe("alert-router", 0),
		routes:     byType,
		stopCh:     make(chan struct{}),
	}
}

func (a *AlertRouter) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case evt, ok := <-a.sub.C():
				if !ok {
					return
				}
				a.Route(evt)
			case <-a.stopCh:
				return
			}
		}
	}()
	slog.Info("Alert router started", "routes", len(a.routes))
}

func (a *AlertRouter) Stop() {
	a.once.Do(func() {
		close(a.stopCh)
		a.sub.Close()
	})
	a.wg.Wait()
}

// Route publishes the notification for evt if a route matches. It reports
// whether a message was published.
func (a *AlertRouter) Route(evt events.Event) bool {
	route, ok := a.routes[evt.Type]
	if !ok || len(route.Channels) == 0 {
		return false
	}
	// failures of our own alerts would otherwise loop through the router
	if evt.Type == events.NotificationFailed && evt.Attrs["source"] == alertSource {
		return false
	}

	msg := alertMessage(evt, route.Priority)
	if _, err := a.dispatcher.Publish(context.Background(), msg, route.Channels); err != nil {
		slog.Error("Failed to publish alert",
			"event", evt.Type,
			"agent_id", evt.AgentID,
			"error", err)
		return false
	}
	return true
}

func alertMessage(evt events.Event, priority Priority) Message {
	msg := Message{
		Priority:  priority,
		Source:    alertSource,
		Timestamp: evt.Time,
		Labels:    map[string]string{"event": string(evt.Type)},
	}
	if msg.Priority == "" {
		msg.Priority = defaultPriority(evt.Type)
	}

	switch evt.Type {
	case events.AgentConnected:
		msg.Title = fmt.Sprintf("Agent online: %s", evt.AgentID)
		msg.Body = fmt.Sprintf("Agent %s connected.", evt.AgentID)
	case events.AgentSuspect:
		msg.Title = fmt.Sprintf("Agent unresponsive: %s", evt.AgentID)
		msg.Body = fmt.Sprintf("Agent %s missed its heartbeat deadline: %s.", evt.AgentID, evt.Reason)
	case events.AgentRecovered:
		msg.Title = fmt.Sprintf("Agent recovered: %s", evt.AgentID)
		msg.Body = fmt.Sprintf("Agent %s resumed heartbeats.", evt.AgentID)
	case events.AgentDisconnected:
		msg.Title = fmt.Sprintf("Agent offline: %s", evt.AgentID)
		msg.Body = fmt.Sprintf("Agent %s disconnected: %s.", evt.AgentID, evt.Reason)
	case events.JobFailed:
		msg.Title = fmt.Sprintf("Job failed: %s", evt.JobID)
		msg.Body = fmt.Sprintf("Job %s failed: %s.", evt.JobID, evt.Reason)
	case events.NotificationFailed:
		msg.Title = fmt.Sprintf("Notification delivery failed on %s", evt.Attrs["channel"])
		msg.Body = fmt.Sprintf("Message %q (%s) could not be delivered: %s.", evt.Attrs["title"], evt.MessageID, evt.Reason)
	default:
		msg.Title = string(evt.Type)
		msg.Body = evt.Reason
	}

	if evt.AgentID != "" {
		msg.Labels["agent_id"] = evt.AgentID
	}
	if evt.JobID != "" {
		msg.Labels["job_id"] = evt.JobID
	}
	return msg
}

func defaultPriority(t events.Type) Priority {
	switch t {
	case events.AgentDisconnected, events.JobFailed, events.NotificationFailed:
		return PriorityHigh
	case events.AgentSuspect:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
