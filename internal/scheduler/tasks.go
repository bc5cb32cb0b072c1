package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-monitor/internal/notify"
	"github.com/EternisAI/silo-monitor/internal/registry"
)

const (
	TaskPruneMetrics = "prune_metrics"
	TaskNotify       = "notify"
	TaskFleetReport  = "fleet_report"
)

type metricPruner interface {
	PruneMetrics(maxAge time.Duration) int
}

type publisher interface {
	Publish(ctx context.Context, msg notify.Message, targets []string) (string, error)
}

type fleet interface {
	List() []registry.Agent
}

// PruneMetricsTask drops metric samples older than params["max_age"]
// (duration string, default 1h).
func PruneMetricsTask(ingest metricPruner) Task {
	return TaskFunc(func(_ context.Context, params map[string]any) (any, error) {
		maxAge, err := durationParam(params, "max_age", time.Hour)
		if err != nil {
			return nil, err
		}
		removed := ingest.PruneMetrics(maxAge)
		return map[string]any{"removed": removed, "max_age": maxAge.String()}, nil
	})
}

// NotifyTask publishes a fixed message to params["channels"].
func NotifyTask(dispatcher publisher) Task {
	return TaskFunc(func(ctx context.Context, params map[string]any) (any, error) {
		channels := stringsParam(params, "channels")
		if len(channels) == 0 {
			return nil, fmt.Errorf("notify task: channels param is required")
		}
		msg := notify.Message{
			Title:    stringParam(params, "title"),
			Body:     stringParam(params, "body"),
			Priority: notify.Priority(stringParam(params, "priority")),
			Source:   "scheduler",
		}
		if msg.Title == "" {
			return nil, fmt.Errorf("notify task: title param is required")
		}

		id, err := dispatcher.Publish(ctx, msg, channels)
		if err != nil {
			return nil, err
		}
		return map[string]any{"message_id": id}, nil
	})
}

// FleetReportTask summarizes agent connectivity and, when params["channels"]
// is set, publishes the summary.
func FleetReportTask(reg fleet, dispatcher publisher) Task {
	return TaskFunc(func(ctx context.Context, params map[string]any) (any, error) {
		agents := reg.List()

		var offline []string
		connected := 0
		for _, a := range agents {
			if a.Connected {
				connected++
				continue
			}
			offline = append(offline, a.ID)
		}

		report := map[string]any{
			"total":     len(agents),
			"connected": connected,
			"offline":   offline,
		}

		channels := stringsParam(params, "channels")
		if len(channels) == 0 || dispatcher == nil {
			return report, nil
		}

		body := fmt.Sprintf("%d of %d agents connected.", connected, len(agents))
		if len(offline) > 0 {
			body += " Offline: " + strings.Join(offline, ", ") + "."
		}
		priority := notify.PriorityLow
		if len(offline) > 0 {
			priority = notify.PriorityNormal
		}

		id, err := dispatcher.Publish(ctx, notify.Message{
			Title:    "Fleet report",
			Body:     body,
			Priority: priority,
			Source:   "scheduler",
		}, channels)
		if err != nil {
			return nil, err
		}
		report["message_id"] = id
		return report, nil
	})
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

func durationParam(params map[string]any, key string, def time.Duration) (time.Duration, error) {
	switch v := params[key].(type) {
	case nil:
		return def, nil
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("param %s: %w", key, err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("param %s: unsupported type %T", key, v)
	}
}
