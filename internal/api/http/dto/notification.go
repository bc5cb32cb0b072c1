package dto

import (
	"time"

	"github.com/EternisAI/silo-monitor/internal/notify"
)

type ActionRequest struct {
	Label string `json:"label" binding:"required"`
	URL   string `json:"url" binding:"required,url"`
}

type PublishRequest struct {
	Title    string            `json:"title" binding:"required,max=500"`
	Body     string            `json:"body"`
	Priority string            `json:"priority" binding:"omitempty,oneof=low normal high critical"`
	Source   string            `json:"source"`
	Channels []string          `json:"channels" binding:"required,min=1,dive,required"`
	Actions  []ActionRequest   `json:"actions" binding:"dive"`
	Labels   map[string]string `json:"labels"`
}

func (r PublishRequest) ToMessage() notify.Message {
	msg := notify.Message{
		Title:    r.Title,
		Body:     r.Body,
		Priority: notify.Priority(r.Priority),
		Source:   r.Source,
		Labels:   r.Labels,
	}
	if msg.Source == "" {
		msg.Source = "api"
	}
	for _, a := range r.Actions {
		msg.Actions = append(msg.Actions, notify.Action{Label: a.Label, URL: a.URL})
	}
	return msg
}

type PublishResponse struct {
	MessageID string   `json:"message_id"`
	Channels  []string `json:"channels"`
}

type DeliveriesResponse struct {
	MessageID  string            `json:"message_id"`
	Deliveries []notify.Delivery `json:"deliveries"`
}

type NotificationsResponse struct {
	Messages []notify.MessageRecord `json:"messages"`
	Count    int                    `json:"count"`
	Channels []string               `json:"channels"`
}

type ReplayResponse struct {
	DeliveryID string    `json:"delivery_id"`
	Status     string    `json:"status"`
	ReplayedAt time.Time `json:"replayed_at"`
}
