package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// WebhookChannel posts the message as JSON. Any 2xx response is accepted;
// webhooks give no end-to-end confirmation.
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		url:     url,
		headers: headers,
		client:  &http.Client{},
	}
}

func (w *WebhookChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Receipt{}, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return Receipt{Accepted: true}, nil
}

type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSChannel publishes to a JetStream subject. A PubAck means the stream
// persisted the message, which counts as confirmed delivery.
type NATSChannel struct {
	js      streamPublisher
	subject string
}

func NewNATSChannel(js jetstream.JetStream, subject string) *NATSChannel {
	return &NATSChannel{js: js, subject: subject}
}

func (n *NATSChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	// message id doubles as the JetStream dedupe id so retries are idempotent
	ack, err := n.js.Publish(ctx, n.subject, data, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to publish to %s: %w", n.subject, err)
	}

	slog.Debug("Notification published to stream",
		"message_id", msg.ID,
		"stream", ack.Stream,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate)
	return Receipt{Accepted: true, Confirmed: true}, nil
}

// ConnectJetStream dials NATS and ensures a stream covering subject exists.
func ConnectJetStream(ctx context.Context, url, streamName, subject string, opts ...nats.Option) (jetstream.JetStream, *nats.Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if streamName != "" {
		if _, err := js.Stream(ctx, streamName); err != nil {
			_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
				Name:       streamName,
				Subjects:   []string{subject},
				Duplicates: 2 * time.Minute,
			})
			if err != nil {
				nc.Close()
				return nil, nil, fmt.Errorf("failed to create stream %s: %w", streamName, err)
			}
		}
	}

	return js, nc, nil
}

// LogChannel writes notifications to the process log.
type LogChannel struct{}

func (LogChannel) Send(_ context.Context, msg Message) (Receipt, error) {
	slog.Info("Notification",
		"message_id", msg.ID,
		"priority", msg.Priority,
		"source", msg.Source,
		"title", msg.Title,
		"body", msg.Body)
	return Receipt{Accepted: true}, nil
}
