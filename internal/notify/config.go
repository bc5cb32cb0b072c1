package notify

import (
	"fmt"
	"time"

	"github.com/EternisAI/silo-monitor/internal/backoff"
	"github.com/nats-io/nats.go/jetstream"
)

type ChannelType string

const (
	ChannelWebhook ChannelType = "webhook"
	ChannelNATS    ChannelType = "nats"
	ChannelLog     ChannelType = "log"
)

type ChannelConfig struct {
	Name    string            `mapstructure:"name"`
	Type    ChannelType       `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Subject string            `mapstructure:"subject"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Backoff backoff.Strategy  `mapstructure:"backoff"`
}

type Config struct {
	HistorySize int             `mapstructure:"history_size"`
	Channels    []ChannelConfig `mapstructure:"channels"`
	Routes      []Route         `mapstructure:"routes"`
}

// BuildChannel constructs the transport for cfg. js may be nil when no NATS
// channel is configured.
func BuildChannel(cfg ChannelConfig, js jetstream.JetStream) (Channel, error) {
	switch cfg.Type {
	case ChannelWebhook:
		if cfg.URL == "" {
			return nil, fmt.Errorf("channel %s: webhook url is required", cfg.Name)
		}
		return NewWebhookChannel(cfg.URL, cfg.Headers), nil
	case ChannelNATS:
		if js == nil {
			return nil, fmt.Errorf("channel %s: nats is not configured", cfg.Name)
		}
		if cfg.Subject == "" {
			return nil, fmt.Errorf("channel %s: subject is required", cfg.Name)
		}
		return NewNATSChannel(js, cfg.Subject), nil
	case ChannelLog, "":
		return LogChannel{}, nil
	default:
		return nil, fmt.Errorf("channel %s: unknown type %q", cfg.Name, cfg.Type)
	}
}

// Configure registers every configured channel on d.
func Configure(d *Dispatcher, channels []ChannelConfig, js jetstream.JetStream) error {
	for _, cfg := range channels {
		ch, err := BuildChannel(cfg, js)
		if err != nil {
			return err
		}
		if err := d.AddChannel(cfg.Name, ch, Policy{Timeout: cfg.Timeout, Backoff: cfg.Backoff}); err != nil {
			return err
		}
	}
	return nil
}
