// Package notify publishes processed-event reports to downstream consumers.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/response"
)

// EventProcessed is the envelope type for a processed security event.
const EventProcessed = "security_event.processed"

// Envelope wraps a report for delivery.
type Envelope struct {
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Report    *response.Report `json:"report"`
}

func newEnvelope(r *response.Report) Envelope {
	return Envelope{Type: EventProcessed, Timestamp: time.Now().UTC(), Report: r}
}

// Notifier delivers reports. Notify may block while retrying, so callers
// run it off the request path.
type Notifier interface {
	Notify(ctx context.Context, r *response.Report) error
	Close() error
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(kind string, success bool)

// Config selects and configures a notifier.
type Config struct {
	Kind          string   `mapstructure:"kind"`
	WebhookURL    string   `mapstructure:"webhook_url"`
	WebhookSecret string   `mapstructure:"webhook_secret"`
	KafkaBrokers  []string `mapstructure:"kafka_brokers"`
	KafkaTopic    string   `mapstructure:"kafka_topic"`
}

// New builds the notifier named by cfg.Kind: "webhook", "kafka", or
// "none"/"" for a logging no-op.
func New(cfg Config, logger *zap.Logger) (Notifier, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "none", "noop", "log":
		return NewNoop(logger), nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("notify: webhook_url is required for webhook notifier")
		}
		return NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, logger), nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopic == "" {
			return nil, fmt.Errorf("notify: kafka_brokers and kafka_topic are required for kafka notifier")
		}
		return NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, logger), nil
	default:
		return nil, fmt.Errorf("notify: unknown kind %q", cfg.Kind)
	}
}

// Noop logs reports instead of delivering them.
// Use in development or when no sink is configured.
type Noop struct {
	logger *zap.Logger
}

// NewNoop creates a Noop backed by the given logger.
func NewNoop(logger *zap.Logger) *Noop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Noop{logger: logger}
}

// Notify logs the report summary and returns nil.
func (n *Noop) Notify(_ context.Context, r *response.Report) error {
	n.logger.Debug("report (noop, not delivered)",
		zap.String("correlation_id", r.CorrelationID),
		zap.String("source", r.Event.SourceID),
		zap.Int("score", r.Assessment.Score),
		zap.Int("actions", len(r.Outcomes)),
	)
	return nil
}

func (n *Noop) Close() error { return nil }
