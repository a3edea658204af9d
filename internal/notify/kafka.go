package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/jmerrifield20/autoshield/internal/response"
)

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes reports to a topic, keyed by source address so that
// reports for one source land on one partition in order.
type Kafka struct {
	writer    messageWriter
	topic     string
	onMetrics MetricsRecorder
	logger    *zap.Logger
}

// NewKafka creates a Kafka notifier writing to topic on brokers.
func NewKafka(brokers []string, topic string, logger *zap.Logger) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &Kafka{writer: w, topic: topic, logger: logger}
}

// SetMetricsRecorder configures the metrics callback.
func (k *Kafka) SetMetricsRecorder(fn MetricsRecorder) { k.onMetrics = fn }

// Notify writes r as one message.
func (k *Kafka) Notify(ctx context.Context, r *response.Report) error {
	body, err := json.Marshal(newEnvelope(r))
	if err != nil {
		return fmt.Errorf("kafka: marshal report: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(r.Event.SourceID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(EventProcessed)},
			{Key: "correlation_id", Value: []byte(r.CorrelationID)},
		},
	}

	err = k.writer.WriteMessages(ctx, msg)
	if k.onMetrics != nil {
		k.onMetrics("kafka", err == nil)
	}
	if err != nil {
		k.logger.Warn("kafka: publish failed", zap.String("topic", k.topic), zap.Error(err))
		return fmt.Errorf("kafka: publish to %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }
