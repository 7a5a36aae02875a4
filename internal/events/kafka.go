package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaEmitter publishes events to a Kafka topic, keyed by the subject
// entity so per-entity ordering survives partitioning. A nil writer disables
// publishing, which keeps broker-less deployments wiring-compatible.
type KafkaEmitter struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaEmitter(writer *kafka.Writer, logger *slog.Logger) *KafkaEmitter {
	return &KafkaEmitter{writer: writer, logger: logger}
}

// NewKafkaWriter builds a writer for the broker list and topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func (k *KafkaEmitter) Emit(ctx context.Context, event *Event) {
	if k == nil || k.writer == nil {
		return
	}

	value, err := json.Marshal(event)
	if err != nil {
		Dropped(event.Type, "kafka")
		return
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Key()),
		Value: value,
		Time:  event.OccurredAt,
	})
	if err != nil {
		Dropped(event.Type, "kafka")
		k.logger.Warn("kafka publish failed",
			"event_id", event.ID,
			"type", event.Type,
			"error", err)
	}
}

func (k *KafkaEmitter) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
