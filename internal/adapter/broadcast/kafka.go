package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/flash-drop/internal/core/domain"
)

const DefaultKafkaTopic = "drop-events"

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBroadcaster appends events to a topic keyed by drop id, so events
// for one drop land on one partition.
type KafkaBroadcaster struct {
	writer MessageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaBroadcaster(writer MessageWriter) *KafkaBroadcaster {
	return &KafkaBroadcaster{writer: writer}
}

func (k *KafkaBroadcaster) Emit(ctx context.Context, event domain.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.EventName(), err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(event.PartitionKey()),
		Value:   value,
		Headers: []kafka.Header{{Key: "event", Value: []byte(event.EventName())}},
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", event.EventName(), err)
	}
	return nil
}

func (k *KafkaBroadcaster) Close() error {
	return k.writer.Close()
}
