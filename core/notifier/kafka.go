package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic is the kafka topic for shipment events
const DefaultTopic = "shipment_events"

type kafkaWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// Kafka publishes messages to a kafka topic. Messages of one shipment end up in the same
// partition, so consumers see them in order.
type Kafka struct {
	writer kafkaWriter
}

// NewKafka returns a publisher writing to topic on brokers
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Kafka{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}}, nil
}

// Publish implements Publisher
func (k *Kafka) Publish(ctx context.Context, message Message) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(message.Key),
		Value:   message.Payload,
		Time:    message.Time,
		Headers: []kafka.Header{{Key: "type", Value: []byte(message.Type)}},
	})
	if err != nil {
		return fmt.Errorf("cannot write %s to kafka: %w", message.Type, err)
	}
	return nil
}

// Close flushes pending messages
func (k *Kafka) Close() error {
	return k.writer.Close()
}
