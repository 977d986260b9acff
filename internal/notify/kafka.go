package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

// Kafka publishes notices to a topic and waits for broker delivery.
type Kafka struct {
	producer producer
	topic    string
}

// NewKafka connects a producer to brokers.
func NewKafka(brokers, topic string) (*Kafka, error) {
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Kafka{producer: p, topic: topic}, nil
}

// Notify produces n keyed by recipient so one address stays on one partition.
func (k *Kafka) Notify(ctx context.Context, n Notice) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	// buffered so a late delivery report never blocks the producer after ctx gives up
	delivery := make(chan kafka.Event, 1)
	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(n.Recipient),
		Value:          value,
	}, delivery)
	if err != nil {
		return fmt.Errorf("produce notice: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-delivery:
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				return fmt.Errorf("deliver notice: %w", ev.TopicPartition.Error)
			}
			return nil
		default:
			return fmt.Errorf("unexpected kafka event type: %T", e)
		}
	}
}

func (k *Kafka) Close() error {
	k.producer.Close()
	return nil
}
