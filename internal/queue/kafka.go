package queue

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alfredjeanlab/eventpoller/internal/model"
	"github.com/alfredjeanlab/eventpoller/internal/normalize"
)

// KafkaPublisher publishes summaries to a Kafka topic, keyed by dedup key
// so every summary of one event lands on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for topic on brokers. Writes wait
// for all in-sync replicas.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg *model.SummaryMessage) error {
	data, err := normalize.Encode(msg)
	if err != nil {
		return publishError(msg, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.DedupKey()),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		return publishError(msg, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
