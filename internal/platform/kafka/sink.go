// Package kafka provides the SIEM feed producer. Exported audit
// batches are produced to a single topic as line-delimited JSON
// records, one record per message.
package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Sink produces export records to a Kafka topic.
type Sink struct {
	client *kgo.Client
	topic  string
}

// NewSink connects a producer for the given brokers and topic.
func NewSink(brokers []string, topic string) (*Sink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Sink{client: client, topic: topic}, nil
}

// Write produces the batch and blocks until the broker acknowledges
// every record. The exporter checkpoints only after Write returns nil.
func (s *Sink) Write(ctx context.Context, records [][]byte) error {
	msgs := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, &kgo.Record{Topic: s.topic, Value: r})
	}
	if err := s.client.ProduceSync(ctx, msgs...).FirstErr(); err != nil {
		return fmt.Errorf("produce export batch: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (s *Sink) Close() {
	s.client.Close()
}
