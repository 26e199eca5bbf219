// Package kafka publishes engine events to Kafka. Two clients are
// supported behind Publisher: segmentio/kafka-go (Writer) and IBM/sarama
// (SyncPublisher).
package kafka

import "context"

// Message is one record to publish on the publisher's topic.
type Message struct {
	Key   []byte
	Value []byte
}

// Publisher writes batches of messages synchronously. A nil error means
// every message in the batch was acknowledged.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}
