package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
)

// SyncPublisher publishes through a sarama SyncProducer.
type SyncPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

var _ Publisher = (*SyncPublisher)(nil)

// NewSaramaConfig is the producer config NewSyncPublisher uses.
func NewSaramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

// NewSyncPublisher dials brokers.
func NewSyncPublisher(brokers []string, topic, clientID string) (*SyncPublisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewSaramaConfig(clientID))
	if err != nil {
		return nil, errors.Wrap(err, "sarama: new sync producer")
	}
	return NewSyncPublisherFrom(producer, topic), nil
}

// NewSyncPublisherFrom wraps an existing producer, e.g. a sarama mock.
func NewSyncPublisherFrom(producer sarama.SyncProducer, topic string) *SyncPublisher {
	return &SyncPublisher{producer: producer, topic: topic}
}

func (p *SyncPublisher) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := make([]*sarama.ProducerMessage, len(msgs))
	for i, m := range msgs {
		batch[i] = &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.ByteEncoder(m.Key),
			Value: sarama.ByteEncoder(m.Value),
		}
	}
	if err := p.producer.SendMessages(batch); err != nil {
		return errors.Wrapf(err, "sarama: send %d messages to %s", len(msgs), p.topic)
	}
	return nil
}

func (p *SyncPublisher) Close() error {
	return p.producer.Close()
}
