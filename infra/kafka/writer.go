package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	kafkago "github.com/segmentio/kafka-go"
)

type WriterOptions struct {
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// Writer publishes through a kafka-go Writer with RequireAll acks.
type Writer struct {
	writer *kafkago.Writer
}

var _ Publisher = (*Writer)(nil)

func NewWriter(brokers []string, topic string, opts WriterOptions) *Writer {
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 10 * time.Millisecond
	}
	return &Writer{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafkago.CRC32Balancer{},
			RequiredAcks: kafkago.RequireAll,
			Async:        false,
			BatchSize:    opts.BatchSize,
			BatchTimeout: opts.BatchTimeout,
			WriteTimeout: opts.WriteTimeout,
		},
	}
}

func (w *Writer) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := w.writer.WriteMessages(ctx, toKafkaGo(msgs)...); err != nil {
		return errors.Wrapf(err, "kafka-go: write %d messages to %s", len(msgs), w.writer.Topic)
	}
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

func toKafkaGo(msgs []Message) []kafkago.Message {
	out := make([]kafkago.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafkago.Message{Key: m.Key, Value: m.Value}
	}
	return out
}
