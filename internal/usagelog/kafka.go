package usagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardapi/guard/internal/models"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka mirror
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes persisted entries to a Kafka topic, keyed by kid so a
// key's events stay ordered within a partition
type KafkaSink struct {
	w messageWriter
}

// NewKafkaSink creates a sink backed by a kafka-go Writer
func NewKafkaSink(c KafkaConfig) *KafkaSink {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 200 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Topic:                  c.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           bt,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{w: w}
}

// Publish writes one message per entry
func (s *KafkaSink) Publish(ctx context.Context, entries []*models.UsageLogEntry) error {
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal usage event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.KID),
			Value: value,
			Time:  e.Timestamp,
		})
	}

	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish usage events: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
