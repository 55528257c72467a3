package external

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"awards-be/internal/domain"
	"awards-be/pkg/logger"
)

// EventStreamConfig configures the Kafka publisher
type EventStreamConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the record published for every outbox entry
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// KafkaPublisher publishes outbox entries keyed by nomination id, so votes,
// moderation and adjustments of one nomination share a partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *logger.Logger
}

// NewKafkaPublisher creates a publisher; no connection is made until the first write
func NewKafkaPublisher(cfg EventStreamConfig, log *logger.Logger) *KafkaPublisher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: timeout,
	}
	return &KafkaPublisher{writer: writer, logger: log.Component("eventstream")}
}

// Publish writes one entry to the stream. Consumers dedupe on the event id.
func (p *KafkaPublisher) Publish(ctx context.Context, entry *domain.OutboxEntry) error {
	data, err := json.Marshal(Event{
		ID:          entry.ID,
		Type:        entry.EventType,
		AggregateID: entry.AggregateID,
		OccurredAt:  entry.CreatedAt,
		Payload:     entry.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(partitionKey(entry)),
		Value: data,
		Time:  entry.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(entry.ID)},
			{Key: "event-type", Value: []byte(entry.EventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: publish %s: %w", domain.ErrExternalSync, entry.EventType, err)
	}
	return nil
}

// partitionKey is the nomination the entry is about. Every payload carries
// one; entries without it fall back to their aggregate id.
func partitionKey(entry *domain.OutboxEntry) string {
	var ref struct {
		NominationID string `json:"nomination_id"`
	}
	if err := json.Unmarshal(entry.Payload, &ref); err == nil && ref.NominationID != "" {
		return ref.NominationID
	}
	return entry.AggregateID
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
