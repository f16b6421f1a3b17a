package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

// MessageWriter is the part of kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer that hashes on the message key so every
// event of a booking lands on the same partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// KafkaPublisher writes lifecycle events keyed by booking id. It serves both
// as a direct dispatch.EventSink and as the outbox DeliveryHandler.
type KafkaPublisher struct {
	writer MessageWriter
	source string
	now    func() time.Time
}

func NewKafkaPublisher(writer MessageWriter, source string) *KafkaPublisher {
	if writer == nil {
		return nil
	}
	if strings.TrimSpace(source) == "" {
		source = "massage-dispatch"
	}
	return &KafkaPublisher{writer: writer, source: source, now: func() time.Time { return time.Now().UTC() }}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt dispatch.LifecycleEvent) error {
	id := uuid.NewString()
	payload, err := json.Marshal(transitionFromLifecycle(id, evt))
	if err != nil {
		return fmt.Errorf("events: marshal transition: %w", err)
	}
	return p.write(ctx, evt.BookingID, TransitionEventType, id, payload)
}

// Handle forwards an outbox entry unchanged.
func (p *KafkaPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	return p.write(ctx, entry.BookingID, entry.Type, entry.ID.String(), entry.Payload)
}

func (p *KafkaPublisher) write(ctx context.Context, bookingID, eventType, eventID string, payload []byte) error {
	msg := kafka.Message{
		Key:   []byte(bookingID),
		Value: payload,
		Time:  p.now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "event_id", Value: []byte(eventID)},
			{Key: "source", Value: []byte(p.source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: kafka write %s: %w", bookingID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
