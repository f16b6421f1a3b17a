package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

// SQSAPI is the part of sqs.Client the publisher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends lifecycle events to an SQS queue. On a FIFO queue the
// booking id is the message group, so one booking's events stay ordered,
// and the event id deduplicates redeliveries from the outbox.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	source   string
	fifo     bool
}

func NewSQSPublisher(client SQSAPI, queueURL, source string) *SQSPublisher {
	if client == nil || strings.TrimSpace(queueURL) == "" {
		return nil
	}
	if strings.TrimSpace(source) == "" {
		source = "massage-dispatch"
	}
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		source:   source,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

func (p *SQSPublisher) Publish(ctx context.Context, evt dispatch.LifecycleEvent) error {
	id := uuid.NewString()
	payload, err := json.Marshal(transitionFromLifecycle(id, evt))
	if err != nil {
		return fmt.Errorf("events: marshal transition: %w", err)
	}
	return p.send(ctx, evt.BookingID, TransitionEventType, id, payload)
}

// Handle forwards an outbox entry unchanged.
func (p *SQSPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	return p.send(ctx, entry.BookingID, entry.Type, entry.ID.String(), entry.Payload)
}

func (p *SQSPublisher) send(ctx context.Context, bookingID, eventType, eventID string, payload []byte) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": stringAttribute(eventType),
			"event_id":   stringAttribute(eventID),
			"booking_id": stringAttribute(bookingID),
			"source":     stringAttribute(p.source),
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(bookingID)
		input.MessageDeduplicationId = aws.String(eventID)
	}
	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("events: sqs send %s: %w", bookingID, err)
	}
	return nil
}

func stringAttribute(v string) sqstypes.MessageAttributeValue {
	return sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}
