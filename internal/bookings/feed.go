package bookings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

const feedChannelPrefix = "booking:changes:"

// Feed carries committed booking snapshots between API replicas over Redis
// pub/sub so a watcher on one node sees writes made on another.
type Feed struct {
	redis  *redis.Client
	tracer trace.Tracer
	logger *logging.Logger
}

func NewFeed(client *redis.Client, logger *logging.Logger) *Feed {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Feed{
		redis:  client,
		tracer: otel.Tracer("massage.internal.bookings.feed"),
		logger: logger,
	}
}

func feedChannel(bookingID string) string {
	return feedChannelPrefix + bookingID
}

// Publish sends the snapshot to every subscriber of the booking.
func (f *Feed) Publish(ctx context.Context, b *dispatch.Booking) error {
	ctx, span := f.tracer.Start(ctx, "bookings.feed.publish")
	defer span.End()

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("bookings: marshal feed snapshot: %w", err)
	}
	if err := f.redis.Publish(ctx, feedChannel(b.ID), data).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("bookings: publish feed: %w", err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed, then calls onChange
// for each snapshot until the cancel func runs or ctx ends.
func (f *Feed) Subscribe(ctx context.Context, bookingID string, onChange func(*dispatch.Booking)) (func(), error) {
	ps := f.redis.Subscribe(ctx, feedChannel(bookingID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("bookings: subscribe feed: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var b dispatch.Booking
				if err := json.Unmarshal([]byte(msg.Payload), &b); err != nil {
					f.logger.Warn("bookings: bad feed payload", "booking_id", bookingID, "error", err)
					continue
				}
				onChange(&b)
			}
		}
	}()
	return cancel, nil
}
