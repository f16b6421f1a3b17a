package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

// Channel delivers a notification to one actor over one medium.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, actorID string, n dispatch.Notification) error
}

// Service fans a notification out to every configured channel. A failing
// channel does not stop the others; the combined error is returned so the
// caller can count it.
type Service struct {
	channels []Channel
	logger   *logging.Logger
}

// NewService creates a notification service over the given channels. Nil
// channels are skipped.
func NewService(logger *logging.Logger, channels ...Channel) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{logger: logger}
	for _, ch := range channels {
		if ch != nil {
			s.channels = append(s.channels, ch)
		}
	}
	return s
}

// Notify implements dispatch.Notifier.
func (s *Service) Notify(ctx context.Context, actorID string, n dispatch.Notification) error {
	if actorID == "" {
		return errors.New("notify: actor id required")
	}
	if len(s.channels) == 0 {
		s.logger.Debug("notify: no channels configured, dropping notification", "type", n.Type, "actor_id", actorID)
		return nil
	}

	var errs []error
	for _, ch := range s.channels {
		if err := ch.Deliver(ctx, actorID, n); err != nil {
			s.logger.Warn("notify: channel delivery failed",
				"channel", ch.Name(),
				"type", n.Type,
				"actor_id", actorID,
				"booking_id", n.BookingID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		s.logger.Debug("notify: delivered", "channel", ch.Name(), "type", n.Type, "actor_id", actorID)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d of %d channel(s) failed: %w", len(errs), len(s.channels), errors.Join(errs...))
	}
	return nil
}

// LogChannel writes notifications to the log. It is the only channel in
// local development.
type LogChannel struct {
	logger *logging.Logger
}

func NewLogChannel(logger *logging.Logger) *LogChannel {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(_ context.Context, actorID string, n dispatch.Notification) error {
	c.logger.Info("notification",
		"actor_id", actorID,
		"type", n.Type,
		"booking_id", n.BookingID,
		"title", n.Title,
		"message_preview", truncate(n.Message, 60),
	)
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
