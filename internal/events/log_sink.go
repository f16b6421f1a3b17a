package events

import (
	"context"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

// LogSink records transitions in the log when no broker is configured.
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, evt dispatch.LifecycleEvent) error {
	s.logger.Info("booking transition",
		"booking_id", evt.BookingID,
		"from", evt.From,
		"to", evt.To,
		"event", evt.Event,
		"therapist_id", evt.TherapistID,
		"reason", evt.Reason,
		"attempt", evt.Attempt,
	)
	return nil
}
