package events

import (
	"time"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

// TransitionEventType is the outbox and Kafka type of a lifecycle event.
const TransitionEventType = "booking.transition.v1"

// BookingTransitionV1 is the wire form of one applied transition.
type BookingTransitionV1 struct {
	EventID     string    `json:"event_id"`
	BookingID   string    `json:"booking_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Event       string    `json:"event"`
	TherapistID string    `json:"therapist_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Attempt     int       `json:"attempt"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func transitionFromLifecycle(eventID string, evt dispatch.LifecycleEvent) BookingTransitionV1 {
	return BookingTransitionV1{
		EventID:     eventID,
		BookingID:   evt.BookingID,
		From:        string(evt.From),
		To:          string(evt.To),
		Event:       string(evt.Event),
		TherapistID: evt.TherapistID,
		Reason:      evt.Reason,
		Attempt:     evt.Attempt,
		OccurredAt:  evt.At,
	}
}
