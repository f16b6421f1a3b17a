package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Notification types sent to requesters and therapists.
const (
	NotifyBookingRequest   = "booking-request"
	NotifyAutoOpenChat     = "auto-open-chat"
	NotifyBookingAccepted  = "booking-accepted"
	NotifyBookingFailed    = "booking-failed"
	NotifyBookingError     = "booking-error"
	NotifyBookingCancelled = "booking-cancelled"
	NotifyOfferWithdrawn   = "offer-withdrawn"
)

// Alert sounds played on the therapist device.
const (
	SoundNewBooking       = "new-booking"
	SoundEmergencyBooking = "emergency-booking"
)

// Delivery priorities.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// AlertSound picks the sound for an offer of the given urgency.
func AlertSound(u Urgency) string {
	if u == UrgencyEmergency {
		return SoundEmergencyBooking
	}
	return SoundNewBooking
}

// AlertPriority is "high" from the high tier up.
func AlertPriority(u Urgency) string {
	if u.Rank() >= UrgencyHigh.Rank() {
		return PriorityHigh
	}
	return PriorityNormal
}

func offerNotification(b *Booking, mode string) Notification {
	deadline := b.ExpiresAt
	return Notification{
		Type:      NotifyBookingRequest,
		BookingID: b.ID,
		Title:     "New booking request",
		Message:   fmt.Sprintf("%s (%d min) at %s", b.Service.Name, b.Service.DurationMinutes, b.Location.Address),
		Sound:     AlertSound(b.Urgency),
		Priority:  AlertPriority(b.Urgency),
		ExpiresAt: &deadline,
		Data: map[string]string{
			"mode":    mode,
			"urgency": string(b.Urgency),
		},
	}
}

func failedNotification(b *Booking, reason string) Notification {
	msg := "Sorry, no therapist accepted your booking in time. Please try again."
	switch reason {
	case ReasonNoCandidates:
		msg = "Sorry, no therapists are currently available. Please try again later."
	case ReasonDirectory:
		msg = "We could not look up therapists for your booking. Please try again."
	}
	return Notification{
		Type:      NotifyBookingFailed,
		BookingID: b.ID,
		Reason:    reason,
		Message:   msg,
	}
}

// WelcomeMessage is the system line posted when the chat room opens.
func WelcomeMessage(b *Booking) string {
	suffix := b.ID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return fmt.Sprintf("Chat started for booking #%s. Your therapist will arrive at %s.", suffix, b.Location.Address)
}

// outbox collects work that must run after the booking lock is released.
type outbox struct {
	fns []func(context.Context)
}

func (o *outbox) add(fn func(context.Context)) {
	o.fns = append(o.fns, fn)
}

func (o *outbox) run(ctx context.Context) {
	if o == nil {
		return
	}
	for _, fn := range o.fns {
		fn(ctx)
	}
}

// notifier wraps the port with logging and metrics so every send is best-effort.
type notifier struct {
	port    Notifier
	onError func(actorID string, n Notification, err error)
}

func (n notifier) send(ctx context.Context, actorID string, msg Notification) {
	if actorID == "" {
		return
	}
	if err := n.port.Notify(ctx, actorID, msg); err != nil {
		n.onError(actorID, msg, err)
	}
}

// fanout sends msg to every actor concurrently and waits for all of them.
func (n notifier) fanout(ctx context.Context, actorIDs []string, msg Notification) {
	var wg sync.WaitGroup
	for _, id := range actorIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			n.send(ctx, id, msg)
		}(id)
	}
	wg.Wait()
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, Notification) error { return nil }

type nopChat struct{}

func (nopChat) CreateRoom(_ context.Context, _ []string, rc RoomContext) (string, error) {
	return "chat_booking_" + rc.BookingID, nil
}

func (nopChat) PostMessage(context.Context, string, ChatMessage) error { return nil }

type nopCommissions struct{}

func (nopCommissions) Record(_ context.Context, bookingID, therapistID string, total int64) (CommissionRecord, bool, error) {
	return CommissionRecord{BookingID: bookingID, TherapistID: therapistID, TotalCents: total, CreatedAt: time.Now().UTC()}, true, nil
}

type nopEvents struct{}

func (nopEvents) Publish(context.Context, LifecycleEvent) error { return nil }
