package dispatch

import (
	"context"
	"time"
)

// BookingStore persists booking documents and publishes changes.
type BookingStore interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	Update(ctx context.Context, id string, patch Patch) (*Booking, error)
	// Subscribe calls onChange with every committed version of the booking
	// until the returned cancel func is called or ctx ends.
	Subscribe(ctx context.Context, id string, onChange func(*Booking)) (func(), error)
	// ListActive returns every non-terminal booking.
	ListActive(ctx context.Context) ([]*Booking, error)
}

// EligibilityQuery selects therapists able to take a booking.
type EligibilityQuery struct {
	Service  string
	Location Location
	Exclude  []string
}

// Candidate is an eligible therapist with the attributes used for ranking.
type Candidate struct {
	TherapistID       string
	DistanceKm        float64
	Rating            float64
	CompletedBookings int
	Verified          bool
	RegisteredAt      time.Time
}

// TherapistDirectory answers eligibility queries and flips busy-state.
type TherapistDirectory interface {
	Eligible(ctx context.Context, q EligibilityQuery) ([]Candidate, error)
	SetBusy(ctx context.Context, therapistID string, busy bool) error
}

// Notification is a best-effort message for one actor.
type Notification struct {
	Type      string            `json:"type"`
	BookingID string            `json:"bookingId"`
	Title     string            `json:"title,omitempty"`
	Message   string            `json:"message,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Sound     string            `json:"sound,omitempty"`
	Priority  string            `json:"priority,omitempty"`
	ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// Notifier delivers notifications. Failures are reported but never block
// a transition.
type Notifier interface {
	Notify(ctx context.Context, actorID string, n Notification) error
}

// RoomContext describes the booking a chat room belongs to.
type RoomContext struct {
	BookingID   string
	RequesterID string
	TherapistID string
	Service     string
	Address     string
}

// ChatMessage is a line posted into a room.
type ChatMessage struct {
	SenderID string    `json:"senderId"`
	Body     string    `json:"body"`
	Kind     string    `json:"kind"`
	SentAt   time.Time `json:"sentAt"`
}

// ChatPort creates rooms and posts messages. CreateRoom must return the
// existing room id when called again for the same booking.
type ChatPort interface {
	CreateRoom(ctx context.Context, participants []string, rc RoomContext) (string, error)
	PostMessage(ctx context.Context, roomID string, msg ChatMessage) error
}

// CommissionRecord is the platform/provider split for an accepted booking.
type CommissionRecord struct {
	BookingID     string    `json:"bookingId"`
	TherapistID   string    `json:"therapistId"`
	TotalCents    int64     `json:"totalCents"`
	AdminCents    int64     `json:"adminCents"`
	ProviderCents int64     `json:"providerCents"`
	RateBPS       int       `json:"rateBps"`
	CreatedAt     time.Time `json:"createdAt"`
}

// CommissionRecorder splits the booking total and stores at most one record
// per booking. created is false when a record already existed.
type CommissionRecorder interface {
	Record(ctx context.Context, bookingID, therapistID string, totalCents int64) (rec CommissionRecord, created bool, err error)
}

// LifecycleEvent describes one applied transition.
type LifecycleEvent struct {
	BookingID   string    `json:"bookingId"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	Event       Event     `json:"event"`
	TherapistID string    `json:"therapistId,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Attempt     int       `json:"attempt"`
	At          time.Time `json:"at"`
}

// EventSink receives lifecycle events.
type EventSink interface {
	Publish(ctx context.Context, evt LifecycleEvent) error
}
