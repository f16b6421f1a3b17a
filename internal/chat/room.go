package chat

import (
	"errors"
	"slices"
	"time"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

const (
	roomKeyPrefix     = "chat:room:"
	messageKeyPrefix  = "chat:messages:"
	roomTTL           = 30 * 24 * time.Hour
	defaultMaxHistory = 500
)

var (
	// ErrRoomNotFound is returned for unknown room ids.
	ErrRoomNotFound = errors.New("chat: room not found")
	// ErrNotParticipant is returned when a sender is not in the room.
	ErrNotParticipant = errors.New("chat: sender is not a participant")
)

// Room is the stored chat room: one per booking.
type Room struct {
	ID           string    `json:"id"`
	BookingID    string    `json:"bookingId"`
	Participants []string  `json:"participants"`
	Service      string    `json:"service,omitempty"`
	Address      string    `json:"address,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RoomID is the deterministic room id for a booking.
func RoomID(bookingID string) string {
	return "chat_booking_" + bookingID
}

func (r Room) HasParticipant(id string) bool {
	return slices.Contains(r.Participants, id)
}

func newRoom(participants []string, rc dispatch.RoomContext, now time.Time) Room {
	return Room{
		ID:           RoomID(rc.BookingID),
		BookingID:    rc.BookingID,
		Participants: dedupe(participants),
		Service:      rc.Service,
		Address:      rc.Address,
		CreatedAt:    now,
	}
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func validMessage(msg dispatch.ChatMessage) error {
	if msg.Body == "" {
		return errors.New("chat: message body required")
	}
	return nil
}
