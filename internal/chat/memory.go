package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

// MemoryStore is the in-process chat used when Redis is not configured.
type MemoryStore struct {
	mu       sync.Mutex
	rooms    map[string]Room
	messages map[string][]dispatch.ChatMessage
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]Room),
		messages: make(map[string][]dispatch.ChatMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateRoom(_ context.Context, participants []string, rc dispatch.RoomContext) (string, error) {
	if rc.BookingID == "" {
		return "", errors.New("chat: booking id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := RoomID(rc.BookingID)
	if _, ok := s.rooms[id]; !ok {
		s.rooms[id] = newRoom(participants, rc, s.now())
	}
	return id, nil
}

func (s *MemoryStore) Room(_ context.Context, roomID string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return room, nil
}

func (s *MemoryStore) PostMessage(_ context.Context, roomID string, msg dispatch.ChatMessage) error {
	if err := validMessage(msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = s.now()
	}
	history := append(s.messages[roomID], msg)
	if len(history) > defaultMaxHistory {
		history = history[len(history)-defaultMaxHistory:]
	}
	s.messages[roomID] = history
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, roomID string, limit int64) ([]dispatch.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.messages[roomID]
	if limit > 0 && int64(len(history)) > limit {
		history = history[int64(len(history))-limit:]
	}
	return append([]dispatch.ChatMessage(nil), history...), nil
}
