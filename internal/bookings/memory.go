package bookings

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

// MemoryStore keeps bookings in process. It backs local runs without
// DATABASE_URL and the router tests.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*dispatch.Booking
	hub      *hub
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*dispatch.Booking),
		hub:      newHub(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, b *dispatch.Booking) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("bookings: create: id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bookings[b.ID]; exists {
		return fmt.Errorf("bookings: create %s: already exists", b.ID)
	}
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*dispatch.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, dispatch.ErrNotFound
	}
	return b.Clone(), nil
}

// Update applies the patch; a mismatched ExpectState returns ErrConflict.
func (s *MemoryStore) Update(_ context.Context, id string, patch dispatch.Patch) (*dispatch.Booking, error) {
	s.mu.Lock()
	b, ok := s.bookings[id]
	if !ok {
		s.mu.Unlock()
		return nil, dispatch.ErrNotFound
	}
	if patch.ExpectState != nil && b.State != *patch.ExpectState {
		s.mu.Unlock()
		return nil, dispatch.ErrConflict
	}
	patch.Apply(b, s.now())
	out := b.Clone()
	s.mu.Unlock()

	s.hub.publish(out)
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, id string, onChange func(*dispatch.Booking)) (func(), error) {
	return s.hub.subscribeContext(ctx, id, onChange), nil
}

// ListActive returns non-terminal bookings, oldest first.
func (s *MemoryStore) ListActive(context.Context) ([]*dispatch.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*dispatch.Booking, 0, len(s.bookings))
	for _, b := range s.bookings {
		if !b.State.Terminal() {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
