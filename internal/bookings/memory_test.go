package bookings

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

func sampleBooking(id string) *dispatch.Booking {
	now := time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)
	return &dispatch.Booking{
		ID:          id,
		RequesterID: "cust-1",
		Contact:     dispatch.Contact{Name: "Ana", Phone: "+15550101"},
		Service:     dispatch.Service{Name: "swedish", DurationMinutes: 90, PriceCents: 15000},
		Location:    dispatch.Location{Address: "4 Pier Rd", Lat: 40.7, Lng: -74},
		Urgency:     dispatch.UrgencyHigh,
		State:       dispatch.StatePending,
		ExpiresAt:   now.Add(5 * time.Minute),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryStoreGuardedUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, sampleBooking("b1")))
	require.Error(t, s.Create(ctx, sampleBooking("b1")))

	pending := dispatch.StatePending
	assigned := dispatch.StateAssigned
	therapist := "t1"
	got, err := s.Update(ctx, "b1", dispatch.Patch{ExpectState: &pending, State: &assigned, AssignedTherapist: &therapist})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StateAssigned, got.State)

	_, err = s.Update(ctx, "b1", dispatch.Patch{ExpectState: &pending, State: &assigned})
	assert.ErrorIs(t, err, dispatch.ErrConflict)

	_, err = s.Update(ctx, "nope", dispatch.Patch{})
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b := sampleBooking("b1")
	b.Offered = []string{"t1"}
	require.NoError(t, s.Create(ctx, b))
	b.Offered[0] = "mutated"

	got, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, got.Offered)
	got.Offered[0] = "again"

	again, _ := s.Get(ctx, "b1")
	assert.Equal(t, []string{"t1"}, again.Offered)
}

func TestMemoryStoreSubscribe(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, sampleBooking("b1")))

	var calls atomic.Int32
	cancel, err := s.Subscribe(ctx, "b1", func(b *dispatch.Booking) {
		if b.ID == "b1" {
			calls.Add(1)
		}
	})
	require.NoError(t, err)

	room := "chat_booking_b1"
	_, err = s.Update(ctx, "b1", dispatch.Patch{ChatRoomID: &room})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	cancel()
	cancel()
	_, err = s.Update(ctx, "b1", dispatch.Patch{ChatRoomID: &room})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = s.Subscribe(ctx, "b1", func(*dispatch.Booking) { calls.Add(1) })
	require.NoError(t, err)
	cancelCtx()
	require.Eventually(t, func() bool { return s.hub.size("b1") == 0 }, time.Second, time.Millisecond)
}

func TestMemoryStoreListActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first := sampleBooking("b1")
	second := sampleBooking("b2")
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	done := sampleBooking("b3")
	done.State = dispatch.StateExpired
	for _, b := range []*dispatch.Booking{second, done, first} {
		require.NoError(t, s.Create(ctx, b))
	}

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "b1", active[0].ID)
	assert.Equal(t, "b2", active[1].ID)
}
