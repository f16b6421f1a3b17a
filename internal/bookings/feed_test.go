package bookings

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

func TestFeedDeliversSnapshots(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	feed := NewFeed(client, nil)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got []*dispatch.Booking
	)
	cancel, err := feed.Subscribe(ctx, "b1", func(b *dispatch.Booking) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	b := sampleBooking("b1")
	b.State = dispatch.StateAssigned
	b.AssignedTherapist = "t9"
	require.NoError(t, feed.Publish(ctx, b))
	require.NoError(t, feed.Publish(ctx, sampleBooking("other")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, dispatch.StateAssigned, got[0].State)
	assert.Equal(t, "t9", got[0].AssignedTherapist)
}

func TestNewFeedNilClient(t *testing.T) {
	assert.Nil(t, NewFeed(nil, nil))
}
