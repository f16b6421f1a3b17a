package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreCreateRoomIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	rc := dispatch.RoomContext{BookingID: "b1", RequesterID: "c1", TherapistID: "t1", Address: "12 Harbor St"}

	id, err := store.CreateRoom(ctx, []string{"c1", "t1", "t1"}, rc)
	require.NoError(t, err)
	assert.Equal(t, "chat_booking_b1", id)

	again, err := store.CreateRoom(ctx, []string{"c1", "t9"}, rc)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	room, err := store.Room(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "t1"}, room.Participants, "first room wins")
	assert.True(t, mr.TTL(roomKey(id)) > 0)
}

func TestRedisStorePostAndList(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	store.maxMessages = 3

	err := store.PostMessage(ctx, "chat_booking_missing", dispatch.ChatMessage{Body: "hi"})
	assert.ErrorIs(t, err, ErrRoomNotFound)

	id, err := store.CreateRoom(ctx, []string{"c1", "t1"}, dispatch.RoomContext{BookingID: "b1"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.PostMessage(ctx, id, dispatch.ChatMessage{SenderID: "c1", Body: fmt.Sprintf("m%d", i), SentAt: time.Now()}))
	}

	msgs, err := store.Messages(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].Body)
	assert.Equal(t, "m4", msgs[2].Body)

	last, err := store.Messages(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "m4", last[0].Body)

	assert.Error(t, store.PostMessage(ctx, id, dispatch.ChatMessage{SenderID: "c1"}))
}

func TestRedisStoreMissingRoom(t *testing.T) {
	store, _ := newRedisStore(t)
	_, err := store.Room(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestNewRedisStoreNilClient(t *testing.T) {
	assert.Nil(t, NewRedisStore(nil))
}
