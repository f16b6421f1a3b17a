package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

// RedisStore keeps rooms as JSON values and history as capped lists.
type RedisStore struct {
	redis       *redis.Client
	tracer      trace.Tracer
	maxMessages int64
	now         func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		return nil
	}
	return &RedisStore{
		redis:       client,
		tracer:      otel.Tracer("massage.internal.chat"),
		maxMessages: defaultMaxHistory,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateRoom stores the room with SETNX so a second call for the same
// booking leaves the first room untouched and returns its id.
func (s *RedisStore) CreateRoom(ctx context.Context, participants []string, rc dispatch.RoomContext) (string, error) {
	if rc.BookingID == "" {
		return "", errors.New("chat: booking id required")
	}
	ctx, span := s.tracer.Start(ctx, "chat.create_room")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", rc.BookingID))

	room := newRoom(participants, rc, s.now())
	data, err := json.Marshal(room)
	if err != nil {
		return "", fmt.Errorf("chat: marshal room: %w", err)
	}
	if _, err := s.redis.SetNX(ctx, roomKey(room.ID), data, roomTTL).Result(); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("chat: create room %s: %w", room.ID, err)
	}
	return room.ID, nil
}

func (s *RedisStore) Room(ctx context.Context, roomID string) (Room, error) {
	raw, err := s.redis.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("chat: load room %s: %w", roomID, err)
	}
	var room Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return Room{}, fmt.Errorf("chat: decode room %s: %w", roomID, err)
	}
	return room, nil
}

func (s *RedisStore) PostMessage(ctx context.Context, roomID string, msg dispatch.ChatMessage) error {
	if err := validMessage(msg); err != nil {
		return err
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = s.now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("chat: marshal message: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "chat.post_message")
	defer span.End()

	exists, err := s.redis.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("chat: check room %s: %w", roomID, err)
	}
	if exists == 0 {
		return ErrRoomNotFound
	}

	key := messageKey(roomID)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, roomTTL)
	if s.maxMessages > 0 {
		pipe.LTrim(ctx, key, -s.maxMessages, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("chat: post message %s: %w", roomID, err)
	}
	return nil
}

// Messages returns up to limit of the newest messages, oldest first. A
// limit of zero returns the whole history.
func (s *RedisStore) Messages(ctx context.Context, roomID string, limit int64) ([]dispatch.ChatMessage, error) {
	ctx, span := s.tracer.Start(ctx, "chat.messages")
	defer span.End()

	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	raw, err := s.redis.LRange(ctx, messageKey(roomID), start, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		return nil, fmt.Errorf("chat: list messages %s: %w", roomID, err)
	}
	out := make([]dispatch.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg dispatch.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			span.RecordError(err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func roomKey(roomID string) string {
	return roomKeyPrefix + roomID
}

func messageKey(roomID string) string {
	return messageKeyPrefix + roomID
}
