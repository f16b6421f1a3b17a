package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

const (
	actorChannelPrefix = "notify:actor:"
	inboxKeyPrefix     = "notify:inbox:"
	inboxTTL           = 7 * 24 * time.Hour
	inboxSize          = 100
	streamBuffer       = 16
)

// Envelope is a notification as written to an actor's stream and inbox.
type Envelope struct {
	ID      string    `json:"id"`
	ActorID string    `json:"actorId"`
	SentAt  time.Time `json:"sentAt"`
	dispatch.Notification
}

// Stream is the realtime surface the websocket handler reads from.
type Stream interface {
	Subscribe(ctx context.Context, actorID string) (<-chan Envelope, func(), error)
	Inbox(ctx context.Context, actorID string, limit int64) ([]Envelope, error)
}

func newEnvelope(actorID string, n dispatch.Notification) Envelope {
	return Envelope{ID: uuid.NewString(), ActorID: actorID, SentAt: time.Now().UTC(), Notification: n}
}

// RedisRealtime publishes to a per-actor pub/sub channel and keeps a capped
// inbox so a client that reconnects can catch up.
type RedisRealtime struct {
	redis  *redis.Client
	tracer trace.Tracer
	logger *logging.Logger
}

func NewRedisRealtime(client *redis.Client, logger *logging.Logger) *RedisRealtime {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisRealtime{redis: client, tracer: otel.Tracer("massage.internal.notify.realtime"), logger: logger}
}

func (r *RedisRealtime) Name() string { return "realtime" }

func (r *RedisRealtime) Deliver(ctx context.Context, actorID string, n dispatch.Notification) error {
	ctx, span := r.tracer.Start(ctx, "notify.realtime.deliver")
	defer span.End()

	data, err := json.Marshal(newEnvelope(actorID, n))
	if err != nil {
		return fmt.Errorf("notify: marshal envelope: %w", err)
	}
	key := inboxKeyPrefix + actorID
	pipe := r.redis.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, inboxSize-1)
	pipe.Expire(ctx, key, inboxTTL)
	pipe.Publish(ctx, actorChannelPrefix+actorID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("notify: realtime deliver: %w", err)
	}
	return nil
}

func (r *RedisRealtime) Subscribe(ctx context.Context, actorID string) (<-chan Envelope, func(), error) {
	ps := r.redis.Subscribe(ctx, actorChannelPrefix+actorID)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("notify: subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Envelope, streamBuffer)
	in := ps.Channel()
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("notify: bad realtime payload", "actor_id", actorID, "error", err)
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

// Inbox returns the newest notifications first.
func (r *RedisRealtime) Inbox(ctx context.Context, actorID string, limit int64) ([]Envelope, error) {
	if limit <= 0 || limit > inboxSize {
		limit = inboxSize
	}
	raw, err := r.redis.LRange(ctx, inboxKeyPrefix+actorID, 0, limit-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("notify: inbox: %w", err)
	}
	out := make([]Envelope, 0, len(raw))
	for _, item := range raw {
		var env Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// MemoryRealtime is the single-process stream used without Redis.
type MemoryRealtime struct {
	mu     sync.Mutex
	next   int
	subs   map[string]map[int]chan Envelope
	inbox  map[string][]Envelope
	logger *logging.Logger
}

func NewMemoryRealtime(logger *logging.Logger) *MemoryRealtime {
	if logger == nil {
		logger = logging.Default()
	}
	return &MemoryRealtime{
		subs:   make(map[string]map[int]chan Envelope),
		inbox:  make(map[string][]Envelope),
		logger: logger,
	}
}

func (m *MemoryRealtime) Name() string { return "realtime" }

func (m *MemoryRealtime) Deliver(_ context.Context, actorID string, n dispatch.Notification) error {
	env := newEnvelope(actorID, n)
	m.mu.Lock()
	defer m.mu.Unlock()
	box := append([]Envelope{env}, m.inbox[actorID]...)
	if len(box) > inboxSize {
		box = box[:inboxSize]
	}
	m.inbox[actorID] = box
	for _, ch := range m.subs[actorID] {
		select {
		case ch <- env:
		default:
			m.logger.Warn("notify: realtime subscriber full, dropping", "actor_id", actorID, "type", n.Type)
		}
	}
	return nil
}

func (m *MemoryRealtime) Subscribe(ctx context.Context, actorID string) (<-chan Envelope, func(), error) {
	ch := make(chan Envelope, streamBuffer)
	m.mu.Lock()
	m.next++
	key := m.next
	if m.subs[actorID] == nil {
		m.subs[actorID] = make(map[int]chan Envelope)
	}
	m.subs[actorID][key] = ch
	m.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[actorID], key)
			if len(m.subs[actorID]) == 0 {
				delete(m.subs, actorID)
			}
			close(ch)
			m.mu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

func (m *MemoryRealtime) Inbox(_ context.Context, actorID string, limit int64) ([]Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := m.inbox[actorID]
	if limit > 0 && int64(len(box)) > limit {
		box = box[:limit]
	}
	return append([]Envelope(nil), box...), nil
}
