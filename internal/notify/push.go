package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

const devicesKeyPrefix = "notify:devices:"

// MessageSender is the part of the FCM client push needs.
type MessageSender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// NewFirebaseSender builds an FCM client from a service-account file.
func NewFirebaseSender(ctx context.Context, credentialsFile string) (*messaging.Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("notify: firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: firebase messaging: %w", err)
	}
	return client, nil
}

// DeviceStore keeps the FCM registration tokens per actor.
type DeviceStore interface {
	Register(ctx context.Context, actorID, token string) error
	Tokens(ctx context.Context, actorID string) ([]string, error)
	Remove(ctx context.Context, actorID, token string) error
}

// Push sends notifications to every registered device of the actor.
type Push struct {
	sender  MessageSender
	devices DeviceStore
	logger  *logging.Logger
	now     func() time.Time
}

func NewPush(sender MessageSender, devices DeviceStore, logger *logging.Logger) *Push {
	if sender == nil || devices == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Push{sender: sender, devices: devices, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (p *Push) Name() string { return "push" }

// Deliver sends one message per device. Tokens FCM reports as unregistered
// are removed.
func (p *Push) Deliver(ctx context.Context, actorID string, n dispatch.Notification) error {
	tokens, err := p.devices.Tokens(ctx, actorID)
	if err != nil {
		return fmt.Errorf("notify: load devices: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	var errs []error
	for _, token := range tokens {
		if _, err := p.sender.Send(ctx, p.message(token, n)); err != nil {
			if messaging.IsUnregistered(err) {
				p.logger.Info("notify: removing unregistered device", "actor_id", actorID)
				if rmErr := p.devices.Remove(ctx, actorID, token); rmErr != nil {
					errs = append(errs, rmErr)
				}
				continue
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: push: %w", errors.Join(errs...))
	}
	return nil
}

func (p *Push) message(token string, n dispatch.Notification) *messaging.Message {
	data := map[string]string{
		"type":      n.Type,
		"bookingId": n.BookingID,
	}
	if n.Reason != "" {
		data["reason"] = n.Reason
	}
	for k, v := range n.Data {
		data[k] = v
	}

	sound := n.Sound
	if sound == "" {
		sound = "default"
	}
	androidPriority, apnsPriority := "normal", "5"
	if n.Priority == dispatch.PriorityHigh {
		androidPriority, apnsPriority = "high", "10"
	}

	android := &messaging.AndroidConfig{
		Priority: androidPriority,
		Notification: &messaging.AndroidNotification{
			ChannelID: "booking_alerts",
			Sound:     sound,
		},
	}
	if n.ExpiresAt != nil {
		data["expiresAt"] = strconv.FormatInt(n.ExpiresAt.Unix(), 10)
		ttl := n.ExpiresAt.Sub(p.now())
		if ttl < 0 {
			ttl = 0
		}
		android.TTL = &ttl
	}

	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Message,
		},
		Data:    data,
		Android: android,
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority":  apnsPriority,
				"apns-push-type": "alert",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: sound},
			},
		},
	}
}

// RedisDevices stores tokens in a set per actor.
type RedisDevices struct {
	redis *redis.Client
}

func NewRedisDevices(client *redis.Client) *RedisDevices {
	if client == nil {
		return nil
	}
	return &RedisDevices{redis: client}
}

func (d *RedisDevices) Register(ctx context.Context, actorID, token string) error {
	if err := d.redis.SAdd(ctx, devicesKeyPrefix+actorID, token).Err(); err != nil {
		return fmt.Errorf("notify: register device: %w", err)
	}
	return nil
}

func (d *RedisDevices) Tokens(ctx context.Context, actorID string) ([]string, error) {
	tokens, err := d.redis.SMembers(ctx, devicesKeyPrefix+actorID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("notify: list devices: %w", err)
	}
	sort.Strings(tokens)
	return tokens, nil
}

func (d *RedisDevices) Remove(ctx context.Context, actorID, token string) error {
	if err := d.redis.SRem(ctx, devicesKeyPrefix+actorID, token).Err(); err != nil {
		return fmt.Errorf("notify: remove device: %w", err)
	}
	return nil
}

// MemoryDevices is the in-process DeviceStore.
type MemoryDevices struct {
	mu     sync.Mutex
	tokens map[string]map[string]struct{}
}

func NewMemoryDevices() *MemoryDevices {
	return &MemoryDevices{tokens: make(map[string]map[string]struct{})}
}

func (d *MemoryDevices) Register(_ context.Context, actorID, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tokens[actorID] == nil {
		d.tokens[actorID] = make(map[string]struct{})
	}
	d.tokens[actorID][token] = struct{}{}
	return nil
}

func (d *MemoryDevices) Tokens(_ context.Context, actorID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.tokens[actorID]))
	for t := range d.tokens[actorID] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (d *MemoryDevices) Remove(_ context.Context, actorID, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tokens[actorID], token)
	return nil
}
