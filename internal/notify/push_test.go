package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*messaging.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg *messaging.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "projects/x/messages/1", nil
}

func TestPushSendsToEveryDevice(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	devices := NewMemoryDevices()
	require.NoError(t, devices.Register(ctx, "t1", "tok-b"))
	require.NoError(t, devices.Register(ctx, "t1", "tok-a"))
	push := NewPush(sender, devices, nil)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	push.now = func() time.Time { return now }
	deadline := now.Add(5 * time.Minute)

	err := push.Deliver(ctx, "t1", dispatch.Notification{
		Type:      dispatch.NotifyBookingRequest,
		BookingID: "b1",
		Title:     "New booking",
		Sound:     dispatch.SoundEmergencyBooking,
		Priority:  dispatch.PriorityHigh,
		ExpiresAt: &deadline,
		Data:      map[string]string{"mode": "assignment"},
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 2)

	msg := sender.sent[0]
	assert.Equal(t, "tok-a", msg.Token)
	assert.Equal(t, "high", msg.Android.Priority)
	assert.Equal(t, dispatch.SoundEmergencyBooking, msg.Android.Notification.Sound)
	assert.Equal(t, "10", msg.APNS.Headers["apns-priority"])
	assert.Equal(t, dispatch.SoundEmergencyBooking, msg.APNS.Payload.Aps.Sound)
	assert.Equal(t, "b1", msg.Data["bookingId"])
	assert.Equal(t, "assignment", msg.Data["mode"])
	require.NotNil(t, msg.Android.TTL)
	assert.Equal(t, 5*time.Minute, *msg.Android.TTL)
}

func TestPushNormalPriorityAndDefaultSound(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	devices := NewMemoryDevices()
	require.NoError(t, devices.Register(ctx, "c1", "tok"))

	require.NoError(t, NewPush(sender, devices, nil).Deliver(ctx, "c1", dispatch.Notification{Type: dispatch.NotifyBookingFailed}))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "normal", sender.sent[0].Android.Priority)
	assert.Equal(t, "default", sender.sent[0].Android.Notification.Sound)
	assert.Nil(t, sender.sent[0].Android.TTL)
}

func TestPushWithoutDevicesIsNoop(t *testing.T) {
	sender := &fakeSender{}
	require.NoError(t, NewPush(sender, NewMemoryDevices(), nil).Deliver(context.Background(), "c1", dispatch.Notification{}))
	assert.Empty(t, sender.sent)
}

func TestPushReportsSendErrors(t *testing.T) {
	ctx := context.Background()
	devices := NewMemoryDevices()
	require.NoError(t, devices.Register(ctx, "c1", "tok"))
	boom := errors.New("quota")

	err := NewPush(&fakeSender{err: boom}, devices, nil).Deliver(ctx, "c1", dispatch.Notification{})
	assert.ErrorIs(t, err, boom)
}

func TestNewPushNeedsSenderAndDevices(t *testing.T) {
	assert.Nil(t, NewPush(nil, NewMemoryDevices(), nil))
	assert.Nil(t, NewPush(&fakeSender{}, nil, nil))
}

func TestRedisDevices(t *testing.T) {
	client, _ := newTestRedis(t)
	devices := NewRedisDevices(client)
	ctx := context.Background()

	require.NoError(t, devices.Register(ctx, "t1", "b"))
	require.NoError(t, devices.Register(ctx, "t1", "a"))
	require.NoError(t, devices.Register(ctx, "t1", "a"))
	tokens, err := devices.Tokens(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tokens)

	require.NoError(t, devices.Remove(ctx, "t1", "a"))
	tokens, _ = devices.Tokens(ctx, "t1")
	assert.Equal(t, []string{"b"}, tokens)
}
