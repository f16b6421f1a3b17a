package notify

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

type mockChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []string
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Deliver(_ context.Context, actorID string, n dispatch.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, actorID+":"+n.Type)
	return m.err
}

func TestServiceFansOutToEveryChannel(t *testing.T) {
	a := &mockChannel{name: "a"}
	b := &mockChannel{name: "b"}
	svc := NewService(nil, a, nil, b)

	err := svc.Notify(context.Background(), "t1", dispatch.Notification{Type: dispatch.NotifyBookingRequest, BookingID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1:booking-request"}, a.sent)
	assert.Equal(t, []string{"t1:booking-request"}, b.sent)
}

func TestServiceKeepsGoingWhenAChannelFails(t *testing.T) {
	boom := errors.New("fcm down")
	failing := &mockChannel{name: "push", err: boom}
	ok := &mockChannel{name: "realtime"}
	var buf bytes.Buffer
	svc := NewService(logging.NewWithWriter("info", &buf), failing, ok)

	err := svc.Notify(context.Background(), "c1", dispatch.Notification{Type: dispatch.NotifyBookingFailed})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Len(t, ok.sent, 1)
	assert.Contains(t, buf.String(), `"channel":"push"`)
}

func TestServiceRequiresActor(t *testing.T) {
	svc := NewService(nil, &mockChannel{name: "a"})
	assert.Error(t, svc.Notify(context.Background(), "", dispatch.Notification{}))
}

func TestServiceWithoutChannelsIsNoop(t *testing.T) {
	svc := NewService(nil)
	assert.NoError(t, svc.Notify(context.Background(), "c1", dispatch.Notification{Type: "x"}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
}
