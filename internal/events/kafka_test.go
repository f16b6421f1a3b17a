package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaPublisherKeysByBooking(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, "")
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), dispatch.LifecycleEvent{
		BookingID: "b1", From: dispatch.StateBroadcasting, To: dispatch.StateExpired, Reason: dispatch.ReasonNoResponse, Attempt: 3, At: at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "b1", string(msg.Key))
	assert.Equal(t, TransitionEventType, header(msg, "event_type"))
	assert.Equal(t, "massage-dispatch", header(msg, "source"))

	var body BookingTransitionV1
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "broadcasting", body.From)
	assert.Equal(t, "expired", body.To)
	assert.Equal(t, dispatch.ReasonNoResponse, body.Reason)
	assert.Equal(t, 3, body.Attempt)
	assert.Equal(t, header(msg, "event_id"), body.EventID)
}

func TestKafkaPublisherHandlesOutboxEntry(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, "api")
	id := uuid.New()

	require.NoError(t, p.Handle(context.Background(), OutboxEntry{ID: id, BookingID: "b2", Type: TransitionEventType, Payload: json.RawMessage(`{"to":"accepted"}`)}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, id.String(), header(w.msgs[0], "event_id"))
	assert.JSONEq(t, `{"to":"accepted"}`, string(w.msgs[0].Value))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	boom := errors.New("leader not available")
	p := NewKafkaPublisher(&fakeWriter{err: boom}, "api")
	err := p.Publish(context.Background(), dispatch.LifecycleEvent{BookingID: "b1"})
	assert.ErrorIs(t, err, boom)
}

func TestNewKafkaPublisherNilWriter(t *testing.T) {
	assert.Nil(t, NewKafkaPublisher(nil, "api"))
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "booking-lifecycle")
	assert.Equal(t, "booking-lifecycle", w.Topic)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(logging.NewWithWriter("info", &buf))
	require.NoError(t, sink.Publish(context.Background(), dispatch.LifecycleEvent{BookingID: "b1", From: dispatch.StatePending, To: dispatch.StateAssigned}))
	assert.Contains(t, buf.String(), `"booking_id":"b1"`)
	assert.Contains(t, buf.String(), `"to":"assigned"`)
}
