package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	httpmiddleware "github.com/wolfman30/massage-dispatch/internal/http/middleware"
)

func withActor(id string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := httpmiddleware.Actor{ID: id, Role: httpmiddleware.RoleTherapist}
			next.ServeHTTP(w, r.WithContext(httpmiddleware.WithActor(r.Context(), actor)))
		})
	}
}

func newNotifyRouter(h *Handler, actorID string) http.Handler {
	r := chi.NewRouter()
	r.Use(withActor(actorID))
	h.RegisterRoutes(r)
	return r
}

func TestRegisterDevice(t *testing.T) {
	devices := NewMemoryDevices()
	router := newNotifyRouter(NewHandler(NewMemoryRealtime(nil), devices, nil), "t1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/devices", strings.NewReader(`{"token":" fcm-1 "}`)))
	require.Equal(t, http.StatusNoContent, rec.Code)
	tokens, _ := devices.Tokens(context.Background(), "t1")
	assert.Equal(t, []string{"fcm-1"}, tokens)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/devices", strings.NewReader(`{"token":""}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/devices/fcm-1", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	tokens, _ = devices.Tokens(context.Background(), "t1")
	assert.Empty(t, tokens)
}

func TestListInbox(t *testing.T) {
	rt := NewMemoryRealtime(nil)
	require.NoError(t, rt.Deliver(context.Background(), "t1", dispatch.Notification{Type: dispatch.NotifyBookingRequest}))
	router := newNotifyRouter(NewHandler(rt, NewMemoryDevices(), nil), "t1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"booking-request"`)
}

func TestStreamNotifications(t *testing.T) {
	rt := NewMemoryRealtime(nil)
	srv := httptest.NewServer(newNotifyRouter(NewHandler(rt, NewMemoryDevices(), nil), "t1"))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/notifications/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// The subscription is registered after the upgrade; keep delivering until
	// the stream is live.
	received := make(chan Envelope, 1)
	go func() {
		var env Envelope
		if err := conn.ReadJSON(&env); err == nil {
			received <- env
		}
	}()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case env := <-received:
			assert.Equal(t, "t1", env.ActorID)
			assert.Equal(t, dispatch.NotifyOfferWithdrawn, env.Type)
			return
		case <-tick.C:
			_ = rt.Deliver(context.Background(), "t1", dispatch.Notification{Type: dispatch.NotifyOfferWithdrawn, BookingID: "b1"})
		case <-deadline:
			t.Fatal("no notification streamed")
		}
	}
}
