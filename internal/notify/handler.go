package notify

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	httpmiddleware "github.com/wolfman30/massage-dispatch/internal/http/middleware"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

const (
	wsWriteWait = 10 * time.Second
	wsPingEvery = 30 * time.Second
)

// Handler serves the notification stream and device registration.
type Handler struct {
	stream   Stream
	devices  DeviceStore
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

func NewHandler(stream Stream, devices DeviceStore, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		stream:  stream,
		devices: devices,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/notifications", h.ListInbox)
	r.Get("/notifications/ws", h.StreamNotifications)
	r.Post("/devices", h.RegisterDevice)
	r.Delete("/devices/{token}", h.RemoveDevice)
}

// ListInbox returns the actor's most recent notifications, newest first.
func (h *Handler) ListInbox(w http.ResponseWriter, r *http.Request) {
	actor, _ := httpmiddleware.ActorFromContext(r.Context())
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	items, err := h.stream.Inbox(r.Context(), actor.ID, limit)
	if err != nil {
		h.logger.Error("notification inbox failed", "actor_id", actor.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "notifications unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

// StreamNotifications upgrades to a websocket and forwards every realtime
// notification for the actor until the client disconnects.
func (h *Handler) StreamNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpmiddleware.ActorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("notification stream upgrade failed", "actor_id", actor.ID, "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	updates, cancel, err := h.stream.Subscribe(ctx, actor.ID)
	if err != nil {
		h.logger.Error("notification stream subscribe failed", "actor_id", actor.ID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(wsWriteWait))
		return
	}
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case env, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

type registerDeviceRequest struct {
	Token string `json:"token"`
}

func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	actor, _ := httpmiddleware.ActorFromContext(r.Context())
	var body registerDeviceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<10)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	token := strings.TrimSpace(body.Token)
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token required", "field": "token"})
		return
	}
	if err := h.devices.Register(r.Context(), actor.ID, token); err != nil {
		h.logger.Error("device registration failed", "actor_id", actor.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "device store unavailable"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	actor, _ := httpmiddleware.ActorFromContext(r.Context())
	if err := h.devices.Remove(r.Context(), actor.ID, chi.URLParam(r, "token")); err != nil {
		h.logger.Error("device removal failed", "actor_id", actor.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "device store unavailable"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
