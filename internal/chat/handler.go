package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	httpmiddleware "github.com/wolfman30/massage-dispatch/internal/http/middleware"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

// Store is implemented by RedisStore and MemoryStore.
type Store interface {
	dispatch.ChatPort
	Room(ctx context.Context, roomID string) (Room, error)
	Messages(ctx context.Context, roomID string, limit int64) ([]dispatch.ChatMessage, error)
}

// Handler serves room history and lets participants post.
type Handler struct {
	store  Store
	logger *logging.Logger
	now    func() time.Time
}

func NewHandler(store Store, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chats/{roomID}/messages", func(r chi.Router) {
		r.Get("/", h.ListMessages)
		r.Post("/", h.PostMessage)
	})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := h.authorizedRoom(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	if limit <= 0 || limit > defaultMaxHistory {
		limit = 100
	}
	msgs, err := h.store.Messages(r.Context(), room.ID, limit)
	if err != nil {
		h.logger.Error("chat history failed", "room_id", room.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "chat unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room, "messages": msgs})
}

type postMessageRequest struct {
	Body string `json:"body"`
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	room, ok := h.authorizedRoom(w, r)
	if !ok {
		return
	}
	actor, _ := httpmiddleware.ActorFromContext(r.Context())
	var body postMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	text := strings.TrimSpace(body.Body)
	if text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body required", "field": "body"})
		return
	}
	msg := dispatch.ChatMessage{SenderID: actor.ID, Body: text, Kind: "text", SentAt: h.now()}
	if err := h.store.PostMessage(r.Context(), room.ID, msg); err != nil {
		h.logger.Error("chat post failed", "room_id", room.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "chat unavailable"})
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) authorizedRoom(w http.ResponseWriter, r *http.Request) (Room, bool) {
	actor, ok := httpmiddleware.ActorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return Room{}, false
	}
	room, err := h.store.Room(r.Context(), chi.URLParam(r, "roomID"))
	if errors.Is(err, ErrRoomNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return Room{}, false
	}
	if err != nil {
		h.logger.Error("chat room lookup failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "chat unavailable"})
		return Room{}, false
	}
	if actor.Role != httpmiddleware.RoleAdmin && !room.HasParticipant(actor.ID) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		return Room{}, false
	}
	return room, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
