package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	httpmiddleware "github.com/wolfman30/massage-dispatch/internal/http/middleware"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

const (
	maxBodyBytes   = 64 << 10
	watchWriteWait = 10 * time.Second
	watchPingEvery = 30 * time.Second
)

// Handler exposes the booking lifecycle over HTTP.
type Handler struct {
	controller *Controller
	logger     *logging.Logger
	upgrader   websocket.Upgrader
}

// NewHandler wires the HTTP surface for the controller.
func NewHandler(controller *Controller, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		controller: controller,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is enforced by the CORS allowlist and the bearer token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the booking routes. The caller must have installed
// ActorJWT in front of r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/bookings", func(r chi.Router) {
		r.With(httpmiddleware.RequireRole(httpmiddleware.RoleCustomer)).Post("/", h.SubmitBooking)
		r.Get("/{bookingID}", h.GetBooking)
		r.Get("/{bookingID}/watch", h.WatchBooking)
		r.With(httpmiddleware.RequireRole(httpmiddleware.RoleTherapist)).Post("/{bookingID}/responses", h.RespondToOffer)
		r.With(httpmiddleware.RequireRole(httpmiddleware.RoleCustomer)).Post("/{bookingID}/cancel", h.CancelBooking)
	})
}

type submitBookingRequest struct {
	RequesterID         string     `json:"requesterId,omitempty"`
	Contact             Contact    `json:"contact"`
	Service             Service    `json:"service"`
	Location            Location   `json:"location"`
	Urgency             Urgency    `json:"urgency"`
	ScheduledFor        *time.Time `json:"scheduledFor,omitempty"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	PreferredTherapists []string   `json:"preferredTherapists,omitempty"`
}

type respondRequest struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

type errorResponse struct {
	Error  string  `json:"error"`
	Field  string  `json:"field,omitempty"`
	Reason string  `json:"reason,omitempty"`
	State  State   `json:"state,omitempty"`
	Status *Status `json:"booking,omitempty"`
}

// SubmitBooking handles POST /bookings.
func (h *Handler) SubmitBooking(w http.ResponseWriter, r *http.Request) {
	actor, _ := httpmiddleware.ActorFromContext(r.Context())
	var body submitBookingRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	requesterID := actor.ID
	if actor.Role == httpmiddleware.RoleAdmin && strings.TrimSpace(body.RequesterID) != "" {
		requesterID = body.RequesterID
	}
	b, err := h.controller.Submit(r.Context(), Request{
		RequesterID:         requesterID,
		Contact:             body.Contact,
		Service:             body.Service,
		Location:            body.Location,
		Urgency:             body.Urgency,
		ScheduledFor:        body.ScheduledFor,
		ExpiresAt:           body.ExpiresAt,
		PreferredTherapists: body.PreferredTherapists,
	})
	if err != nil {
		h.writeError(w, b, err)
		return
	}
	writeJSON(w, http.StatusCreated, b.Status(h.controller.Now()))
}

// GetBooking handles GET /bookings/{bookingID}.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadVisible(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b.Status(h.controller.Now()))
}

// RespondToOffer handles POST /bookings/{bookingID}/responses.
func (h *Handler) RespondToOffer(w http.ResponseWriter, r *http.Request) {
	actor, _ := httpmiddleware.ActorFromContext(r.Context())
	var body respondRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	b, err := h.controller.Respond(r.Context(), chi.URLParam(r, "bookingID"), actor.ID, body.Outcome, body.Reason)
	if err != nil {
		h.writeError(w, b, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Status(h.controller.Now()))
}

// CancelBooking handles POST /bookings/{bookingID}/cancel.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	actor, _ := httpmiddleware.ActorFromContext(r.Context())
	bookingID := chi.URLParam(r, "bookingID")
	requesterID := actor.ID
	if actor.Role == httpmiddleware.RoleAdmin {
		existing, err := h.controller.Get(r.Context(), bookingID)
		if err != nil {
			h.writeError(w, nil, err)
			return
		}
		requesterID = existing.RequesterID
	}
	b, err := h.controller.Cancel(r.Context(), bookingID, requesterID)
	if err != nil {
		h.writeError(w, b, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Status(h.controller.Now()))
}

// WatchBooking upgrades to a websocket and pushes the status view on every
// committed change until the booking is terminal or the client leaves.
func (h *Handler) WatchBooking(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadVisible(w, r)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("booking watch upgrade failed", "booking_id", b.ID, "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	updates := make(chan *Booking, 8)
	cancel, err := h.controller.Subscribe(ctx, b.ID, func(next *Booking) {
		select {
		case updates <- next:
		default:
			// The client is slow; drop the oldest view and keep the newest.
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- next:
			default:
			}
		}
	})
	if err != nil {
		h.logger.Error("booking watch subscribe failed", "booking_id", b.ID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(watchWriteWait))
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

	send := func(view *Booking) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
		return conn.WriteJSON(view.Status(h.controller.Now())) == nil
	}
	// Re-read after subscribing so a change between load and subscribe is not lost.
	if fresh, err := h.controller.Get(ctx, b.ID); err == nil {
		b = fresh
	}
	if !send(b) || b.State.Terminal() {
		return
	}

	ping := time.NewTicker(watchPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				return
			}
		case next := <-updates:
			if !send(next) {
				return
			}
			if next.State.Terminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(next.State)),
					time.Now().Add(watchWriteWait))
				return
			}
		}
	}
}

// loadVisible fetches the booking and checks the actor may see it: the
// requester, any therapist it was offered to, or an admin.
func (h *Handler) loadVisible(w http.ResponseWriter, r *http.Request) (*Booking, bool) {
	actor, ok := httpmiddleware.ActorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return nil, false
	}
	b, err := h.controller.Get(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		h.writeError(w, nil, err)
		return nil, false
	}
	if !canView(actor, b) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return nil, false
	}
	return b, true
}

func canView(actor httpmiddleware.Actor, b *Booking) bool {
	switch actor.Role {
	case httpmiddleware.RoleAdmin:
		return true
	case httpmiddleware.RoleCustomer:
		return b.RequesterID == actor.ID
	case httpmiddleware.RoleTherapist:
		return b.AcceptedBy == actor.ID || containsString(b.Offered, actor.ID) || b.IsBroadcastMember(actor.ID)
	}
	return false
}

func (h *Handler) writeError(w http.ResponseWriter, b *Booking, err error) {
	var (
		verr  *ValidationError
		stale *StaleResponseError
		nc    *NoCandidatesError
		derr  *DirectoryError
		perr  *PersistenceError
	)
	var status *Status
	if b != nil {
		s := b.Status(h.controller.Now())
		status = &s
	}
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "booking not found"})
	case errors.Is(err, ErrNotOwner):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "booking belongs to another requester"})
	case errors.As(err, &stale):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "offer is no longer open", State: stale.State, Status: status})
	case errors.As(err, &nc):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "no therapists available", Reason: nc.Reason(), Status: status})
	case errors.As(err, &derr):
		h.logger.Error("booking request failed on therapist lookup", "booking_id", derr.BookingID, "error", derr.Err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "therapist directory unavailable", Reason: ReasonDirectory, Status: status})
	case errors.As(err, &perr):
		h.logger.Error("booking request failed on storage", "booking_id", perr.BookingID, "op", perr.Op, "error", perr.Err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "booking storage unavailable", Reason: ReasonStoreFailure, Status: status})
	default:
		h.logger.Error("booking request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
