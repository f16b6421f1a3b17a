package therapists

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	httpmiddleware "github.com/wolfman30/massage-dispatch/internal/http/middleware"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

// Profiles is implemented by both directories.
type Profiles interface {
	Get(ctx context.Context, id string) (Therapist, error)
	Upsert(ctx context.Context, t Therapist) error
}

// Handler lets therapists publish where they are and what they offer.
type Handler struct {
	profiles Profiles
	logger   *logging.Logger
}

func NewHandler(profiles Profiles, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{profiles: profiles, logger: logger}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(httpmiddleware.RequireRole(httpmiddleware.RoleTherapist)).Route("/therapists/me", func(r chi.Router) {
		r.Get("/", h.GetProfile)
		r.Post("/availability", h.UpdateAvailability)
	})
}

type availabilityRequest struct {
	Name     string       `json:"name"`
	Services []string     `json:"services"`
	Status   Availability `json:"status"`
	Lat      float64      `json:"lat"`
	Lng      float64      `json:"lng"`
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	actor, _ := httpmiddleware.ActorFromContext(r.Context())
	t, err := h.profiles.Get(r.Context(), actor.ID)
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
		return
	}
	if err != nil {
		h.logger.Error("therapist profile lookup failed", "therapist_id", actor.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateAvailability keeps rating, verification and history from the stored
// profile; only self-reported fields change.
func (h *Handler) UpdateAvailability(w http.ResponseWriter, r *http.Request) {
	actor, _ := httpmiddleware.ActorFromContext(r.Context())
	var body availabilityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if !validAvailability(body.Status) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be available, busy or offline", "field": "status"})
		return
	}

	t, err := h.profiles.Get(r.Context(), actor.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		h.logger.Error("therapist profile lookup failed", "therapist_id", actor.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	t.ID = actor.ID
	if name := strings.TrimSpace(body.Name); name != "" {
		t.Name = name
	}
	if body.Services != nil {
		t.Services = cleanServices(body.Services)
	}
	t.Status = body.Status
	t.Lat, t.Lng = body.Lat, body.Lng

	if err := h.profiles.Upsert(r.Context(), t); err != nil {
		h.logger.Error("therapist availability update failed", "therapist_id", actor.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "profile storage unavailable"})
		return
	}
	h.logger.Info("therapist availability updated", "therapist_id", actor.ID, "status", t.Status, "services", len(t.Services))
	writeJSON(w, http.StatusOK, t)
}

func cleanServices(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
