package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/massage-dispatch/internal/chat"
	"github.com/wolfman30/massage-dispatch/internal/dispatch"
	httpmiddleware "github.com/wolfman30/massage-dispatch/internal/http/middleware"
	"github.com/wolfman30/massage-dispatch/internal/notify"
	"github.com/wolfman30/massage-dispatch/internal/therapists"
	"github.com/wolfman30/massage-dispatch/pkg/logging"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config holds router configuration
type Config struct {
	Logger              *logging.Logger
	BookingsHandler     *dispatch.Handler
	NotificationHandler *notify.Handler
	TherapistHandler    *therapists.Handler
	ChatHandler         *chat.Handler
	JWTSecret           string
	MetricsHandler      http.Handler
	CORSAllowedOrigins  []string
	HealthChecks        map[string]HealthCheck

	// RateLimitRPS of zero disables per-actor rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	// Context bounds background work started by the router.
	Context context.Context
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints
	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Actor endpoints
	r.Group(func(api chi.Router) {
		api.Use(httpmiddleware.ActorJWT(cfg.JWTSecret))
		if cfg.RateLimitRPS > 0 {
			ctx := cfg.Context
			if ctx == nil {
				ctx = context.Background()
			}
			api.Use(httpmiddleware.RateLimit(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst))
		}
		if cfg.BookingsHandler != nil {
			cfg.BookingsHandler.RegisterRoutes(api)
		}
		if cfg.NotificationHandler != nil {
			cfg.NotificationHandler.RegisterRoutes(api)
		}
		if cfg.TherapistHandler != nil {
			cfg.TherapistHandler.RegisterRoutes(api)
		}
		if cfg.ChatHandler != nil {
			cfg.ChatHandler.RegisterRoutes(api)
		}
	})

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				deps[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}
		body := map[string]any{"status": "ok"}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		if len(deps) > 0 {
			body["dependencies"] = deps
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
