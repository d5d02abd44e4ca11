package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/whisper/moderation/internal/api/middleware"
	"github.com/whisper/moderation/internal/metrics"
)

// maxBodyBytes fits a full batch of maximum-length messages.
const maxBodyBytes = 2 << 20

// RouterConfig holds what NewRouter wires together.
type RouterConfig struct {
	Logger      zerolog.Logger
	APIKey      string   // empty disables the key check
	CORSOrigins []string // empty allows any origin
	Handler     *Handler
	WebSocket   http.Handler // nil leaves /ws/moderation unrouted
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(middleware.SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(chimw.Recoverer)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.APIKeyHeader},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	h := cfg.Handler

	// Probes and scraping stay open for the orchestrator.
	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.APIKey))

		r.Get("/models/current", h.CurrentModel)
		if cfg.WebSocket != nil {
			r.Handle("/ws/moderation", cfg.WebSocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.MaxBodySize(maxBodyBytes))
			r.Post("/moderate", h.Moderate)
			r.Post("/moderate/batch", h.ModerateBatch)
		})
	})

	// Previous service's routes.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health/ping", h.Ping)
		r.Get("/health/ready", h.LegacyReady)

		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKey(cfg.APIKey))
			r.Get("/models/current", h.LegacyCurrentModel)

			r.Group(func(r chi.Router) {
				r.Use(middleware.MaxBodySize(maxBodyBytes))
				r.Post("/moderation/analyze", h.Analyze)
				r.Post("/moderation/analyze/batch", h.AnalyzeBatch)
			})
		})
	})

	return r
}
