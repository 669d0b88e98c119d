package api

import (
	"net/http"
	"time"

	"ephemeral.share/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRouter(s SecretService, cfg *config.Config) *chi.Mux {
	h := NewHandler(s, cfg)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(middleware.Recoverer)
	r.Use(Metrics)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	r.Use(CORS(CORSConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		MaxAge:         86400,
	}))

	r.Get("/health", h.Health)

	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		var consume []func(http.Handler) http.Handler
		if cfg.RateLimit.Enabled {
			r.Use(RateLimit(cfg.RateLimit.RequestsPerMin, time.Minute))
			consume = append(consume, RateLimit(cfg.RateLimit.RevealPerMin, time.Minute))
		}

		r.Get("/stats", h.Stats)

		r.Route("/secrets", func(r chi.Router) {
			r.With(JSONOnly).Post("/", h.CreateSecret)
			r.Get("/mine", h.ListMine)
			r.Get("/{id}", h.PeekSecret)
			r.With(consume...).Post("/{id}", h.ConsumeSecret)
			r.Delete("/{id}", h.RevokeSecret)
		})
	})

	return r
}
