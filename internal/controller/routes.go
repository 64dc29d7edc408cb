package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-backend/internal/handler"
	"github.com/unclebandit/newsletter-backend/internal/middleware"
)

type RouterConfig struct {
	Newsletters    *NewsletterController
	Tracking       *handler.TrackingHandler
	Logger         *zap.Logger
	AllowedOrigins []string
	JWTSecret      string
	// AuthDisabled skips the admin check. Local development only.
	AuthDisabled bool
}

// NewRouter mounts every route under /api plus /health.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", Health)

	r.Route("/api", func(r chi.Router) {
		// Public: mail clients load the pixel without credentials.
		r.Get("/newsletter/track/{newsletterId}", cfg.Tracking.TrackOpen)
		r.Get("/newsletter/track/{newsletterId}/{subscriberId}", cfg.Tracking.TrackOpen)

		r.Group(func(r chi.Router) {
			if !cfg.AuthDisabled {
				r.Use(middleware.AdminAuth(cfg.JWTSecret))
			}
			nc := cfg.Newsletters
			r.Post("/newsletter/send", nc.SendNewsletter)
			r.Get("/newsletter/status/{id}", nc.GetStatus)
			r.Get("/newsletters", nc.ListNewsletters)
			r.Get("/newsletter/analytics", nc.GetAnalytics)
			r.Get("/newsletter/{id}/recipients", nc.GetRecipients)
			r.Post("/newsletter/resend", nc.ResendNewsletter)
			r.Post("/newsletter/test", nc.SendTestEmail)
			r.Delete("/newsletter/{id}", nc.DeleteNewsletter)
		})
	})

	return r
}
