package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints.
		r.Get("/health", s.handleHealth)

		r.Route("/runs", func(r chi.Router) {
			if s.cfg.Auth.Enabled {
				r.Use(s.requireBasicAuth)
			}

			var limiters *clientLimiters

			if s.cfg.RateLimit.Enabled {
				limiters = newClientLimiters(s.cfg.RateLimit.RequestsPerMinute)
				r.Use(chimw.RealIP)
			}

			r.Group(func(r chi.Router) {
				r.Use(rateLimit(limiters, tierHistory))

				r.Get("/", s.handleListRuns)
				r.Get("/latest", s.handleLatestRun)
				r.Get("/latest/metrics", s.handleLatestMetrics)
				r.Get("/{runID}", s.handleGetRun)
				r.Get("/{runID}/workloads", s.handleListWorkloads)
				r.Get("/{runID}/metrics", s.handleRunMetrics)
			})

			r.Group(func(r chi.Router) {
				r.Use(rateLimit(limiters, tierFiles))

				r.Get("/{runID}/files/*", s.handleRunFile)
				r.Head("/{runID}/files/*", s.handleRunFile)
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
