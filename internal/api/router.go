// Package api implements the ingress handler (C9) and public view
// responder (C13): a chi.Router mounting /api/v1 endpoints and the
// /s/{publicId} public script view, grounded in the teacher's API
// server composition (chi middleware chain, structured per-request
// logging, health/metrics endpoints always mounted alongside the
// feature surface).
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/reelscribe/reelscribe/internal/adapters/messaging"
	"github.com/reelscribe/reelscribe/internal/audit"
	"github.com/reelscribe/reelscribe/internal/gate"
	"github.com/reelscribe/reelscribe/internal/health"
	pipelinestore "github.com/reelscribe/reelscribe/internal/pipeline/store"
	"github.com/reelscribe/reelscribe/internal/ratelimit"
	"github.com/reelscribe/reelscribe/internal/session"
	sqlitestore "github.com/reelscribe/reelscribe/internal/store/sqlite"
	"github.com/rs/zerolog"
)

// Config holds the ingress handler's tunables and cross-cutting
// dependencies that aren't otherwise part of Deps.
type Config struct {
	AdminAPIKey    string
	PublicBaseURL  string
	PerIPRate      int // requests per minute, go-chi/httprate
}

// Deps bundles every component the ingress handler and public view
// responder need.
type Deps struct {
	Config     Config
	Repo       *sqlitestore.Repository
	Jobs       *pipelinestore.JobStore
	Sessions   *session.Manager
	Gate       *gate.Gate
	Messenger  *messaging.Adapter
	Health     *health.Manager
	Logger     zerolog.Logger
}

// Server holds the assembled router and its request-scoped dependencies.
type Server struct {
	deps     Deps
	sf       singleflight.Group
	audit    *audit.Logger
	fastgate *ratelimit.Limiter
}

// New constructs a Server and its chi.Router.
func New(deps Deps) *Server {
	return &Server{deps: deps, audit: audit.NewLogger(), fastgate: ratelimit.New(ratelimit.DefaultConfig())}
}

// Handler builds the full chi.Router: global middleware, health/metrics,
// the /api/v1 ingress surface, and the public view responder.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(httprate.LimitByIP(perMinute(s.deps.Config.PerIPRate), time.Minute))

	r.Get("/health", s.deps.Health.ServeHealth)
	r.Get("/health/detailed", s.deps.Health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/metrics/json", s.handleMetricsJSON)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/script/generate", s.handleCreateReel)
		api.Post("/feedback", s.handleFeedback)

		api.Group(func(admin chi.Router) {
			admin.Use(s.requireAdminKey)
			admin.Get("/dataset/export", s.handleDatasetExport)
			admin.Get("/feedback/stats", s.handleFeedbackStats)
		})
	})

	r.Get("/s/{publicId}", s.handlePublicView)

	return r
}

func perMinute(n int) int {
	if n <= 0 {
		return 60
	}
	return n
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request handled")
		})
	}
}
