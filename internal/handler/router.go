package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orguetta/finely/internal/config"
	bffmiddleware "github.com/orguetta/finely/internal/middleware"
	"github.com/orguetta/finely/pkg/health"
	pkgmiddleware "github.com/orguetta/finely/pkg/middleware"
)

const serviceName = "dashboard-bff"

// Deps are the handlers and collaborators the router mounts.
type Deps struct {
	Config      *config.Config
	Auth        *AuthHandler
	API         http.Handler
	Sessions    bffmiddleware.SessionChecker
	SessionInfo pkgmiddleware.SessionInfo
	Health      *health.Handler
	RateLimiter *bffmiddleware.RateLimiter
	Logger      *slog.Logger
}

// NewRouter creates the BFF router: session endpoints under /auth, the
// finance API under /api, and the operational endpoints.
func NewRouter(d Deps) http.Handler {
	cfg := d.Config
	r := chi.NewRouter()

	cors := pkgmiddleware.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.CORSAllowedOrigins
	cors.MaxAge = cfg.CORSMaxAge
	r.Use(pkgmiddleware.CORS(cors))
	r.Use(pkgmiddleware.Recovery(d.Logger))
	r.Use(chimw.Timeout(cfg.RefreshTimeout + 2*cfg.HTTPTimeout + 5*time.Second))
	r.Use(pkgmiddleware.RequestLogging(d.Logger))
	r.Use(pkgmiddleware.PrometheusMetrics(serviceName))
	r.Use(pkgmiddleware.Tracing(serviceName))
	r.Use(pkgmiddleware.RequestLogger(d.Logger, d.SessionInfo))

	r.Get("/health/live", d.Health.LivenessHandler())
	r.Get("/health/ready", d.Health.ReadinessHandler())

	if cfg.MetricsEnabled {
		r.With(pkgmiddleware.IPAllowlist(cfg.MetricsAllowedCIDRs, d.Logger)).
			Handle("/metrics", promhttp.Handler())
	}
	if cfg.PprofEnabled {
		pkgmiddleware.RegisterPprof(r, cfg.PprofAllowedCIDRs, d.Logger)
	}

	requireSession := bffmiddleware.RequireSession(d.Sessions, d.Logger)

	r.Route("/auth", func(r chi.Router) {
		r.Use(pkgmiddleware.NoStore())

		r.With(d.RateLimiter.Handler).Post("/login", d.Auth.Login)
		r.With(d.RateLimiter.Handler).Post("/register", d.Auth.Register)
		r.Post("/logout", d.Auth.Logout)
		r.Get("/status", d.Auth.Status)

		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			r.Get("/me", d.Auth.Me)
			r.Patch("/profile", d.Auth.UpdateProfile)
			r.Post("/change-password", d.Auth.ChangePassword)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(pkgmiddleware.NoStore())
		r.Use(requireSession)
		r.Handle("/*", d.API)
	})

	return r
}
