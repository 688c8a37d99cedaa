package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/vantage-api/vantage/internal/auth"
	"github.com/vantage-api/vantage/internal/guard"
	"github.com/vantage-api/vantage/internal/observability"
	"github.com/vantage-api/vantage/internal/platform/httpx"
	"github.com/vantage-api/vantage/internal/users"
	"github.com/vantage-api/vantage/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger      *slog.Logger
	Config      *Config
	AuthHandler *auth.Handler
	// AuthIPLimiter keys on the source address and guards the login route in
	// front of everything else, including body parsing.
	AuthIPLimiter *auth.Limiter
	// Authenticate is the bearer-token guard shared by every protected route.
	Authenticate guard.Guard
	UsersHandler *users.Handler
	JobHandler   *jobs.Handler
	Metrics      *observability.Metrics
}

// NewRouter constructs the chi.Router with Vantage defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)
	if params.Metrics != nil {
		r.Use(params.Metrics.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	ipLimit := guard.RateLimitGuard{
		Limiter: params.AuthIPLimiter,
		KeyFunc: func(r *http.Request) string { return auth.LoginIPKey(httpx.ClientIP(r)) },
	}

	r.Route("/auth", func(r chi.Router) {
		r.Method(http.MethodPost, "/login",
			guard.Chain(http.HandlerFunc(params.AuthHandler.Login), ipLimit))
		r.Method(http.MethodPost, "/refresh",
			guard.Chain(http.HandlerFunc(params.AuthHandler.Refresh), ipLimit))
		r.Post("/logout", params.AuthHandler.Logout)
		r.Method(http.MethodPost, "/logout_all",
			guard.Chain(http.HandlerFunc(params.AuthHandler.LogoutAll), params.Authenticate))
	})

	if params.UsersHandler != nil {
		r.Route("/users", params.UsersHandler.MountRoutes)
		r.Route("/roles", params.UsersHandler.MountRoleRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
