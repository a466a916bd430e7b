// Package api is the HTTP surface of the service: health checks, the
// user profile endpoints and the metrics endpoint, mounted on a chi router
// behind CORS and request instrumentation.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/choregarden/choregarden-core/pkg/auth"
	"github.com/choregarden/choregarden-core/pkg/metrics"
	"github.com/choregarden/choregarden-core/pkg/users"
)

// DefaultRequestTimeout bounds a single request.
const DefaultRequestTimeout = 30 * time.Second

// Clock reports the database clock. [*postgres.Client] implements it.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// UserService is the part of [*users.Provisioner] the handlers call.
type UserService interface {
	Register(ctx context.Context, id users.Identity) (*users.User, error)
	UpdateDisplayName(ctx context.Context, subjectID, displayName string) (*users.User, error)
}

var _ UserService = (*users.Provisioner)(nil)

// Deps are the collaborators of the router. Metrics may be nil.
type Deps struct {
	Auth    *auth.Authenticator
	Users   UserService
	DB      Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AllowedOrigins lists the origins allowed by CORS. Empty allows any
	// origin.
	AllowedOrigins []string
}

// NewRouter builds the HTTP handler.
//
//	GET  /api/ping
//	GET  /api/pingdeep
//	GET  /api/pingprotected    RequireAuth
//	GET  /api/user/profile     RequireAuth, RequireUser
//	PUT  /api/user/profile     RequireAuth, RequireUser
//	POST /api/user/register    RequireAuth
//	GET  /metrics
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{users: d.Users, db: d.DB, logger: logger}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		instrument(d.Metrics, logger),
		newCORS(d.AllowedOrigins).Handler,
		middleware.Timeout(DefaultRequestTimeout),
	)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", h.ping)
		r.Get("/pingdeep", h.pingDeep)
		r.With(d.Auth.RequireAuth).Get("/pingprotected", h.pingProtected)

		r.Route("/user", func(r chi.Router) {
			r.Use(d.Auth.RequireAuth)
			r.Post("/register", h.register)
			r.With(d.Auth.RequireUser).Get("/profile", h.getProfile)
			r.With(d.Auth.RequireUser).Put("/profile", h.updateProfile)
		})
	})
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	return r
}

func newCORS(origins []string) *cors.Cors {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{auth.HeaderAuthorization, "Content-Type"},
		MaxAge:         600,
	})
}

// instrument records every request on m and logs server errors.
func instrument(m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			m.HTTPRequest(r.Method, route, status, elapsed)

			if status >= http.StatusInternalServerError {
				logger.WarnContext(r.Context(), "request failed",
					"method", r.Method, "route", route, "status", status,
					"duration", elapsed, "request_id", middleware.GetReqID(r.Context()))
			}
		})
	}
}
