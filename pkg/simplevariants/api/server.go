// Package api exposes the variant service over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-variants/pkg/simplevariants"
	"github.com/tendant/simple-variants/pkg/simplevariants/refstrategy"
)

// Config wires the HTTP layer.
type Config struct {
	Service simplevariants.Service
	// Refs builds the link URL returned when a link is created.
	Refs refstrategy.Strategy
	// Auth verifies bearer tokens. The "sub" claim carries the account ID
	// and a true "admin" claim opens the admin routes.
	Auth *jwtauth.JWTAuth
	// RequestLogger enables access logs when set.
	RequestLogger *httplog.Logger
	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	// MaxUploadBytes bounds multipart uploads (default 32 MiB).
	MaxUploadBytes int64
}

// Server holds the handlers for every route.
type Server struct {
	svc            simplevariants.Service
	refs           refstrategy.Strategy
	auth           *jwtauth.JWTAuth
	logger         *slog.Logger
	maxUploadBytes int64
}

// NewAuth returns an HS256 verifier for secret.
func NewAuth(secret string) *jwtauth.JWTAuth {
	return jwtauth.New("HS256", []byte(secret), nil)
}

// NewRouter builds the chi router serving /health, /metrics and /api/v1.
func NewRouter(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("service is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("auth is required")
	}
	if cfg.Refs == nil {
		cfg.Refs = refstrategy.NewAPIStrategy("/api/v1")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	s := &Server{
		svc:            cfg.Service,
		refs:           cfg.Refs,
		auth:           cfg.Auth,
		logger:         cfg.Logger,
		maxUploadBytes: cfg.MaxUploadBytes,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.RequestLogger != nil {
		r.Use(httplog.RequestLogger(cfg.RequestLogger, []string{"/health", "/metrics"}))
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Knowing the link ID is the capability.
		r.Get("/links/{linkID}", s.GetLink)

		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(s.auth))
			r.Use(jwtauth.Authenticator)

			r.Post("/images", s.UploadImage)
			r.Get("/images", s.ListImages)
			r.Post("/images/{id}/links", s.CreateLink)
			r.Get("/images/{id}/thumbnails/{size}", s.GetThumbnail)
			r.Get("/images/{id}/original", s.GetOriginal)

			r.Route("/admin", func(r chi.Router) {
				r.Use(requireAdmin)
				r.Post("/size-classes", s.RegisterSizeClass)
				r.Get("/size-classes", s.ListSizeClasses)
				r.Post("/plans", s.CreatePlan)
				r.Get("/plans", s.ListPlans)
				r.Post("/accounts", s.CreateAccount)
				r.Get("/accounts/{id}", s.GetAccount)
				r.Put("/accounts/{id}/plan", s.ChangePlan)
				r.Post("/accounts/{id}/resync", s.ResyncAccount)
			})
		})
	})
	return r, nil
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// writeServiceError maps the error kinds of the service to status codes.
// Expired is checked first: an expired link is gone, not missing.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, simplevariants.ErrExpired):
		writeError(w, r, http.StatusGone, "expired", "link has expired")
	case errors.Is(err, simplevariants.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, simplevariants.ErrInvalidArgument):
		writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, simplevariants.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, simplevariants.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, simplevariants.ErrPoolClosed):
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "service is shutting down")
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

// requesterID returns the account named by the token's sub claim.
func requesterID(r *http.Request) (uuid.UUID, bool) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return uuid.Nil, false
	}
	sub, _ := claims["sub"].(string)
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing token")
			return
		}
		if admin, _ := claims["admin"].(bool); !admin {
			writeError(w, r, http.StatusForbidden, "forbidden", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
