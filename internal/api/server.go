// Package api serves the rule management and evaluation HTTP API.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/TimurManjosov/gopolicy/internal/auth"
	"github.com/TimurManjosov/gopolicy/internal/policy"
	"github.com/TimurManjosov/gopolicy/internal/telemetry"
)

// DefaultRequestTimeout leaves room for the evaluation bound plus encoding.
const DefaultRequestTimeout = 10 * time.Second

// Options configure a Server.
type Options struct {
	RateLimitPerIP int // evaluation requests per minute per client IP; 0 disables
	RequestTimeout time.Duration
}

type Server struct {
	svc    *policy.Service
	auth   *auth.Authenticator
	logger *zap.Logger
	opts   Options
}

func NewServer(svc *policy.Service, authn *auth.Authenticator, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Server{svc: svc, auth: authn, logger: logger.Named("api"), opts: opts}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))
	r.Use(telemetry.Middleware)

	// health
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/metadata", s.handleMetadata)
		r.Get("/policies/{policyType}/schema", s.handlePolicySchema)

		r.Get("/rules", s.handleListRules)
		r.Get("/rules/{id}", s.handleGetRule)
		r.Get("/rules/{id}/schema", s.handleRuleSchema)
		r.Post("/rules/generate", s.handleGenerate)
		r.Post("/rules/validate", s.handleValidate)

		// evaluation: rate limited per client IP
		r.Group(func(r chi.Router) {
			if s.opts.RateLimitPerIP > 0 {
				r.Use(httprate.Limit(s.opts.RateLimitPerIP, time.Minute,
					httprate.WithKeyFuncs(httprate.KeyByIP),
					httprate.WithLimitHandler(RateLimitedError)))
			}
			r.Post("/policies/{policyType}/evaluate", s.handleEvaluate)
			r.Post("/rules/{id}/evaluate", s.handleEvaluateRule)
			r.Post("/rules/{id}/test", s.handleTestRule)
		})

		// admin (protected)
		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireAdmin, auth.AdminAudit(s.logger))
			r.Post("/rules", s.handleCreateRule)
			r.Put("/rules/{id}", s.handleUpdateRule)
			r.Post("/rules/{id}/toggle", s.handleToggleRule)
			r.Get("/audit", s.handleListAudit)
		})
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		NotFoundError(w, req, "route not found: "+req.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		errResp := NewErrorResponse(http.StatusMethodNotAllowed, ErrCodeBadRequest, req.Method+" is not allowed on "+req.URL.Path)
		writeErrorResponse(w, req, http.StatusMethodNotAllowed, errResp)
	})

	return r
}
