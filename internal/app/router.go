package app

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "serialhub/internal/errors"
	customMiddleware "serialhub/internal/middleware"
	handlers "serialhub/internal/transport/http"
)

// setupRouter mounts the API. Order of the global middleware:
// RequestID → RealIP → OTel → Logger → Recoverer → headers → limits.
func (a *Application) setupRouter(ctx context.Context) *chi.Mux {
	cfg := a.Config
	r := chi.NewRouter()

	errs := apperrors.NewErrorHandler(a.Logger, cfg.Logging.Development)
	validator := customMiddleware.NewRequestValidator(a.Logger)

	authenticate := customMiddleware.Authenticate(a.Logger, a.AdminTokens, a.Clients)
	guards := handlers.Guards{
		Authenticate: authenticate,
		Admin:        customMiddleware.RequireAdmin,
		Audit:        customMiddleware.AuditLog(a.Logger),
		Public:       customMiddleware.RateLimit(ctx, cfg.Security.ValidateLimit, a.Logger),
	}

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	// The stream keeps its connection open past any request timeout, so it
	// only gets the minimal middleware.
	stream := handlers.NewUsageStreamHandler(a.Hub, cfg.WebSocket, cfg.Security.AllowedOrigins, errs, a.Logger)
	r.With(
		customMiddleware.WebSocketTraceMiddleware(a.Logger),
		authenticate,
		customMiddleware.RequireAdmin,
	).Handle("/ws/usage", stream)

	// Scraped directly, outside the request metrics it reports.
	r.Handle("/metrics", handlers.NewMetricsHandler(a.OTel.PrometheusHTTP))

	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.NewOTelMiddleware(a.OTel.Tracer, a.Metrics, a.Logger).Handler)
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.SecurityHeaders)
		if cfg.Security.EnableCORS {
			r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
				AllowedOrigins: cfg.Security.AllowedOrigins,
				Logger:         a.Logger,
			}))
		}
		r.Use(customMiddleware.RateLimit(ctx, cfg.Security.RateLimit, a.Logger))
		r.Use(customMiddleware.BodyLimit(cfg.Server.MaxBodyBytes))
		r.Use(customMiddleware.RequestTimeout(cfg.Server.RequestTimeout))
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.ContentTypeValidator("application/json"))

		health := handlers.NewHealthHandler(a.Health, a.Logger)
		r.Get("/healthz", health.LivenessCheck)
		r.Get("/readyz", health.ReadinessCheck)
		r.Get("/version", health.Version)

		serials := handlers.NewSerialHandler(a.Serials, validator, errs, a.Logger)
		clients := handlers.NewClientHandler(a.Clients, validator, errs, a.Logger)

		r.Route("/api/v1", func(r chi.Router) {
			r.Mount("/serials", serials.Routes(guards))
			r.Mount("/clients", clients.Routes(guards))
			r.Get("/keys/signing", serials.SigningKey)
		})

		r.NotFound(errs.NotFound)
		r.MethodNotAllowed(errs.MethodNotAllowed)
	})

	return r
}
