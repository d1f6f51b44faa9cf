package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "serialhub/internal/errors"
	"serialhub/internal/infrastructure"
	"serialhub/internal/security"
	"serialhub/internal/services"
	"serialhub/pkg/contracts/domain"
)

// APIKeyHeader carries a client credential as "<client id>.<api key>".
const APIKeyHeader = "X-API-Key"

const principalKey ctxKey = "principal"

// AdminVerifier validates admin bearer tokens.
type AdminVerifier interface {
	Verify(raw string) (*security.AdminClaims, error)
}

// ClientAuthenticator checks a client API key.
type ClientAuthenticator interface {
	Authenticate(ctx context.Context, id uuid.UUID, key string) (*domain.Client, error)
}

// Principal is the authenticated caller of an admin route.
type Principal struct {
	Subject  string
	Admin    bool
	ClientID uuid.UUID
}

// PrincipalFromContext returns the caller set by Authenticate.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Authenticate accepts either an admin bearer token or a client API key.
// A nil verifier or authenticator disables that scheme.
func Authenticate(logger *slog.Logger, admins AdminVerifier, clients ClientAuthenticator) func(next http.Handler) http.Handler {
	logger = infrastructure.WithComponent(logger, "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if header := r.Header.Get("Authorization"); header != "" {
				scheme, token, ok := strings.Cut(header, " ")
				if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
					logger.WarnContext(ctx, "invalid authorization format",
						slog.String("path", r.URL.Path),
					)
					writeProblem(w, r, http.StatusUnauthorized, "Invalid authorization format. Use: Bearer <token>")
					return
				}
				if admins == nil {
					writeProblem(w, r, http.StatusUnauthorized, "Bearer tokens are not accepted")
					return
				}
				claims, err := admins.Verify(strings.TrimSpace(token))
				if err != nil {
					logger.WarnContext(ctx, "admin authentication failed",
						slog.String("error", err.Error()),
						slog.String("path", r.URL.Path),
						slog.String("remote_addr", r.RemoteAddr),
					)
					writeProblem(w, r, http.StatusUnauthorized, "Invalid or expired token")
					return
				}
				ctx = WithPrincipal(ctx, Principal{Subject: claims.Subject, Admin: true})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if raw := r.Header.Get(APIKeyHeader); raw != "" && clients != nil {
				idPart, key, _ := strings.Cut(raw, ".")
				id, err := uuid.Parse(idPart)
				if err != nil || key == "" {
					writeProblem(w, r, http.StatusUnauthorized, "Malformed API key")
					return
				}
				client, err := clients.Authenticate(ctx, id, key)
				switch {
				case err == nil:
				case errors.Is(err, apperrors.ErrClientInactive):
					writeProblem(w, r, http.StatusForbidden, "Client is not active")
					return
				case errors.Is(err, services.ErrInvalidAPIKey), errors.Is(err, apperrors.ErrClientNotFound):
					logger.WarnContext(ctx, "client authentication failed",
						slog.String("client_id", id.String()),
						slog.String("remote_addr", r.RemoteAddr),
					)
					writeProblem(w, r, http.StatusUnauthorized, "Invalid API key")
					return
				default:
					logger.ErrorContext(ctx, "client authentication error", slog.String("error", err.Error()))
					writeProblem(w, r, http.StatusInternalServerError, "Authentication unavailable")
					return
				}
				ctx = WithPrincipal(ctx, Principal{Subject: "client:" + client.ID.String(), ClientID: client.ID})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			writeProblem(w, r, http.StatusUnauthorized, "Authentication required")
		})
	}
}

// RequireAdmin rejects callers that authenticated with a client key.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeProblem(w, r, http.StatusUnauthorized, "Authentication required")
			return
		}
		if !p.Admin {
			writeProblem(w, r, http.StatusForbidden, "Admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuditLog records who changed what on mutating admin routes.
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	logger = infrastructure.WithComponent(logger, "audit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			p, _ := PrincipalFromContext(r.Context())
			logger.InfoContext(r.Context(), "audit",
				slog.String("subject", p.Subject),
				slog.Bool("admin", p.Admin),
				slog.String("method", r.Method),
				slog.String("route", getRoutePattern(r)),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.statusCode),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
