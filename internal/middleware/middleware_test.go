package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "serialhub/internal/errors"
	"serialhub/internal/infrastructure"
	"serialhub/internal/security"
	"serialhub/internal/services"
	"serialhub/internal/shared/testutil"
	"serialhub/pkg/contracts/domain"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		assert.Equal(t, seen, infrastructure.GetTraceID(r.Context()))
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		_, err := uuid.Parse(seen)
		assert.NoError(t, err)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "req-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "req-123", seen)
	})

	t.Run("oversized replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", strings.Repeat("a", 200))
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Len(t, seen, 36)
	})
}

func TestRecoverer(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	h := RequestID(Recoverer(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/serials", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, apperrors.TypeInternal, body["type"])
	assert.NotEmpty(t, body["trace_id"])
	assert.True(t, handler.ContainsMessage("panic recovered"))
}

func TestStructuredLogger(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	h := RequestID(StructuredLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.True(t, handler.ContainsMessage("request completed"))
	assert.True(t, handler.ContainsAttr("status", int64(http.StatusTeapot)))
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"https://console.example.com"}})(http.HandlerFunc(okHandler))

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/serials", nil)
		req.Header.Set("Origin", "https://console.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), APIKeyHeader)
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/serials", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(okHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestRequestTimeout(t *testing.T) {
	var deadline time.Time
	var ok bool
	h := RequestTimeout(time.Second)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
}

func TestRateLimiter_PerIP(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	rl := NewRateLimiter(1, 2, logger)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	h := RequestID(rl.Handler(http.HandlerFunc(okHandler)))

	call := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/serials/validate", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusOK, call("10.0.0.1:5001").Code)
	limited := call("10.0.0.1:5002")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, apperrors.TypeRateLimit, decodeProblem(t, limited)["type"])
	assert.True(t, handler.ContainsMessage("rate limit exceeded"))

	// other callers have their own bucket
	assert.Equal(t, http.StatusOK, call("10.0.0.2:5000").Code)

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, call("10.0.0.1:5003").Code)

	now = now.Add(limiterIdleTTL + time.Minute)
	assert.Equal(t, 2, rl.Sweep())
}

type stubVerifier struct {
	claims *security.AdminClaims
	err    error
}

func (s stubVerifier) Verify(string) (*security.AdminClaims, error) {
	return s.claims, s.err
}

type stubClients struct {
	client *domain.Client
	err    error
	gotKey string
}

func (s *stubClients) Authenticate(_ context.Context, _ uuid.UUID, key string) (*domain.Client, error) {
	s.gotKey = key
	return s.client, s.err
}

func TestAuthenticate(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	admin := &security.AdminClaims{Role: security.RoleAdmin}
	admin.Subject = "ops"
	client := &domain.Client{ID: uuid.New(), Active: true}

	tests := []struct {
		name     string
		verifier AdminVerifier
		clients  *stubClients
		headers  map[string]string
		want     int
		admin    bool
	}{
		{"no credentials", stubVerifier{claims: admin}, &stubClients{client: client}, nil, http.StatusUnauthorized, false},
		{"admin bearer", stubVerifier{claims: admin}, &stubClients{}, map[string]string{"Authorization": "Bearer tok"}, http.StatusOK, true},
		{"bad scheme", stubVerifier{claims: admin}, &stubClients{}, map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized, false},
		{"rejected token", stubVerifier{err: errors.New("expired")}, &stubClients{}, map[string]string{"Authorization": "Bearer tok"}, http.StatusUnauthorized, false},
		{"bearer without verifier", nil, &stubClients{}, map[string]string{"Authorization": "Bearer tok"}, http.StatusUnauthorized, false},
		{"client key", nil, &stubClients{client: client}, map[string]string{APIKeyHeader: client.ID.String() + ".shk_abc"}, http.StatusOK, false},
		{"malformed key", nil, &stubClients{client: client}, map[string]string{APIKeyHeader: "nope"}, http.StatusUnauthorized, false},
		{"wrong key", nil, &stubClients{err: services.ErrInvalidAPIKey}, map[string]string{APIKeyHeader: client.ID.String() + ".x"}, http.StatusUnauthorized, false},
		{"inactive client", nil, &stubClients{err: apperrors.ErrClientInactive}, map[string]string{APIKeyHeader: client.ID.String() + ".x"}, http.StatusForbidden, false},
		{"store failure", nil, &stubClients{err: errors.New("db down")}, map[string]string{APIKeyHeader: client.ID.String() + ".x"}, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Principal
			h := Authenticate(logger, tt.verifier, tt.clients)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = PrincipalFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/serials/x/stats", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, tt.admin, got.Admin)
			}
		})
	}
}

func TestAuthenticate_ClientKeySplit(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	id := uuid.New()
	clients := &stubClients{client: &domain.Client{ID: id, Active: true}}

	var got Principal
	h := Authenticate(logger, nil, clients)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(APIKeyHeader, id.String()+".shk_secret")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "shk_secret", clients.gotKey)
	assert.Equal(t, id, got.ClientID)
	assert.False(t, got.Admin)
}

func TestRequireAdmin(t *testing.T) {
	h := RequireAdmin(http.HandlerFunc(okHandler))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithPrincipal(req.Context(), Principal{ClientID: uuid.New()}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithPrincipal(req.Context(), Principal{Subject: "ops", Admin: true}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditLog(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	h := AuditLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/serials/x/stats", nil))
	assert.False(t, handler.ContainsMessage("audit"))

	req := httptest.NewRequest(http.MethodPost, "/serials", nil)
	req = req.WithContext(WithPrincipal(req.Context(), Principal{Subject: "ops", Admin: true}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, handler.ContainsMessage("audit"))
	assert.True(t, handler.ContainsAttr("subject", "ops"))
	assert.True(t, handler.ContainsAttr("status", int64(http.StatusCreated)))
}
