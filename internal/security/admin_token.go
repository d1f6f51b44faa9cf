package security

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"serialhub/internal/config"
)

// RoleAdmin is the only role the admin surface accepts.
const RoleAdmin = "admin"

const minAdminSecretLen = 32

// AdminClaims identify an operator calling the admin API.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminTokenAuthority issues and verifies HS256 admin bearer tokens.
type AdminTokenAuthority struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAdminTokenAuthority requires a secret of at least 32 bytes.
func NewAdminTokenAuthority(secret []byte, issuer string) (*AdminTokenAuthority, error) {
	if len(secret) < minAdminSecretLen {
		return nil, fmt.Errorf("admin token secret must be at least %d bytes", minAdminSecretLen)
	}
	if issuer == "" {
		return nil, errors.New("token issuer is required")
	}
	return &AdminTokenAuthority{secret: secret, issuer: issuer, now: time.Now}, nil
}

// LoadAdminSecret resolves the admin secret, preferring the inline value
// over the file. An empty result means admin auth is not configured.
func LoadAdminSecret(cfg config.AuthConfig) ([]byte, error) {
	if cfg.AdminTokenSecret != "" {
		return []byte(cfg.AdminTokenSecret), nil
	}
	if cfg.AdminTokenSecretFile == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(cfg.AdminTokenSecretFile)
	if err != nil {
		return nil, fmt.Errorf("read admin token secret: %w", err)
	}
	return []byte(strings.TrimSpace(string(raw))), nil
}

// Issue signs an admin token for subject valid for ttl.
func (a *AdminTokenAuthority) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := a.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(a.secret)
}

// Verify checks signature, issuer, expiry and role.
func (a *AdminTokenAuthority) Verify(raw string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Role != RoleAdmin {
		return nil, errors.New("token does not carry the admin role")
	}
	return claims, nil
}
