package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serialhub/internal/config"
)

var adminSecret = []byte(strings.Repeat("s", 32))

func TestAdminTokenAuthority_RoundTrip(t *testing.T) {
	auth, err := NewAdminTokenAuthority(adminSecret, "serialhub")
	require.NoError(t, err)

	raw, err := auth.Issue("ops@example.com", time.Hour)
	require.NoError(t, err)

	claims, err := auth.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.NotEmpty(t, claims.ID)
}

func TestAdminTokenAuthority_Rejects(t *testing.T) {
	auth, err := NewAdminTokenAuthority(adminSecret, "serialhub")
	require.NoError(t, err)

	other, err := NewAdminTokenAuthority([]byte(strings.Repeat("x", 32)), "serialhub")
	require.NoError(t, err)
	foreign, err := other.Issue("ops", time.Hour)
	require.NoError(t, err)

	otherIssuer, err := NewAdminTokenAuthority(adminSecret, "elsewhere")
	require.NoError(t, err)
	wrongIssuer, err := otherIssuer.Issue("ops", time.Hour)
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	stale, err := NewAdminTokenAuthority(adminSecret, "serialhub")
	require.NoError(t, err)
	stale.now = func() time.Time { return past }
	expired, err := stale.Issue("ops", time.Minute)
	require.NoError(t, err)

	noRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "serialhub",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(adminSecret)
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", "not-a-token"},
		{"foreign secret", foreign},
		{"wrong issuer", wrongIssuer},
		{"expired", expired},
		{"missing role", noRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Verify(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestNewAdminTokenAuthority_ShortSecret(t *testing.T) {
	_, err := NewAdminTokenAuthority([]byte("short"), "serialhub")
	assert.Error(t, err)
}

func TestLoadAdminSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admin.key")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	secret, err := LoadAdminSecret(config.AuthConfig{AdminTokenSecret: "inline", AdminTokenSecretFile: path})
	require.NoError(t, err)
	assert.Equal(t, "inline", string(secret))

	secret, err = LoadAdminSecret(config.AuthConfig{AdminTokenSecretFile: path})
	require.NoError(t, err)
	assert.Equal(t, "from-file", string(secret))

	secret, err = LoadAdminSecret(config.AuthConfig{})
	require.NoError(t, err)
	assert.Nil(t, secret)

	_, err = LoadAdminSecret(config.AuthConfig{AdminTokenSecretFile: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}
