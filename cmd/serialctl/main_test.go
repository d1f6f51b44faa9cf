package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serialhub/internal/security"
)

func runCmd(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestEncodeDecode(t *testing.T) {
	code, out, errOut := runCmd(t, "encode", "-client", "42", "-max-usage", "3", "-expires", "2030-06-15")
	require.Equal(t, 0, code, errOut)
	rendered := strings.TrimSpace(out)
	assert.Len(t, strings.Split(rendered, "-"), 7)

	code, out, errOut = runCmd(t, "decode", rendered)
	require.Equal(t, 0, code, errOut)
	var d decoded
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, 42, d.ClientNumber)
	assert.Equal(t, 3, d.MaxUsageCount)
	assert.Equal(t, "2030-06-15", d.Expiration)
	assert.False(t, d.NeverExpires)
	assert.False(t, d.Demo)
}

func TestEncode_NeverAndErrors(t *testing.T) {
	code, out, _ := runCmd(t, "encode", "-client", "1")
	require.Equal(t, 0, code)
	code, out, _ = runCmd(t, "decode", strings.TrimSpace(out))
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"never_expires": true`)

	code, _, errOut := runCmd(t, "encode", "-max-usage", "300")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid serial payload")

	code, _, errOut = runCmd(t, "encode", "-expires", "15/06/2030")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid -expires")
}

func TestDecode_Rejects(t *testing.T) {
	code, _, errOut := runCmd(t, "decode", "AAAA-BBBB")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "malformed serial length")

	code, _, _ = runCmd(t, "decode")
	assert.Equal(t, 1, code)
}

func TestAdminToken(t *testing.T) {
	secret := strings.Repeat("k", 32)
	path := filepath.Join(t.TempDir(), "admin.secret")
	require.NoError(t, os.WriteFile(path, []byte(secret+"\n"), 0o600))

	code, out, errOut := runCmd(t, "admin-token", "-secret-file", path, "-subject", "ops", "-ttl", "1h")
	require.Equal(t, 0, code, errOut)

	authority, err := security.NewAdminTokenAuthority([]byte(secret), "serialhub")
	require.NoError(t, err)
	claims, err := authority.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)

	code, _, errOut = runCmd(t, "admin-token", "-secret-file", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "subject is required")
}

func TestKeygenAndVerifyOffline(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "signing.pem")

	code, out, errOut := runCmd(t, "keygen", "-out", keyPath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "key id: ")
	assert.NotContains(t, out, "PRIVATE KEY")

	raw, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	key, err := security.ParsePrivateKeyPEM(raw)
	require.NoError(t, err)

	pubPath := filepath.Join(dir, "signing.pub")
	require.NoError(t, os.WriteFile(pubPath, []byte(out[strings.Index(out, "-----BEGIN"):]), 0o600))

	issuer, err := security.NewOfflineTokenIssuer("serialhub", time.Hour, key)
	require.NoError(t, err)
	token, _, err := issuer.Issue(security.OfflineClaims{
		SerialID:      uuid.New(),
		SerialNumber:  "AAAA-BBBB",
		DeviceID:      "laptop-1",
		MaxUsageCount: 2,
	})
	require.NoError(t, err)

	code, out, errOut = runCmd(t, "verify-offline", "-pubkey", pubPath, token)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "laptop-1")

	code, _, errOut = runCmd(t, "verify-offline", "-pubkey", pubPath, token+"x")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "token rejected")
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCmd(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "unknown command")

	code, out, _ := runCmd(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "keygen")
}
