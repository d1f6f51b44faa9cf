package services

import (
	"crypto/ed25519"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"serialhub/internal/security"
	"serialhub/internal/shared/testutil"
	"serialhub/internal/storage/memory"
	"serialhub/internal/usage"
)

var fastScrypt = security.ScryptParams{N: 1 << 10, R: 8, P: 1}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	registry *SerialRegistry
	clients  *ClientRegistry
	serials  *memory.SerialStore
	clientDB *memory.ClientStore
	usages   *memory.UsageStore
	tracker  *usage.Tracker
	crypto   *security.CryptoService
	clock    *fakeClock
	logs     *testutil.BufferedSlogHandler
}

func newCrypto(t *testing.T, secret string) *security.CryptoService {
	t.Helper()
	key, err := security.GenerateSigningKey()
	require.NoError(t, err)
	return newCryptoWithKey(t, secret, key)
}

func newCryptoWithKey(t *testing.T, secret string, key ed25519.PrivateKey) *security.CryptoService {
	t.Helper()
	svc, err := security.NewCryptoService(security.Options{
		Secret:     []byte(strings.Repeat(secret, 8)),
		Pepper:     []byte("pepper-pepper-pepper"),
		SigningKey: key,
		Scrypt:     fastScrypt,
	})
	require.NoError(t, err)
	return svc
}

func newFixture(t *testing.T, cfg RegistryConfig) *fixture {
	t.Helper()
	logger, logs := testutil.NewTestLogger(t)

	f := &fixture{
		serials:  memory.NewSerialStore(),
		clientDB: memory.NewClientStore(),
		usages:   memory.NewUsageStore(),
		crypto:   newCrypto(t, "secret"),
		clock:    &fakeClock{now: time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)},
		logs:     logs,
	}

	tracker, err := usage.NewTracker(usage.Dependencies{
		Store:   f.usages,
		Serials: f.serials,
		Logger:  logger,
		Now:     f.clock.Now,
	}, usage.Config{LockTimeout: time.Second})
	require.NoError(t, err)
	f.tracker = tracker

	f.registry = f.newRegistry(t, f.crypto, tracker, cfg)
	f.clients = NewClientRegistry(f.clientDB, f.crypto, logger)
	f.clients.now = f.clock.Now
	return f
}

func (f *fixture) newRegistry(t *testing.T, crypto Crypto, tracker UsageTracker, cfg RegistryConfig) *SerialRegistry {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	tokens, err := security.NewOfflineTokenIssuer("serialhub-test", 24*time.Hour, f.crypto.PrivateKey())
	require.NoError(t, err)

	reg, err := NewSerialRegistry(RegistryDeps{
		Serials: f.serials,
		Clients: f.clientDB,
		Tracker: tracker,
		Crypto:  crypto,
		Tokens:  tokens,
		Logger:  logger,
		Now:     f.clock.Now,
	}, cfg)
	require.NoError(t, err)
	return reg
}
