package security

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serialhub/internal/config"
	serialerrors "serialhub/internal/errors"
)

// fastScrypt keeps key derivation cheap in tests.
var fastScrypt = ScryptParams{N: 1 << 10, R: 8, P: 1}

func newTestService(t *testing.T) *CryptoService {
	t.Helper()
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	svc, err := NewCryptoService(Options{
		Secret:         []byte(strings.Repeat("s", 32)),
		Pepper:         []byte(strings.Repeat("p", 32)),
		SigningKey:     key,
		Scrypt:         fastScrypt,
		KDFConcurrency: 2,
	})
	require.NoError(t, err)
	return svc
}

func TestNewCryptoService_Validation(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	base := Options{
		Secret:     []byte("secret"),
		Pepper:     []byte("pepper"),
		SigningKey: key,
		Scrypt:     fastScrypt,
	}

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{"valid", func(*Options) {}, ""},
		{"missing secret", func(o *Options) { o.Secret = nil }, "encryption secret is required"},
		{"missing pepper", func(o *Options) { o.Pepper = nil }, "hash pepper is required"},
		{"missing key", func(o *Options) { o.SigningKey = nil }, "signing key is required"},
		{"N not power of two", func(o *Options) { o.Scrypt.N = 1000 }, "power of two"},
		{"zero r", func(o *Options) { o.Scrypt.R = 0 }, "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mutate(&opts)
			_, err := NewCryptoService(opts)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewCryptoServiceFromConfig(t *testing.T) {
	cfg := config.CryptoConfig{
		Secret:         strings.Repeat("s", 32),
		Pepper:         strings.Repeat("p", 32),
		ScryptN:        fastScrypt.N,
		ScryptR:        fastScrypt.R,
		ScryptP:        fastScrypt.P,
		KDFConcurrency: 1,
	}

	t.Run("no key and no ephemeral", func(t *testing.T) {
		_, err := NewCryptoServiceFromConfig(cfg, nil, nil)
		require.Error(t, err)
	})

	t.Run("ephemeral", func(t *testing.T) {
		c := cfg
		c.AllowEphemeralKeys = true
		svc, err := NewCryptoServiceFromConfig(c, nil, nil)
		require.NoError(t, err)
		assert.Len(t, svc.PublicKey(), ed25519.PublicKeySize)
	})

	t.Run("pem key", func(t *testing.T) {
		key, err := GenerateSigningKey()
		require.NoError(t, err)
		pemBytes, err := MarshalPrivateKeyPEM(key)
		require.NoError(t, err)

		c := cfg
		c.SigningKey = string(pemBytes)
		svc, err := NewCryptoServiceFromConfig(c, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, key.Public(), svc.PublicKey())
	})

	t.Run("bad pem", func(t *testing.T) {
		c := cfg
		c.SigningKey = "not a pem"
		_, err := NewCryptoServiceFromConfig(c, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse signing key")
	})
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	payloads := [][]byte{
		{},
		[]byte("x"),
		bytes.Repeat([]byte{0xAB}, 17),
		bytes.Repeat([]byte("serial"), 4096),
	}
	for _, plaintext := range payloads {
		blob, version, err := svc.Encrypt(ctx, plaintext)
		require.NoError(t, err)
		assert.Equal(t, EncryptionV1, version)
		assert.Equal(t, EncryptionV1, blob[0])
		assert.Len(t, blob, blobHeader+len(plaintext))

		got, err := svc.Decrypt(ctx, blob)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, got))
	}
}

func TestEncrypt_FreshSaltAndNonce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, _, err := svc.Encrypt(ctx, []byte("same input"))
	require.NoError(t, err)
	b, _, err := svc.Encrypt(ctx, []byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecrypt_AnySingleByteMutationFails(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	blob, _, err := svc.Encrypt(ctx, []byte("payload under test"))
	require.NoError(t, err)

	// Skip index 0: a changed version byte is covered separately.
	for i := 1; i < len(blob); i++ {
		mutated := append([]byte(nil), blob...)
		mutated[i] ^= 0x01

		plaintext, err := svc.Decrypt(ctx, mutated)
		require.ErrorIs(t, err, serialerrors.ErrDecryptionFailed, "byte %d", i)
		assert.Nil(t, plaintext)
	}
}

func TestDecrypt_Failures(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	blob, _, err := svc.Encrypt(ctx, []byte("payload"))
	require.NoError(t, err)

	unknownVersion := append([]byte(nil), blob...)
	unknownVersion[0] = 9

	tests := []struct {
		name        string
		blob        []byte
		unsupported bool
	}{
		{"empty", nil, false},
		{"header only", blob[:1], false},
		{"truncated tag", blob[:blobHeader-1], false},
		{"missing ciphertext", blob[:blobHeader], false},
		{"unknown version", unknownVersion, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plaintext, err := svc.Decrypt(ctx, tt.blob)
			require.ErrorIs(t, err, serialerrors.ErrDecryptionFailed)
			assert.Equal(t, tt.unsupported, isUnsupported(err))
			assert.Nil(t, plaintext)
		})
	}
}

func TestDecrypt_WrongSecret(t *testing.T) {
	a := newTestService(t)
	b, err := NewCryptoService(Options{
		Secret:     []byte("another secret entirely"),
		Pepper:     []byte("pepper"),
		SigningKey: a.PrivateKey(),
		Scrypt:     fastScrypt,
	})
	require.NoError(t, err)

	blob, _, err := a.Encrypt(context.Background(), []byte("payload"))
	require.NoError(t, err)

	_, err = b.Decrypt(context.Background(), blob)
	require.ErrorIs(t, err, serialerrors.ErrDecryptionFailed)
}

func TestEncrypt_ContextCancelledWhileWaitingForKDF(t *testing.T) {
	svc := newTestService(t)
	require.True(t, svc.kdf.TryAcquire(2))
	defer svc.kdf.Release(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := svc.Encrypt(ctx, []byte("payload"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestEncrypt_Concurrent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plaintext := []byte{byte(i)}
			blob, _, err := svc.Encrypt(ctx, plaintext)
			if err != nil {
				errs <- err
				return
			}
			got, err := svc.Decrypt(ctx, blob)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(plaintext, got) {
				errs <- assert.AnError
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func isUnsupported(err error) bool {
	return errors.Is(err, serialerrors.ErrUnsupportedVersion)
}
