package security

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"serialhub/internal/config"
	"serialhub/internal/infrastructure"
)

// CryptoService protects serial payloads and client secrets: AES-GCM blobs
// with scrypt-derived keys, peppered hashes and Ed25519 signatures. Every
// artifact carries a version tag.
type CryptoService struct {
	secret     []byte
	pepper     []byte
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	params     ScryptParams
	kdf        *semaphore.Weighted
	metrics    *infrastructure.BusinessMetrics
	logger     *slog.Logger
}

// Options configures a CryptoService.
type Options struct {
	Secret         []byte
	Pepper         []byte
	SigningKey     ed25519.PrivateKey
	Scrypt         ScryptParams
	KDFConcurrency int64
	Metrics        *infrastructure.BusinessMetrics
	Logger         *slog.Logger
}

// NewCryptoService validates opts and builds the service.
func NewCryptoService(opts Options) (*CryptoService, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("encryption secret is required")
	}
	if len(opts.Pepper) == 0 {
		return nil, errors.New("hash pepper is required")
	}
	if len(opts.SigningKey) != ed25519.PrivateKeySize {
		return nil, errors.New("ed25519 signing key is required")
	}
	if err := opts.Scrypt.Validate(); err != nil {
		return nil, err
	}
	if opts.KDFConcurrency < 1 {
		opts.KDFConcurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &CryptoService{
		secret:     append([]byte(nil), opts.Secret...),
		pepper:     append([]byte(nil), opts.Pepper...),
		privateKey: opts.SigningKey,
		publicKey:  opts.SigningKey.Public().(ed25519.PublicKey),
		params:     opts.Scrypt,
		kdf:        semaphore.NewWeighted(opts.KDFConcurrency),
		metrics:    opts.Metrics,
		logger:     opts.Logger.With(slog.String("component", "crypto")),
	}, nil
}

// NewCryptoServiceFromConfig loads key material named by cfg. Without a
// configured signing key an ephemeral one is generated when allowed;
// serials signed with it stop verifying after a restart.
func NewCryptoServiceFromConfig(cfg config.CryptoConfig, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) (*CryptoService, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		key ed25519.PrivateKey
		err error
	)
	switch {
	case cfg.SigningKey != "":
		key, err = ParsePrivateKeyPEM([]byte(cfg.SigningKey))
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
	case cfg.AllowEphemeralKeys:
		key, err = GenerateSigningKey()
		if err != nil {
			return nil, err
		}
		logger.Warn("using ephemeral signing key",
			slog.String("component", "crypto"),
			slog.String("key_id", KeyID(key.Public().(ed25519.PublicKey))))
	default:
		return nil, errors.New("signing key is required")
	}

	return NewCryptoService(Options{
		Secret:         []byte(cfg.Secret),
		Pepper:         []byte(cfg.Pepper),
		SigningKey:     key,
		Scrypt:         ScryptParams{N: cfg.ScryptN, R: cfg.ScryptR, P: cfg.ScryptP},
		KDFConcurrency: cfg.KDFConcurrency,
		Metrics:        metrics,
		Logger:         logger,
	})
}

// PublicKey returns the verification key for signatures made by Sign.
func (s *CryptoService) PublicKey() ed25519.PublicKey {
	return s.publicKey
}

// PrivateKey is exposed for the offline token issuer, which signs with the
// same key so verifiers need a single public key.
func (s *CryptoService) PrivateKey() ed25519.PrivateKey {
	return s.privateKey
}
