package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"

	serialerrors "serialhub/internal/errors"
	"serialhub/internal/infrastructure"
)

// Blob layout for EncryptionV1:
//
//	version(1) || salt(32) || iv(12) || tag(16) || ciphertext
//
// The version byte is authenticated as GCM additional data.
const (
	EncryptionV1 uint8 = 1

	saltSize   = 32
	nonceSize  = 12
	tagSize    = 16
	keySize    = 32
	blobHeader = 1 + saltSize + nonceSize + tagSize
)

// ScryptParams are the scrypt cost parameters for deriving data keys.
type ScryptParams struct {
	N int
	R int
	P int
}

// Validate rejects parameters scrypt itself would refuse.
func (p ScryptParams) Validate() error {
	if p.N <= 1 || p.N&(p.N-1) != 0 {
		return fmt.Errorf("scrypt N must be a power of two greater than 1, got %d", p.N)
	}
	if p.R < 1 || p.P < 1 {
		return fmt.Errorf("scrypt r and p must be positive, got r=%d p=%d", p.R, p.P)
	}
	return nil
}

// Encrypt seals plaintext under a key derived from the service secret and a
// fresh salt. It returns the opaque blob and its version tag.
func (s *CryptoService) Encrypt(ctx context.Context, plaintext []byte) ([]byte, uint8, error) {
	start := time.Now()
	defer func() { infrastructure.RecordCryptoDuration(ctx, s.metrics, "encrypt", time.Since(start)) }()

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, 0, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, 0, fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := s.gcmFor(ctx, salt)
	if err != nil {
		return nil, 0, err
	}

	aad := []byte{EncryptionV1}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, blobHeader+len(ciphertext))
	blob = append(blob, EncryptionV1)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)
	return blob, EncryptionV1, nil
}

// Decrypt opens a blob produced by Encrypt. Every failure wraps
// ErrDecryptionFailed and no plaintext is returned with an error. An unknown
// version additionally matches ErrUnsupportedVersion.
func (s *CryptoService) Decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	start := time.Now()
	defer func() { infrastructure.RecordCryptoDuration(ctx, s.metrics, "decrypt", time.Since(start)) }()

	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", serialerrors.ErrDecryptionFailed)
	}
	if blob[0] != EncryptionV1 {
		return nil, fmt.Errorf("%w: %w: encryption version %d",
			serialerrors.ErrDecryptionFailed, serialerrors.ErrUnsupportedVersion, blob[0])
	}
	if len(blob) < blobHeader {
		return nil, fmt.Errorf("%w: blob truncated to %d bytes", serialerrors.ErrDecryptionFailed, len(blob))
	}

	salt := blob[1 : 1+saltSize]
	nonce := blob[1+saltSize : 1+saltSize+nonceSize]
	tag := blob[1+saltSize+nonceSize : blobHeader]
	ciphertext := blob[blobHeader:]

	gcm, err := s.gcmFor(ctx, salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, blob[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", serialerrors.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// gcmFor derives the data key for salt and wraps it in AES-GCM. Derivations
// are bounded by the KDF semaphore since each one holds 128*N*r bytes.
func (s *CryptoService) gcmFor(ctx context.Context, salt []byte) (cipher.AEAD, error) {
	if err := s.kdf.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for key derivation slot: %w", err)
	}
	key, err := scrypt.Key(s.secret, salt, s.params.N, s.params.R, s.params.P, keySize)
	s.kdf.Release(1)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
