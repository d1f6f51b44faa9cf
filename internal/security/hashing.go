package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	serialerrors "serialhub/internal/errors"
)

const (
	hashVersionV1  = "v1"
	hashSaltLength = 16
)

// ErrMalformedHash is returned by VerifyHash for a stored value it cannot parse.
var ErrMalformedHash = errors.New("malformed stored hash")

// Hash returns the stored form of secret: v1$<base64 salt>:<base64 digest>,
// where digest is SHA-256 over salt, secret and the configured pepper. The
// pepper is never part of the stored form.
func (s *CryptoService) Hash(secret string) (string, error) {
	salt := make([]byte, hashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := s.digest(salt, secret)
	return hashVersionV1 + "$" +
		base64.StdEncoding.EncodeToString(salt) + ":" +
		base64.StdEncoding.EncodeToString(digest), nil
}

// VerifyHash reports whether secret matches stored. The digest comparison
// runs in constant time.
func (s *CryptoService) VerifyHash(secret, stored string) (bool, error) {
	version, body, ok := strings.Cut(stored, "$")
	if !ok {
		return false, ErrMalformedHash
	}
	if version != hashVersionV1 {
		return false, fmt.Errorf("%w: hash version %q", serialerrors.ErrUnsupportedVersion, version)
	}

	saltB64, digestB64, ok := strings.Cut(body, ":")
	if !ok {
		return false, ErrMalformedHash
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, ErrMalformedHash
	}
	want, err := base64.StdEncoding.DecodeString(digestB64)
	if err != nil {
		return false, ErrMalformedHash
	}

	got := s.digest(salt, secret)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func (s *CryptoService) digest(salt []byte, secret string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	h.Write(s.pepper)
	return h.Sum(nil)
}
