package security

import (
	"crypto/ed25519"
	"fmt"

	serialerrors "serialhub/internal/errors"
)

// SignatureV1 is Ed25519 over the raw data, prefixed with this byte.
const SignatureV1 uint8 = 1

// SignatureSize is the length of a SignatureV1 signature.
const SignatureSize = 1 + ed25519.SignatureSize

// Sign returns a versioned signature over data.
func (s *CryptoService) Sign(data []byte) ([]byte, error) {
	sig := make([]byte, 0, SignatureSize)
	sig = append(sig, SignatureV1)
	sig = append(sig, ed25519.Sign(s.privateKey, data)...)
	return sig, nil
}

// Verify checks signature against the service's own public key.
func (s *CryptoService) Verify(data, signature []byte) (bool, error) {
	return VerifySignature(s.publicKey, data, signature)
}

// VerifySignature checks a versioned signature against pub. It needs no
// secret, so offline verifiers holding only the published key can use it.
func VerifySignature(pub ed25519.PublicKey, data, signature []byte) (bool, error) {
	if len(signature) == 0 {
		return false, nil
	}
	if signature[0] != SignatureV1 {
		return false, fmt.Errorf("%w: signature version %d", serialerrors.ErrUnsupportedVersion, signature[0])
	}
	if len(signature) != SignatureSize || len(pub) != ed25519.PublicKeySize {
		return false, nil
	}
	return ed25519.Verify(pub, data, signature[1:]), nil
}
