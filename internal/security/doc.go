// Package security provides the cryptographic primitives behind serials.
//
// CryptoService seals data as versioned AES-256-GCM blobs keyed by scrypt,
// hashes client secrets with a salt and a separately configured pepper, and
// signs serial payloads with Ed25519 so holders of the public key can check
// authenticity without any shared secret. OfflineTokenIssuer reuses the
// signing key for EdDSA JWTs that let a device prove activation while offline.
//
// InputValidator bounds and cleans device metadata before it is recorded.
package security
