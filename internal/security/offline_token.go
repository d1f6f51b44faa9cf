package security

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// OfflineClaims bind one device to one serial for verification without
// network access. The token is signed with the serial signing key.
type OfflineClaims struct {
	SerialID      uuid.UUID
	SerialNumber  string
	DeviceID      string
	MaxUsageCount int
	IssuedAt      time.Time
	ExpiresAt     time.Time
	KeyID         string
}

type offlineJWTClaims struct {
	SerialID      string `json:"sid"`
	SerialNumber  string `json:"serial"`
	MaxUsageCount int    `json:"max_usage"`
	jwt.RegisteredClaims
}

// OfflineTokenIssuer issues and parses EdDSA offline activation tokens.
type OfflineTokenIssuer struct {
	issuer     string
	ttl        time.Duration
	kid        string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	now        func() time.Time
}

// NewOfflineTokenIssuer builds an issuer. ttl caps every token; a serial
// expiring earlier shortens it further.
func NewOfflineTokenIssuer(issuer string, ttl time.Duration, key ed25519.PrivateKey) (*OfflineTokenIssuer, error) {
	if issuer == "" {
		return nil, errors.New("token issuer is required")
	}
	if ttl <= 0 {
		return nil, errors.New("offline token ttl must be positive")
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("ed25519 signing key is required")
	}
	pub := key.Public().(ed25519.PublicKey)
	return &OfflineTokenIssuer{
		issuer:     issuer,
		ttl:        ttl,
		kid:        KeyID(pub),
		privateKey: key,
		publicKey:  pub,
		now:        time.Now,
	}, nil
}

// Issue signs claims. IssuedAt is set to now; ExpiresAt is the earlier of
// now+ttl and claims.ExpiresAt when the latter is set.
func (i *OfflineTokenIssuer) Issue(claims OfflineClaims) (string, OfflineClaims, error) {
	now := i.now().UTC().Truncate(time.Second)
	expires := now.Add(i.ttl)
	if !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(expires) {
		expires = claims.ExpiresAt.UTC().Truncate(time.Second)
	}
	if !expires.After(now) {
		return "", OfflineClaims{}, errors.New("offline token would already be expired")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, offlineJWTClaims{
		SerialID:      claims.SerialID.String(),
		SerialNumber:  claims.SerialNumber,
		MaxUsageCount: claims.MaxUsageCount,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   claims.DeviceID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	token.Header["kid"] = i.kid

	signed, err := token.SignedString(i.privateKey)
	if err != nil {
		return "", OfflineClaims{}, fmt.Errorf("sign offline token: %w", err)
	}

	claims.IssuedAt = now
	claims.ExpiresAt = expires
	claims.KeyID = i.kid
	return signed, claims, nil
}

// Parse validates raw against the issuer's public key.
func (i *OfflineTokenIssuer) Parse(raw string) (OfflineClaims, error) {
	return ParseOfflineToken(raw, i.publicKey, i.issuer)
}

// ParseOfflineToken validates an offline token with only the public key.
func ParseOfflineToken(raw string, pub ed25519.PublicKey, issuer string) (OfflineClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &offlineJWTClaims{}, func(token *jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return OfflineClaims{}, err
	}
	claims, ok := parsed.Claims.(*offlineJWTClaims)
	if !ok || !parsed.Valid {
		return OfflineClaims{}, errors.New("invalid token claims")
	}

	serialID, err := uuid.Parse(claims.SerialID)
	if err != nil {
		return OfflineClaims{}, fmt.Errorf("parse sid: %w", err)
	}
	kid, _ := parsed.Header["kid"].(string)

	return OfflineClaims{
		SerialID:      serialID,
		SerialNumber:  claims.SerialNumber,
		DeviceID:      claims.Subject,
		MaxUsageCount: claims.MaxUsageCount,
		IssuedAt:      claims.IssuedAt.Time.UTC(),
		ExpiresAt:     claims.ExpiresAt.Time.UTC(),
		KeyID:         kid,
	}, nil
}
