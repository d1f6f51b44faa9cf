package services

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"

	"serialhub/internal/usage"
	"serialhub/pkg/contracts/domain"
)

// SerialRepository persists serials and their append-only revisions.
type SerialRepository interface {
	CreateSerial(ctx context.Context, s *domain.Serial, rev *domain.SerialRevision) error
	GetSerial(ctx context.Context, id uuid.UUID) (*domain.Serial, error)
	GetRevisionByNumber(ctx context.Context, number string) (*domain.SerialRevision, error)
	ListRevisions(ctx context.Context, serialID uuid.UUID) ([]domain.SerialRevision, error)
	RevokeSerial(ctx context.Context, id uuid.UUID, at time.Time) (*domain.Serial, error)
	RenewSerial(ctx context.Context, s *domain.Serial, rev *domain.SerialRevision) error
}

// ClientRepository persists tenants.
type ClientRepository interface {
	CreateClient(ctx context.Context, c *domain.Client) error
	GetClient(ctx context.Context, id uuid.UUID) (*domain.Client, error)
	GetClientByNumber(ctx context.Context, number int) (*domain.Client, error)
	NextClientNumber(ctx context.Context) (int, error)
	SetClientActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) (*domain.Client, error)
	ListClients(ctx context.Context) ([]domain.Client, error)
}

// UsageTracker is the part of usage.Tracker the registry drives.
type UsageTracker interface {
	TrackUsage(ctx context.Context, a usage.Activation) (usage.Decision, error)
	RevokeUsage(ctx context.Context, serialID uuid.UUID, deviceID string) (int, error)
	GetUsageStats(ctx context.Context, serialID uuid.UUID) (domain.UsageStats, error)
	ListUsage(ctx context.Context, serialID uuid.UUID) ([]domain.UsageRecord, error)
}

// Crypto protects serial payloads and client secrets.
type Crypto interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, uint8, error)
	Decrypt(ctx context.Context, blob []byte) ([]byte, error)
	Sign(data []byte) ([]byte, error)
	Verify(data, signature []byte) (bool, error)
	Hash(secret string) (string, error)
	VerifyHash(secret, stored string) (bool, error)
	PublicKey() ed25519.PublicKey
}
