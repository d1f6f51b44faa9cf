package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"serialhub/internal/services"
	"serialhub/pkg/contracts/domain"
)

// SerialService is the part of the serial registry the handlers use.
type SerialService interface {
	CreateSerial(ctx context.Context, in services.CreateSerialInput) (*domain.Serial, error)
	CreateSerials(ctx context.Context, inputs []services.CreateSerialInput) ([]services.BulkResult, error)
	ValidateSerial(ctx context.Context, in services.ValidateInput) (*services.ValidationResult, error)
	Revoke(ctx context.Context, id uuid.UUID) (*domain.Serial, error)
	Renew(ctx context.Context, id uuid.UUID, expiration *time.Time) (*domain.Serial, error)
	ReleaseSeat(ctx context.Context, serialNumber, deviceID string) (int, error)
	IssueOfflineToken(ctx context.Context, id uuid.UUID, deviceID string) (*services.OfflineToken, error)
	PublicKeyPEM() ([]byte, string, error)
	GetSerial(ctx context.Context, id uuid.UUID) (*domain.Serial, error)
	ListRevisions(ctx context.Context, id uuid.UUID) ([]domain.SerialRevision, error)
	GetUsageStats(ctx context.Context, id uuid.UUID) (domain.UsageStats, error)
	ListUsage(ctx context.Context, id uuid.UUID) ([]domain.UsageRecord, error)
}

// ClientService is the part of the client registry the handlers use.
type ClientService interface {
	CreateClient(ctx context.Context, in services.CreateClientInput) (*services.CreatedClient, error)
	GetClient(ctx context.Context, id uuid.UUID) (*domain.Client, error)
	ListClients(ctx context.Context) ([]domain.Client, error)
	DeactivateClient(ctx context.Context, id uuid.UUID) (*domain.Client, error)
}

// Guards are the middleware wrapped around groups of routes. Nil fields
// leave the group open.
type Guards struct {
	// Authenticate admits admins and clients.
	Authenticate func(http.Handler) http.Handler
	// Admin restricts to admin principals. Runs after Authenticate.
	Admin func(http.Handler) http.Handler
	// Audit records mutations.
	Audit func(http.Handler) http.Handler
	// Public throttles unauthenticated end-user routes.
	Public func(http.Handler) http.Handler
}

func (g Guards) chain(mws ...func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	out := make([]func(http.Handler) http.Handler, 0, len(mws))
	for _, mw := range mws {
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out
}

var (
	_ SerialService = (*services.SerialRegistry)(nil)
	_ ClientService = (*services.ClientRegistry)(nil)
)
