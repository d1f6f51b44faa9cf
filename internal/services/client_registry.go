package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "serialhub/internal/errors"
	"serialhub/internal/infrastructure"
	"serialhub/internal/serial"
	"serialhub/pkg/contracts/domain"
)

const (
	apiKeyPrefix = "shk_"
	apiKeyBytes  = 32

	// auto-assigned numbers may race with concurrent creates
	maxNumberAttempts = 3
)

// ErrInvalidAPIKey is returned when a client key does not match.
var ErrInvalidAPIKey = errors.New("invalid client api key")

// CreateClientInput names a new client. A nil ClientNumber takes the next
// free number.
type CreateClientInput struct {
	Name         string
	ClientNumber *int
}

// CreatedClient carries the plaintext API key, which is shown only once.
type CreatedClient struct {
	Client *domain.Client
	APIKey string
}

// ClientRegistry manages tenants and their machine API keys.
type ClientRegistry struct {
	clients ClientRepository
	crypto  Crypto
	logger  *slog.Logger
	now     func() time.Time
}

func NewClientRegistry(clients ClientRepository, crypto Crypto, logger *slog.Logger) *ClientRegistry {
	return &ClientRegistry{
		clients: clients,
		crypto:  crypto,
		logger:  infrastructure.WithComponent(logger, "client_registry"),
		now:     time.Now,
	}
}

func (r *ClientRegistry) CreateClient(ctx context.Context, in CreateClientInput) (*CreatedClient, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: client name is required", apperrors.ErrInvalidPayload)
	}
	if in.ClientNumber != nil && (*in.ClientNumber < 1 || *in.ClientNumber > serial.MaxClientNumber) {
		return nil, fmt.Errorf("%w: client number %d outside 1..%d", apperrors.ErrInvalidPayload, *in.ClientNumber, serial.MaxClientNumber)
	}

	key, err := newAPIKey()
	if err != nil {
		return nil, err
	}
	hash, err := r.crypto.Hash(key)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}

	for attempt := 1; ; attempt++ {
		number := 0
		if in.ClientNumber != nil {
			number = *in.ClientNumber
		} else if number, err = r.clients.NextClientNumber(ctx); err != nil {
			return nil, err
		}
		if number > serial.MaxClientNumber {
			return nil, fmt.Errorf("%w: client numbers exhausted", apperrors.ErrClientNumberTaken)
		}

		now := r.now().UTC()
		c := &domain.Client{
			ID:           uuid.New(),
			Name:         name,
			ClientNumber: number,
			Active:       true,
			APIKeyHash:   hash,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err = r.clients.CreateClient(ctx, c)
		switch {
		case err == nil:
			r.logger.InfoContext(ctx, "client created",
				slog.String("client_id", c.ID.String()),
				slog.Int("client_number", c.ClientNumber))
			return &CreatedClient{Client: c, APIKey: key}, nil
		case in.ClientNumber == nil && errors.Is(err, apperrors.ErrClientNumberTaken) && attempt < maxNumberAttempts:
			continue
		default:
			return nil, err
		}
	}
}

func (r *ClientRegistry) GetClient(ctx context.Context, id uuid.UUID) (*domain.Client, error) {
	return r.clients.GetClient(ctx, id)
}

func (r *ClientRegistry) GetClientByNumber(ctx context.Context, number int) (*domain.Client, error) {
	return r.clients.GetClientByNumber(ctx, number)
}

func (r *ClientRegistry) ListClients(ctx context.Context) ([]domain.Client, error) {
	return r.clients.ListClients(ctx)
}

// DeactivateClient stops new serials from being issued to the client.
// Serials already issued keep validating.
func (r *ClientRegistry) DeactivateClient(ctx context.Context, id uuid.UUID) (*domain.Client, error) {
	c, err := r.clients.SetClientActive(ctx, id, false, r.now().UTC())
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "client deactivated", slog.String("client_id", id.String()))
	return c, nil
}

// Authenticate checks a client's API key.
func (r *ClientRegistry) Authenticate(ctx context.Context, id uuid.UUID, key string) (*domain.Client, error) {
	c, err := r.clients.GetClient(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.APIKeyHash == "" {
		return nil, ErrInvalidAPIKey
	}
	ok, err := r.crypto.VerifyHash(key, c.APIKeyHash)
	if err != nil {
		return nil, fmt.Errorf("verify api key: %w", err)
	}
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	if !c.Active {
		return nil, apperrors.ErrClientInactive
	}
	return c, nil
}

func newAPIKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
