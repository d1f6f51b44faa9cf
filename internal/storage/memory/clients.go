package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "serialhub/internal/errors"
	"serialhub/pkg/contracts/domain"
)

// ClientStore keeps clients in process.
type ClientStore struct {
	mu sync.RWMutex

	clientsByID map[uuid.UUID]domain.Client
	idByNumber  map[int]uuid.UUID
}

func NewClientStore() *ClientStore {
	return &ClientStore{
		clientsByID: make(map[uuid.UUID]domain.Client),
		idByNumber:  make(map[int]uuid.UUID),
	}
}

func (s *ClientStore) CreateClient(_ context.Context, c *domain.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.idByNumber[c.ClientNumber]; ok {
		return apperrors.ErrClientNumberTaken
	}
	s.clientsByID[c.ID] = *c
	s.idByNumber[c.ClientNumber] = c.ID
	return nil
}

func (s *ClientStore) GetClient(_ context.Context, id uuid.UUID) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clientsByID[id]
	if !ok {
		return nil, apperrors.ErrClientNotFound
	}
	return &c, nil
}

func (s *ClientStore) GetClientByNumber(_ context.Context, number int) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idByNumber[number]
	if !ok {
		return nil, apperrors.ErrClientNotFound
	}
	c := s.clientsByID[id]
	return &c, nil
}

// NextClientNumber returns one past the highest assigned number, starting at 1.
func (s *ClientStore) NextClientNumber(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	next := 1
	for n := range s.idByNumber {
		if n >= next {
			next = n + 1
		}
	}
	return next, nil
}

func (s *ClientStore) SetClientActive(_ context.Context, id uuid.UUID, active bool, at time.Time) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clientsByID[id]
	if !ok {
		return nil, apperrors.ErrClientNotFound
	}
	if c.Active != active {
		c.Active = active
		c.UpdatedAt = at
		s.clientsByID[id] = c
	}
	return &c, nil
}

// ListClients returns clients ordered by client number.
func (s *ClientStore) ListClients(_ context.Context) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Client, 0, len(s.clientsByID))
	for _, c := range s.clientsByID {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Client) int {
		return cmp.Compare(a.ClientNumber, b.ClientNumber)
	})
	return out, nil
}
