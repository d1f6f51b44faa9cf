package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	apperrors "serialhub/internal/errors"
	"serialhub/pkg/contracts/domain"
)

// ClientStore persists clients.
type ClientStore struct {
	db *gorm.DB
}

func NewClientStore(db *gorm.DB) *ClientStore {
	return &ClientStore{db: db}
}

func (s *ClientStore) CreateClient(ctx context.Context, c *domain.Client) error {
	row := toClientModel(c)
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.ErrClientNumberTaken
	}
	return err
}

func (s *ClientStore) GetClient(ctx context.Context, id uuid.UUID) (*domain.Client, error) {
	return s.take(ctx, "client_id = ?", id)
}

func (s *ClientStore) GetClientByNumber(ctx context.Context, number int) (*domain.Client, error) {
	return s.take(ctx, "client_number = ?", number)
}

func (s *ClientStore) take(ctx context.Context, query string, arg any) (*domain.Client, error) {
	var row clientModel
	err := s.db.WithContext(ctx).Where(query, arg).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	out := row.toDomain()
	return &out, nil
}

func (s *ClientStore) NextClientNumber(ctx context.Context) (int, error) {
	var next int
	err := s.db.WithContext(ctx).
		Model(&clientModel{}).
		Select("COALESCE(MAX(client_number), 0) + 1").
		Scan(&next).Error
	return next, err
}

func (s *ClientStore) SetClientActive(ctx context.Context, id uuid.UUID, active bool, at time.Time) (*domain.Client, error) {
	res := s.db.WithContext(ctx).
		Model(&clientModel{}).
		Where("client_id = ? AND active <> ?", id, active).
		Updates(map[string]any{"active": active, "updated_at": at})
	if res.Error != nil {
		return nil, res.Error
	}
	return s.GetClient(ctx, id)
}

func (s *ClientStore) ListClients(ctx context.Context) ([]domain.Client, error) {
	var rows []clientModel
	if err := s.db.WithContext(ctx).Order("client_number ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Client, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
