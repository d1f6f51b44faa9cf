package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "serialhub/internal/errors"
	"serialhub/pkg/contracts/domain"
)

// UsageStore is the persisted usage ledger. Status transitions are single
// UPDATE ... RETURNING statements guarded by status = 'active'.
type UsageStore struct {
	db *gorm.DB
}

func NewUsageStore(db *gorm.DB) *UsageStore {
	return &UsageStore{db: db}
}

func (s *UsageStore) CountActive(ctx context.Context, serialID uuid.UUID) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&usageModel{}).
		Where("serial_id = ? AND status = ?", serialID, domain.UsageStatusActive).
		Count(&n).Error
	return int(n), err
}

func (s *UsageStore) FindActive(ctx context.Context, serialID uuid.UUID, deviceID string) (*domain.UsageRecord, error) {
	var row usageModel
	err := s.db.WithContext(ctx).
		Where("serial_id = ? AND device_id = ? AND status = ?", serialID, deviceID, domain.UsageStatusActive).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrUsageNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := row.toDomain()
	if err != nil {
		return nil, fmt.Errorf("decode usage %s: %w", row.UsageID, err)
	}
	return &rec, nil
}

func (s *UsageStore) Create(ctx context.Context, rec *domain.UsageRecord) error {
	row, err := toUsageModel(rec)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *UsageStore) Touch(ctx context.Context, id uuid.UUID, expiresAt *time.Time, now time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&usageModel{}).
		Where("usage_id = ? AND status = ?", id, domain.UsageStatusActive).
		Updates(map[string]any{"expires_at": expiresAt, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrUsageNotFound
	}
	return nil
}

func (s *UsageStore) RevokeActive(ctx context.Context, serialID uuid.UUID, deviceID string, now time.Time) ([]domain.UsageRecord, error) {
	q := s.db.WithContext(ctx).
		Where("serial_id = ? AND status = ?", serialID, domain.UsageStatusActive)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	return s.transition(q, domain.UsageStatusRevoked, now)
}

func (s *UsageStore) ExpireDue(ctx context.Context, now time.Time, serialID *uuid.UUID) ([]domain.UsageRecord, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", domain.UsageStatusActive, now)
	if serialID != nil {
		q = q.Where("serial_id = ?", *serialID)
	}
	return s.transition(q, domain.UsageStatusExpired, now)
}

func (s *UsageStore) transition(q *gorm.DB, status domain.UsageStatus, now time.Time) ([]domain.UsageRecord, error) {
	var rows []usageModel
	if err := q.Model(&rows).
		Clauses(clause.Returning{}).
		Updates(map[string]any{"status": string(status), "updated_at": now}).Error; err != nil {
		return nil, err
	}
	return usageRecords(rows)
}

func (s *UsageStore) Stats(ctx context.Context, serialID uuid.UUID) (domain.UsageStats, error) {
	var row struct {
		Total           int
		Active          int
		Revoked         int
		Expired         int
		DistinctDevices int
	}
	err := s.db.WithContext(ctx).
		Model(&usageModel{}).
		Select(`COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'active') AS active,
			COUNT(*) FILTER (WHERE status = 'revoked') AS revoked,
			COUNT(*) FILTER (WHERE status = 'expired') AS expired,
			COUNT(DISTINCT device_id) AS distinct_devices`).
		Where("serial_id = ?", serialID).
		Scan(&row).Error
	if err != nil {
		return domain.UsageStats{}, err
	}
	return domain.UsageStats{
		SerialID:        serialID,
		Total:           row.Total,
		Active:          row.Active,
		Revoked:         row.Revoked,
		Expired:         row.Expired,
		DistinctDevices: row.DistinctDevices,
	}, nil
}

func (s *UsageStore) List(ctx context.Context, serialID uuid.UUID) ([]domain.UsageRecord, error) {
	var rows []usageModel
	if err := s.db.WithContext(ctx).
		Where("serial_id = ?", serialID).
		Order("created_at DESC, usage_id DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return usageRecords(rows)
}
