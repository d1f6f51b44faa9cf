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

// SerialStore persists serials and their append-only revisions.
type SerialStore struct {
	db *gorm.DB
}

func NewSerialStore(db *gorm.DB) *SerialStore {
	return &SerialStore{db: db}
}

func (s *SerialStore) CreateSerial(ctx context.Context, serial *domain.Serial, rev *domain.SerialRevision) error {
	row, err := toSerialModel(serial)
	if err != nil {
		return fmt.Errorf("encode serial: %w", err)
	}
	revRow := toRevisionModel(rev)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&revRow).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.ErrSerialNumberTaken
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return apperrors.ErrClientNotFound
	}
	return err
}

func (s *SerialStore) GetSerial(ctx context.Context, id uuid.UUID) (*domain.Serial, error) {
	var row serialModel
	err := s.db.WithContext(ctx).Where("serial_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrSerialNotFound
	}
	if err != nil {
		return nil, err
	}
	out, err := row.toDomain()
	if err != nil {
		return nil, fmt.Errorf("decode serial %s: %w", id, err)
	}
	return &out, nil
}

func (s *SerialStore) GetRevisionByNumber(ctx context.Context, number string) (*domain.SerialRevision, error) {
	var row revisionModel
	err := s.db.WithContext(ctx).Where("serial_number = ?", number).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrSerialNotFound
	}
	if err != nil {
		return nil, err
	}
	out := row.toDomain()
	return &out, nil
}

func (s *SerialStore) ListRevisions(ctx context.Context, serialID uuid.UUID) ([]domain.SerialRevision, error) {
	var rows []revisionModel
	if err := s.db.WithContext(ctx).
		Where("serial_id = ?", serialID).
		Order("revision ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperrors.ErrSerialNotFound
	}
	out := make([]domain.SerialRevision, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *SerialStore) RevokeSerial(ctx context.Context, id uuid.UUID, at time.Time) (*domain.Serial, error) {
	res := s.db.WithContext(ctx).
		Model(&serialModel{}).
		Where("serial_id = ?", id).
		Where("revoked_at IS NULL").
		Updates(map[string]any{"revoked_at": at, "updated_at": at})
	if res.Error != nil {
		return nil, res.Error
	}
	return s.GetSerial(ctx, id)
}

// RenewSerial locks the serial row, checks the revision sequence, then
// supersedes the current revision and appends rev in one transaction.
func (s *SerialStore) RenewSerial(ctx context.Context, serial *domain.Serial, rev *domain.SerialRevision) error {
	row, err := toSerialModel(serial)
	if err != nil {
		return fmt.Errorf("encode serial: %w", err)
	}
	revRow := toRevisionModel(rev)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current serialModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("serial_id = ?", serial.ID).
			Take(&current).Error; err != nil {
			return err
		}
		if current.RevokedAt != nil {
			return apperrors.ErrSerialRevoked
		}
		if current.Revision+1 != rev.Revision {
			return apperrors.ErrSerialSuperseded
		}
		if err := tx.Model(&revisionModel{}).
			Where("serial_id = ? AND superseded_at IS NULL", serial.ID).
			Update("superseded_at", rev.CreatedAt).Error; err != nil {
			return err
		}
		if err := tx.Create(&revRow).Error; err != nil {
			return err
		}
		return tx.Model(&serialModel{}).
			Where("serial_id = ?", serial.ID).
			Updates(map[string]any{
				"serial_number":      row.SerialNumber,
				"max_usage_count":    row.MaxUsageCount,
				"expiration":         row.Expiration,
				"never_expires":      row.NeverExpires,
				"revision":           row.Revision,
				"signature":          row.Signature,
				"encrypted_blob":     row.EncryptedBlob,
				"encryption_version": row.EncryptionVersion,
				"updated_at":         row.UpdatedAt,
			}).Error
	})
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperrors.ErrSerialNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperrors.ErrSerialNumberTaken
	}
	return err
}
