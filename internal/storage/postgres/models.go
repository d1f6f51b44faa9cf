package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"serialhub/pkg/contracts/domain"
)

type clientModel struct {
	ClientID     uuid.UUID `gorm:"column:client_id;type:uuid;primaryKey"`
	Name         string    `gorm:"column:name"`
	ClientNumber int       `gorm:"column:client_number"`
	Active       bool      `gorm:"column:active"`
	APIKeyHash   string    `gorm:"column:api_key_hash"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (clientModel) TableName() string { return "clients" }

type serialModel struct {
	SerialID          uuid.UUID  `gorm:"column:serial_id;type:uuid;primaryKey"`
	SerialNumber      string     `gorm:"column:serial_number"`
	ClientID          *uuid.UUID `gorm:"column:client_id;type:uuid"`
	ClientNumber      int        `gorm:"column:client_number"`
	MaxUsageCount     int        `gorm:"column:max_usage_count"`
	Expiration        *time.Time `gorm:"column:expiration;type:date"`
	NeverExpires      bool       `gorm:"column:never_expires"`
	IsDemo            bool       `gorm:"column:is_demo"`
	Revision          int        `gorm:"column:revision"`
	Signature         []byte     `gorm:"column:signature"`
	EncryptedBlob     []byte     `gorm:"column:encrypted_blob"`
	EncryptionVersion int        `gorm:"column:encryption_version"`
	Metadata          string     `gorm:"column:metadata;type:jsonb"`
	RevokedAt         *time.Time `gorm:"column:revoked_at"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}

func (serialModel) TableName() string { return "serials" }

type revisionModel struct {
	RevisionID        uuid.UUID  `gorm:"column:revision_id;type:uuid;primaryKey"`
	SerialID          uuid.UUID  `gorm:"column:serial_id;type:uuid"`
	Revision          int        `gorm:"column:revision"`
	SerialNumber      string     `gorm:"column:serial_number"`
	Payload           []byte     `gorm:"column:payload"`
	Signature         []byte     `gorm:"column:signature"`
	EncryptedBlob     []byte     `gorm:"column:encrypted_blob"`
	EncryptionVersion int        `gorm:"column:encryption_version"`
	Expiration        *time.Time `gorm:"column:expiration;type:date"`
	NeverExpires      bool       `gorm:"column:never_expires"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	SupersededAt      *time.Time `gorm:"column:superseded_at"`
}

func (revisionModel) TableName() string { return "serial_revisions" }

type usageModel struct {
	UsageID    uuid.UUID  `gorm:"column:usage_id;type:uuid;primaryKey"`
	SerialID   uuid.UUID  `gorm:"column:serial_id;type:uuid"`
	DeviceID   string     `gorm:"column:device_id"`
	DeviceInfo string     `gorm:"column:device_info;type:jsonb"`
	SourceIP   string     `gorm:"column:source_ip"`
	Status     string     `gorm:"column:status"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	ExpiresAt  *time.Time `gorm:"column:expires_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
}

func (usageModel) TableName() string { return "usage_records" }

func toClientModel(c *domain.Client) clientModel {
	return clientModel{
		ClientID:     c.ID,
		Name:         c.Name,
		ClientNumber: c.ClientNumber,
		Active:       c.Active,
		APIKeyHash:   c.APIKeyHash,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func (m clientModel) toDomain() domain.Client {
	return domain.Client{
		ID:           m.ClientID,
		Name:         m.Name,
		ClientNumber: m.ClientNumber,
		Active:       m.Active,
		APIKeyHash:   m.APIKeyHash,
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}

func toSerialModel(s *domain.Serial) (serialModel, error) {
	meta, err := marshalJSONMap(s.Metadata)
	if err != nil {
		return serialModel{}, err
	}
	return serialModel{
		SerialID:          s.ID,
		SerialNumber:      s.SerialNumber,
		ClientID:          s.ClientID,
		ClientNumber:      s.ClientNumber,
		MaxUsageCount:     s.MaxUsageCount,
		Expiration:        s.Expiration,
		NeverExpires:      s.NeverExpires,
		IsDemo:            s.IsDemo,
		Revision:          s.Revision,
		Signature:         s.Signature,
		EncryptedBlob:     s.EncryptedBlob,
		EncryptionVersion: s.EncryptionVersion,
		Metadata:          meta,
		RevokedAt:         s.RevokedAt,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}, nil
}

func (m serialModel) toDomain() (domain.Serial, error) {
	var meta map[string]any
	if err := unmarshalJSONMap(m.Metadata, &meta); err != nil {
		return domain.Serial{}, err
	}
	return domain.Serial{
		ID:                m.SerialID,
		SerialNumber:      m.SerialNumber,
		ClientID:          m.ClientID,
		ClientNumber:      m.ClientNumber,
		MaxUsageCount:     m.MaxUsageCount,
		Expiration:        utcDate(m.Expiration),
		NeverExpires:      m.NeverExpires,
		IsDemo:            m.IsDemo,
		Revision:          m.Revision,
		Signature:         m.Signature,
		EncryptedBlob:     m.EncryptedBlob,
		EncryptionVersion: m.EncryptionVersion,
		Metadata:          meta,
		RevokedAt:         utc(m.RevokedAt),
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}, nil
}

func toRevisionModel(r *domain.SerialRevision) revisionModel {
	return revisionModel{
		RevisionID:        r.ID,
		SerialID:          r.SerialID,
		Revision:          r.Revision,
		SerialNumber:      r.SerialNumber,
		Payload:           r.Payload,
		Signature:         r.Signature,
		EncryptedBlob:     r.EncryptedBlob,
		EncryptionVersion: r.EncryptionVersion,
		Expiration:        r.Expiration,
		NeverExpires:      r.NeverExpires,
		CreatedAt:         r.CreatedAt,
		SupersededAt:      r.SupersededAt,
	}
}

func (m revisionModel) toDomain() domain.SerialRevision {
	return domain.SerialRevision{
		ID:                m.RevisionID,
		SerialID:          m.SerialID,
		Revision:          m.Revision,
		SerialNumber:      m.SerialNumber,
		Payload:           m.Payload,
		Signature:         m.Signature,
		EncryptedBlob:     m.EncryptedBlob,
		EncryptionVersion: m.EncryptionVersion,
		Expiration:        utcDate(m.Expiration),
		NeverExpires:      m.NeverExpires,
		CreatedAt:         m.CreatedAt.UTC(),
		SupersededAt:      utc(m.SupersededAt),
	}
}

func toUsageModel(r *domain.UsageRecord) (usageModel, error) {
	info, err := json.Marshal(r.DeviceInfo)
	if err != nil {
		return usageModel{}, err
	}
	if r.DeviceInfo == nil {
		info = []byte("{}")
	}
	return usageModel{
		UsageID:    r.ID,
		SerialID:   r.SerialID,
		DeviceID:   r.DeviceID,
		DeviceInfo: string(info),
		SourceIP:   r.SourceIP,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

func (m usageModel) toDomain() (domain.UsageRecord, error) {
	var info map[string]string
	if m.DeviceInfo != "" && m.DeviceInfo != "{}" {
		if err := json.Unmarshal([]byte(m.DeviceInfo), &info); err != nil {
			return domain.UsageRecord{}, err
		}
	}
	return domain.UsageRecord{
		ID:         m.UsageID,
		SerialID:   m.SerialID,
		DeviceID:   m.DeviceID,
		DeviceInfo: info,
		SourceIP:   m.SourceIP,
		Status:     domain.UsageStatus(m.Status),
		CreatedAt:  m.CreatedAt.UTC(),
		ExpiresAt:  utc(m.ExpiresAt),
		UpdatedAt:  m.UpdatedAt.UTC(),
	}, nil
}

func usageRecords(rows []usageModel) ([]domain.UsageRecord, error) {
	out := make([]domain.UsageRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func marshalJSONMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalJSONMap(raw string, dst *map[string]any) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// utcDate restores midnight UTC for DATE columns read in a session time zone.
func utcDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	y, m, d := t.Date()
	v := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &v
}
