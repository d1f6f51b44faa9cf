// Package domain contains the core domain models shared by every layer of
// serialhub: serials, their revisions, clients and usage records.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Serial is an issued license serial. The payload fields mirror the
// encoded bytes of the current revision.
type Serial struct {
	ID            uuid.UUID  `json:"id"`
	SerialNumber  string     `json:"serial_number"`
	ClientID      *uuid.UUID `json:"client_id,omitempty"`
	ClientNumber  int        `json:"client_number"`
	MaxUsageCount int        `json:"max_usage_count"`
	Expiration    *time.Time `json:"expiration,omitempty"`
	NeverExpires  bool       `json:"never_expires"`
	IsDemo        bool       `json:"is_demo"`
	Revision      int        `json:"revision"`

	Signature         []byte `json:"-"`
	EncryptedBlob     []byte `json:"-"`
	EncryptionVersion int    `json:"encryption_version,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	RevokedAt *time.Time     `json:"revoked_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Revoked reports whether the serial carries a revocation tombstone.
func (s *Serial) Revoked() bool {
	return s.RevokedAt != nil
}

// Expired reports whether now is on a later UTC calendar day than the
// expiration date. Serials without a date never expire.
func (s *Serial) Expired(now time.Time) bool {
	if s.NeverExpires || s.Expiration == nil {
		return false
	}
	y, m, d := now.UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return today.After(s.Expiration.UTC().Truncate(24 * time.Hour))
}

// IsActive reports whether the serial is neither revoked nor expired.
func (s *Serial) IsActive(now time.Time) bool {
	return !s.Revoked() && !s.Expired(now)
}

// Unlimited reports whether the serial has no activation ceiling.
func (s *Serial) Unlimited() bool {
	return s.IsDemo || s.MaxUsageCount == 0
}

// SerialRevision is one issued encoding of a serial. Renewals append a
// new revision and mark the previous one superseded.
type SerialRevision struct {
	ID                uuid.UUID  `json:"id"`
	SerialID          uuid.UUID  `json:"serial_id"`
	Revision          int        `json:"revision"`
	SerialNumber      string     `json:"serial_number"`
	Payload           []byte     `json:"-"`
	Signature         []byte     `json:"-"`
	EncryptedBlob     []byte     `json:"-"`
	EncryptionVersion int        `json:"encryption_version,omitempty"`
	Expiration        *time.Time `json:"expiration,omitempty"`
	NeverExpires      bool       `json:"never_expires"`
	CreatedAt         time.Time  `json:"created_at"`
	SupersededAt      *time.Time `json:"superseded_at,omitempty"`
}

// Superseded reports whether a later revision replaced this one.
func (r *SerialRevision) Superseded() bool {
	return r.SupersededAt != nil
}
