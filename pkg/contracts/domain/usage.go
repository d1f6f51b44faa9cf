package domain

import (
	"time"

	"github.com/google/uuid"
)

// UsageStatus is the state of a usage record. Active is the only
// non-terminal state.
type UsageStatus string

const (
	UsageStatusActive  UsageStatus = "active"
	UsageStatusRevoked UsageStatus = "revoked"
	UsageStatusExpired UsageStatus = "expired"
)

// UsageRecord is one successful activation of a serial on a device.
// Records change status but are never deleted.
type UsageRecord struct {
	ID         uuid.UUID         `json:"id"`
	SerialID   uuid.UUID         `json:"serial_id"`
	DeviceID   string            `json:"device_id"`
	DeviceInfo map[string]string `json:"device_info,omitempty"`
	SourceIP   string            `json:"source_ip,omitempty"`
	Status     UsageStatus       `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// LapsedAt reports whether the record's seat TTL has passed at now.
func (u *UsageRecord) LapsedAt(now time.Time) bool {
	return u.Status == UsageStatusActive && u.ExpiresAt != nil && !now.Before(*u.ExpiresAt)
}

// UsageStats aggregates the usage ledger of one serial.
type UsageStats struct {
	SerialID        uuid.UUID `json:"serial_id"`
	MaxUsageCount   int       `json:"max_usage_count"`
	Total           int       `json:"total"`
	Active          int       `json:"active"`
	Revoked         int       `json:"revoked"`
	Expired         int       `json:"expired"`
	DistinctDevices int       `json:"distinct_devices"`
}

// Usage event types.
const (
	UsageEventActivated = "usage.activated"
	UsageEventRefreshed = "usage.refreshed"
	UsageEventRevoked   = "usage.revoked"
	UsageEventExpired   = "usage.expired"
	UsageEventRejected  = "usage.rejected"
)

// UsageEvent is emitted for every usage ledger change.
type UsageEvent struct {
	Type       string    `json:"type"`
	SerialID   uuid.UUID `json:"serial_id"`
	DeviceID   string    `json:"device_id,omitempty"`
	Active     int       `json:"active"`
	Max        int       `json:"max"`
	OccurredAt time.Time `json:"occurred_at"`
}
