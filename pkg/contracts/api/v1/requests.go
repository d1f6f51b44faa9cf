// Package api contains the request and response bodies of the serialhub
// HTTP API. Version v1 is the current stable API version.
package api

// CreateSerialRequest issues one serial. A demo request ignores every other
// field. A missing expirationDate issues a serial that never expires.
type CreateSerialRequest struct {
	ClientID       string         `json:"clientId,omitempty" validate:"omitempty,uuid"`
	MaxUsageCount  int            `json:"maxUsageCount" validate:"gte=0,lte=255"`
	ExpirationDate *string        `json:"expirationDate,omitempty" validate:"omitempty,isodate"`
	IsDemo         bool           `json:"isDemo,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// BulkCreateSerialsRequest issues many serials in one call.
type BulkCreateSerialsRequest struct {
	Items []CreateSerialRequest `json:"items" validate:"required,min=1,dive"`
}

// ValidateSerialRequest is one activation attempt from an end-user device.
// Fields are checked by the registry so that bad input is reported as a
// validation outcome rather than a transport error.
type ValidateSerialRequest struct {
	SerialNumber string            `json:"serialNumber"`
	DeviceID     string            `json:"deviceId"`
	DeviceInfo   map[string]string `json:"deviceInfo,omitempty"`
}

// DeactivateSerialRequest releases the seat a device holds.
type DeactivateSerialRequest struct {
	SerialNumber string `json:"serialNumber" validate:"required,max=64"`
	DeviceID     string `json:"deviceId" validate:"required,max=256"`
}

// RenewSerialRequest moves a serial to a later expiration. A missing date
// renews the serial to never expire.
type RenewSerialRequest struct {
	ExpirationDate *string `json:"expirationDate,omitempty" validate:"omitempty,isodate"`
}

// OfflineTokenRequest asks for an offline activation for a seated device.
type OfflineTokenRequest struct {
	DeviceID string `json:"deviceId" validate:"required,max=256"`
}

// CreateClientRequest registers a licensee. A missing clientNumber takes the
// next free number.
type CreateClientRequest struct {
	Name         string `json:"name" validate:"required,max=200"`
	ClientNumber *int   `json:"clientNumber,omitempty" validate:"omitempty,gte=1,lte=65535"`
}
