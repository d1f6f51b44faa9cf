package api

import "time"

// SerialResponse is an issued serial as seen by operators.
type SerialResponse struct {
	ID             string         `json:"id"`
	SerialNumber   string         `json:"serialNumber"`
	ClientID       *string        `json:"clientId,omitempty"`
	ClientNumber   int            `json:"clientNumber"`
	MaxUsageCount  int            `json:"maxUsageCount"`
	ExpirationDate *string        `json:"expirationDate,omitempty"`
	NeverExpires   bool           `json:"neverExpires"`
	IsDemo         bool           `json:"isDemo"`
	Revision       int            `json:"revision"`
	Revoked        bool           `json:"revoked"`
	RevokedAt      *time.Time     `json:"revokedAt,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// RevisionResponse is one issued encoding of a serial.
type RevisionResponse struct {
	Revision       int        `json:"revision"`
	SerialNumber   string     `json:"serialNumber"`
	ExpirationDate *string    `json:"expirationDate,omitempty"`
	NeverExpires   bool       `json:"neverExpires"`
	CreatedAt      time.Time  `json:"createdAt"`
	SupersededAt   *time.Time `json:"supersededAt,omitempty"`
}

// BulkItemError explains why one bulk item failed.
type BulkItemError struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// BulkItemResult is the outcome of one item of a bulk request.
type BulkItemResult struct {
	Index  int             `json:"index"`
	Serial *SerialResponse `json:"serial,omitempty"`
	Error  *BulkItemError  `json:"error,omitempty"`
}

// BulkCreateSerialsResponse lists item outcomes in request order.
type BulkCreateSerialsResponse struct {
	Issued  int              `json:"issued"`
	Failed  int              `json:"failed"`
	Results []BulkItemResult `json:"results"`
}

// UsageSummary is the seat count of a serial after a validation.
type UsageSummary struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// ValidateSerialResponse is always returned with 200; isValid carries the verdict.
type ValidateSerialResponse struct {
	IsValid        bool         `json:"isValid"`
	Code           string       `json:"code,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	SerialID       *string      `json:"serialId,omitempty"`
	IsDemo         bool         `json:"isDemo,omitempty"`
	ExpirationDate *string      `json:"expirationDate,omitempty"`
	Refreshed      bool         `json:"refreshed,omitempty"`
	Usage          UsageSummary `json:"usage"`
}

// DeactivateSerialResponse reports how many seats were released.
type DeactivateSerialResponse struct {
	Released int `json:"released"`
}

// UsageStatsResponse aggregates the usage ledger of one serial.
type UsageStatsResponse struct {
	SerialID        string `json:"serialId"`
	MaxUsageCount   int    `json:"maxUsageCount"`
	Total           int    `json:"total"`
	Active          int    `json:"active"`
	Revoked         int    `json:"revoked"`
	Expired         int    `json:"expired"`
	DistinctDevices int    `json:"distinctDevices"`
}

// UsageRecordResponse is one activation in the ledger.
type UsageRecordResponse struct {
	ID         string            `json:"id"`
	DeviceID   string            `json:"deviceId"`
	DeviceInfo map[string]string `json:"deviceInfo,omitempty"`
	SourceIP   string            `json:"sourceIp,omitempty"`
	Status     string            `json:"status"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
}

// OfflineTokenResponse carries a signed offline activation.
type OfflineTokenResponse struct {
	Token     string    `json:"token"`
	KeyID     string    `json:"keyId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SigningKeyResponse publishes the key offline verifiers check serials with.
type SigningKeyResponse struct {
	KeyID        string `json:"keyId"`
	Algorithm    string `json:"algorithm"`
	PublicKeyPEM string `json:"publicKeyPem"`
}

// ClientResponse is a licensee.
type ClientResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ClientNumber int       `json:"clientNumber"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CreateClientResponse includes the API key. It is never shown again.
type CreateClientResponse struct {
	Client ClientResponse `json:"client"`
	APIKey string         `json:"apiKey"`
}
