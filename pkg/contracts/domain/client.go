package domain

import (
	"time"

	"github.com/google/uuid"
)

// Client is a licensee. Its number is embedded in every serial it owns.
type Client struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	ClientNumber int       `json:"client_number"`
	Active       bool      `json:"active"`
	APIKeyHash   string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
