// Package domain contains core domain types for the AJ assistant service.
package domain

import (
	"time"
)

// User represents a caller known to the service.
type User struct {
	UserID     string    `json:"user_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
