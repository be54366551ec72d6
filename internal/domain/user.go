// Package domain contains core domain types for the datachat gateway.
package domain

import (
	"time"
)

// User represents an account on the remote query service, which issues
// numeric account ids.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Disabled  bool      `json:"is_disabled,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}
