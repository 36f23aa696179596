package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken is an opaque, single-use credential exchanged for a new token pair.
type RefreshToken struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	AccountID uuid.UUID  `json:"account_id" db:"account_id"`
	Token     string     `json:"token" db:"token"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	Revoked   bool       `json:"revoked" db:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	// ReplacedBy is set only when the token was revoked by rotation.
	ReplacedBy *uuid.UUID `json:"replaced_by,omitempty" db:"replaced_by"`
}

// TokenPair is what a successful authentication hands back to the client.
type TokenPair struct {
	AccessToken           string    `json:"access_token"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
	TokenType             string    `json:"token_type"`
}
