package models

import (
	"time"

	"github.com/google/uuid"
)

type AuthProvider string

const (
	AuthProviderLocal  AuthProvider = "LOCAL"
	AuthProviderGoogle AuthProvider = "GOOGLE"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Account is the identity record. A LOCAL account logs in with its password
// hash; any other provider logs in only through that provider.
type Account struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	Email         string       `json:"email" db:"email"`
	Username      string       `json:"username" db:"username"`
	PasswordHash  *string      `json:"-" db:"password_hash"`
	Provider      AuthProvider `json:"auth_provider" db:"auth_provider"`
	ProviderID    *string      `json:"-" db:"provider_id"`
	Role          Role         `json:"role" db:"role"`
	Active        bool         `json:"active" db:"active"`
	EmailVerified bool         `json:"email_verified" db:"email_verified"`
	CountryCode   *string      `json:"country_code,omitempty" db:"country_code"`
	Country       *string      `json:"country,omitempty" db:"country"`
	DisplayName   *string      `json:"display_name,omitempty" db:"display_name"`
	Bio           *string      `json:"bio,omitempty" db:"bio"`
	AvatarURL     *string      `json:"avatar_url,omitempty" db:"avatar_url"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// HasPassword reports whether the account can use the password login path.
func (a *Account) HasPassword() bool {
	return a.Provider == AuthProviderLocal && a.PasswordHash != nil && *a.PasswordHash != ""
}
