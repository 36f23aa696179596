package models

import (
	"time"

	"github.com/google/uuid"
)

type CodePurpose string

const (
	PurposeEmailVerify   CodePurpose = "EMAIL_VERIFY"
	PurposeDeviceVerify  CodePurpose = "DEVICE_VERIFY"
	PurposePasswordReset CodePurpose = "PASSWORD_RESET"
)

// OneTimeCode is a purpose-scoped 6-digit code. Verified is only meaningful
// for PASSWORD_RESET, where the code is confirmed before the password write.
type OneTimeCode struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	AccountID   uuid.UUID   `json:"account_id" db:"account_id"`
	Purpose     CodePurpose `json:"purpose" db:"purpose"`
	Code        string      `json:"-" db:"code"`
	Fingerprint *string     `json:"fingerprint,omitempty" db:"fingerprint"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at" db:"expires_at"`
	Used        bool        `json:"used" db:"used"`
	Verified    bool        `json:"verified" db:"verified"`
}

func (c *OneTimeCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
