package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceRecord tracks one fingerprint seen for one account.
type DeviceRecord struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	AccountID   uuid.UUID  `json:"account_id" db:"account_id"`
	Fingerprint string     `json:"fingerprint" db:"fingerprint"`
	Verified    bool       `json:"verified" db:"verified"`
	IPAddress   string     `json:"ip_address" db:"ip_address"`
	UserAgent   string     `json:"user_agent" db:"user_agent"`
	FirstSeenAt time.Time  `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt  time.Time  `json:"last_seen_at" db:"last_seen_at"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty" db:"verified_at"`
}
