package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

type DeviceRepository struct {
	db dbtx
}

func NewDeviceRepository(db *DB) *DeviceRepository {
	return &DeviceRepository{db: db.DB}
}

func (r *DeviceRepository) Get(ctx context.Context, accountID uuid.UUID, fingerprint string) (*models.DeviceRecord, error) {
	var device models.DeviceRecord
	query := `SELECT * FROM account_devices WHERE account_id = $1 AND fingerprint = $2`
	err := r.db.GetContext(ctx, &device, query, accountID, fingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

// Create inserts a device. An existing row for the same pair yields ErrDuplicate
// without aborting the surrounding transaction.
func (r *DeviceRepository) Create(ctx context.Context, device *models.DeviceRecord) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	query := `
		INSERT INTO account_devices (id, account_id, fingerprint, verified, ip_address, user_agent,
			first_seen_at, last_seen_at, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, fingerprint) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		device.ID, device.AccountID, device.Fingerprint, device.Verified, device.IPAddress, device.UserAgent,
		device.FirstSeenAt, device.LastSeenAt, device.VerifiedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r *DeviceRepository) Touch(ctx context.Context, id uuid.UUID, ipAddress, userAgent string, now time.Time) error {
	query := `
		UPDATE account_devices
		SET ip_address = $2, user_agent = $3, last_seen_at = GREATEST(last_seen_at, $4)
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, ipAddress, userAgent, now)
	return err
}

// MarkVerified promotes the device. Verification never regresses, and the
// first verification time is kept.
func (r *DeviceRepository) MarkVerified(ctx context.Context, accountID uuid.UUID, fingerprint string, now time.Time) (bool, error) {
	query := `
		UPDATE account_devices
		SET verified = true, verified_at = COALESCE(verified_at, $3), last_seen_at = GREATEST(last_seen_at, $3)
		WHERE account_id = $1 AND fingerprint = $2
	`
	res, err := r.db.ExecContext(ctx, query, accountID, fingerprint, now)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

func (r *DeviceRepository) CountVerified(ctx context.Context, accountID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM account_devices WHERE account_id = $1 AND verified = true`
	err := r.db.GetContext(ctx, &count, query, accountID)
	return count, err
}

func (r *DeviceRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]models.DeviceRecord, error) {
	var devices []models.DeviceRecord
	query := `SELECT * FROM account_devices WHERE account_id = $1 ORDER BY last_seen_at DESC`
	err := r.db.SelectContext(ctx, &devices, query, accountID)
	return devices, err
}
