package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

type CodeRepository struct {
	db dbtx
}

func NewCodeRepository(db *DB) *CodeRepository {
	return &CodeRepository{db: db.DB}
}

func (r *CodeRepository) Create(ctx context.Context, code *models.OneTimeCode) error {
	if code.ID == uuid.Nil {
		code.ID = uuid.New()
	}
	query := `
		INSERT INTO one_time_codes (id, account_id, purpose, code, fingerprint, created_at, expires_at, used, verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		code.ID, code.AccountID, code.Purpose, code.Code, code.Fingerprint,
		code.CreatedAt, code.ExpiresAt, code.Used, code.Verified,
	)
	return err
}

func (r *CodeRepository) get(ctx context.Context, query string, args ...interface{}) (*models.OneTimeCode, error) {
	var code models.OneTimeCode
	err := r.db.QueryRowxContext(ctx, query, args...).StructScan(&code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &code, nil
}

func (r *CodeRepository) LatestIssuedSince(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose, fingerprint *string, since, now time.Time) (*models.OneTimeCode, error) {
	query := `
		SELECT * FROM one_time_codes
		WHERE account_id = $1 AND purpose = $2
			AND created_at > $3 AND expires_at > $4
			AND ($5::text IS NULL OR fingerprint = $5)
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.get(ctx, query, accountID, purpose, since, now, fingerprint)
}

func (r *CodeRepository) Latest(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose) (*models.OneTimeCode, error) {
	query := `
		SELECT * FROM one_time_codes
		WHERE account_id = $1 AND purpose = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.get(ctx, query, accountID, purpose)
}

func (r *CodeRepository) Consume(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose, code string, fingerprint *string, now time.Time) (*models.OneTimeCode, error) {
	query := `
		UPDATE one_time_codes SET used = true
		WHERE id = (
			SELECT id FROM one_time_codes
			WHERE account_id = $1 AND purpose = $2 AND code = $3
				AND used = false AND expires_at > $4
				AND ($5::text IS NULL OR fingerprint = $5)
			ORDER BY created_at DESC
			LIMIT 1
			FOR UPDATE
		) AND used = false
		RETURNING *
	`
	return r.get(ctx, query, accountID, purpose, code, now, fingerprint)
}

func (r *CodeRepository) MarkVerified(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose, code string, now time.Time) (*models.OneTimeCode, error) {
	query := `
		UPDATE one_time_codes SET verified = true
		WHERE id = (
			SELECT id FROM one_time_codes
			WHERE account_id = $1 AND purpose = $2 AND code = $3
				AND used = false AND verified = false AND expires_at > $4
			ORDER BY created_at DESC
			LIMIT 1
			FOR UPDATE
		) AND used = false AND verified = false
		RETURNING *
	`
	return r.get(ctx, query, accountID, purpose, code, now)
}

func (r *CodeRepository) LatestVerified(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose) (*models.OneTimeCode, error) {
	query := `
		SELECT * FROM one_time_codes
		WHERE account_id = $1 AND purpose = $2 AND verified = true AND used = false
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.get(ctx, query, accountID, purpose)
}

func (r *CodeRepository) MarkUsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `UPDATE one_time_codes SET used = true WHERE id = $1 AND used = false AND expires_at > $2`
	res, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r *CodeRepository) DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM one_time_codes WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
