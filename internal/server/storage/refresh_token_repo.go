package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

type RefreshTokenRepository struct {
	db dbtx
}

func NewRefreshTokenRepository(db *DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db.DB}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	query := `
		INSERT INTO refresh_tokens (id, account_id, token, expires_at, created_at, revoked, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		token.ID, token.AccountID, token.Token, token.ExpiresAt, token.CreatedAt, token.Revoked, token.RevokedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *RefreshTokenRepository) Get(ctx context.Context, token string) (*models.RefreshToken, error) {
	var rt models.RefreshToken
	err := r.db.GetContext(ctx, &rt, `SELECT * FROM refresh_tokens WHERE token = $1`, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rt, nil
}

func (r *RefreshTokenRepository) Revoke(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `UPDATE refresh_tokens SET revoked = true, revoked_at = $2 WHERE id = $1 AND revoked = false`
	res, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r *RefreshTokenRepository) MarkRotated(ctx context.Context, id, replacedBy uuid.UUID, now time.Time) (bool, error) {
	query := `UPDATE refresh_tokens SET revoked = true, revoked_at = $3, replaced_by = $2 WHERE id = $1 AND revoked = false`
	res, err := r.db.ExecContext(ctx, query, id, replacedBy, now)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r *RefreshTokenRepository) RevokeAllForAccount(ctx context.Context, accountID uuid.UUID, now time.Time) (int64, error) {
	query := `UPDATE refresh_tokens SET revoked = true, revoked_at = $2 WHERE account_id = $1 AND revoked = false`
	res, err := r.db.ExecContext(ctx, query, accountID, now)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
