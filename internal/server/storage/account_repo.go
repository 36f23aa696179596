package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

type AccountRepository struct {
	db dbtx
}

func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db.DB}
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	query := `
		INSERT INTO accounts (id, email, username, password_hash, auth_provider, provider_id,
			role, active, email_verified, country_code, country, display_name, avatar_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		account.ID, account.Email, account.Username, account.PasswordHash, account.Provider, account.ProviderID,
		account.Role, account.Active, account.EmailVerified, account.CountryCode, account.Country,
		account.DisplayName, account.AvatarURL,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if c := uniqueConstraint(err); c != "" {
			return fmt.Errorf("%w: %s", ErrDuplicate, c)
		}
		return err
	}
	return nil
}

func (r *AccountRepository) get(ctx context.Context, query string, args ...interface{}) (*models.Account, error) {
	var account models.Account
	err := r.db.GetContext(ctx, &account, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return r.get(ctx, `SELECT * FROM accounts WHERE id = $1`, id)
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.get(ctx, `SELECT * FROM accounts WHERE email = $1`, email)
}

func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	return r.get(ctx, `SELECT * FROM accounts WHERE username = $1`, username)
}

func (r *AccountRepository) GetByProvider(ctx context.Context, provider models.AuthProvider, providerID string) (*models.Account, error) {
	return r.get(ctx, `SELECT * FROM accounts WHERE auth_provider = $1 AND provider_id = $2`, provider, providerID)
}

func (r *AccountRepository) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM accounts WHERE username = $1)`, username)
	return exists, err
}

func (r *AccountRepository) Lock(ctx context.Context, id uuid.UUID) error {
	var locked uuid.UUID
	err := r.db.GetContext(ctx, &locked, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *AccountRepository) MarkEmailVerified(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE accounts
		SET email_verified = true, active = true, updated_at = NOW()
		WHERE id = $1 AND email_verified = false
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (r *AccountRepository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	query := `
		UPDATE accounts
		SET password_hash = $2, updated_at = NOW()
		WHERE id = $1 AND auth_provider = 'LOCAL'
	`
	res, err := r.db.ExecContext(ctx, query, id, passwordHash)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkProvider switches the account to an external provider. The password
// hash is cleared, so the password path is closed from then on.
func (r *AccountRepository) LinkProvider(ctx context.Context, id uuid.UUID, provider models.AuthProvider, providerID string, avatarURL *string) error {
	query := `
		UPDATE accounts
		SET auth_provider = $2, provider_id = $3, password_hash = NULL,
			email_verified = true, active = true,
			avatar_url = COALESCE(avatar_url, $4), updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, provider, providerID, avatarURL)
	if err != nil {
		if c := uniqueConstraint(err); c != "" {
			return fmt.Errorf("%w: %s", ErrDuplicate, c)
		}
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
