package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

var (
	// ErrDuplicate is returned when an insert or update hits a unique constraint.
	ErrDuplicate = errors.New("duplicate record")
	// ErrNotFound is returned by updates that target a missing row.
	ErrNotFound = errors.New("record not found")
)

// Lookups return (nil, nil) when nothing matches. Conditional updates
// (Consume, MarkVerified, Revoke...) only succeed for the caller that flips
// the flag, so concurrent callers racing on one row see exactly one winner.

type Accounts interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
	GetByProvider(ctx context.Context, provider models.AuthProvider, providerID string) (*models.Account, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	// Lock serializes flows on one account for the rest of the transaction.
	Lock(ctx context.Context, id uuid.UUID) error
	MarkEmailVerified(ctx context.Context, id uuid.UUID) (bool, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	LinkProvider(ctx context.Context, id uuid.UUID, provider models.AuthProvider, providerID string, avatarURL *string) error
}

type Codes interface {
	Create(ctx context.Context, code *models.OneTimeCode) error
	// LatestIssuedSince returns the newest unexpired code created after since.
	// A nil fingerprint matches any fingerprint.
	LatestIssuedSince(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose, fingerprint *string, since, now time.Time) (*models.OneTimeCode, error)
	Latest(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose) (*models.OneTimeCode, error)
	// Consume marks the newest matching unused, unexpired code as used.
	Consume(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose, code string, fingerprint *string, now time.Time) (*models.OneTimeCode, error)
	// MarkVerified flags a matching unused, unverified, unexpired code as verified.
	MarkVerified(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose, code string, now time.Time) (*models.OneTimeCode, error)
	LatestVerified(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose) (*models.OneTimeCode, error)
	MarkUsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error)
}

type Devices interface {
	Get(ctx context.Context, accountID uuid.UUID, fingerprint string) (*models.DeviceRecord, error)
	Create(ctx context.Context, device *models.DeviceRecord) error
	Touch(ctx context.Context, id uuid.UUID, ipAddress, userAgent string, now time.Time) error
	MarkVerified(ctx context.Context, accountID uuid.UUID, fingerprint string, now time.Time) (bool, error)
	CountVerified(ctx context.Context, accountID uuid.UUID) (int, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]models.DeviceRecord, error)
}

type RefreshTokens interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	Get(ctx context.Context, token string) (*models.RefreshToken, error)
	Revoke(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// MarkRotated revokes a live token and records its successor.
	MarkRotated(ctx context.Context, id, replacedBy uuid.UUID, now time.Time) (bool, error)
	RevokeAllForAccount(ctx context.Context, accountID uuid.UUID, now time.Time) (int64, error)
}

// Store groups the repositories and opens transactions over them.
type Store interface {
	Accounts() Accounts
	Codes() Codes
	Devices() Devices
	RefreshTokens() RefreshTokens
	// WithTx runs fn against a transactional Store. Nested calls reuse the
	// outer transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// dbtx is satisfied by both *sqlx.DB and *sqlx.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}

type PostgresStore struct {
	db   *DB
	q    dbtx
	inTx bool
}

func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db, q: db.DB}
}

func (s *PostgresStore) Accounts() Accounts           { return &AccountRepository{db: s.q} }
func (s *PostgresStore) Codes() Codes                 { return &CodeRepository{db: s.q} }
func (s *PostgresStore) Devices() Devices             { return &DeviceRepository{db: s.q} }
func (s *PostgresStore) RefreshTokens() RefreshTokens { return &RefreshTokenRepository{db: s.q} }

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cerr)
		}
	}()

	return fn(&PostgresStore{db: s.db, q: tx, inTx: true})
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
