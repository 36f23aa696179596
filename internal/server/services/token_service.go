package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/internal/logging"
	"github.com/kamikazebr/luna-auth/internal/server/storage"
	"github.com/kamikazebr/luna-auth/pkg/models"
	"github.com/kamikazebr/luna-auth/pkg/utils"
)

const (
	refreshTokenBytes = 48
	tokenTypeBearer   = "Bearer"
)

// TokenReuseError is returned when an already rotated refresh token is
// presented again. Every token of the owner has been revoked by then.
type TokenReuseError struct {
	AccountID uuid.UUID
	Revoked   int64
}

func (e *TokenReuseError) Error() string { return "refresh token reuse detected" }

func (e *TokenReuseError) Unwrap() error { return ErrExpired }

type TokenConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenService mints access tokens and rotates opaque refresh tokens.
type TokenService struct {
	store storage.Store
	cfg   TokenConfig
	now   func() time.Time
	log   logging.Logger
}

func NewTokenService(store storage.Store, cfg TokenConfig, now func() time.Time, log logging.Logger) *TokenService {
	if now == nil {
		now = time.Now
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &TokenService{store: store, cfg: cfg, now: now, log: log}
}

func (s *TokenService) WithStore(store storage.Store) *TokenService {
	c := *s
	c.store = store
	return &c
}

func (s *TokenService) IssueAccessToken(account *models.Account) (string, time.Time, error) {
	now := s.now().UTC()
	token, err := utils.GenerateJWT(account.ID, account.Email, string(account.Role), s.cfg.Issuer, s.cfg.Secret, now, s.cfg.AccessTTL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate JWT: %w", err)
	}
	return token, now.Add(s.cfg.AccessTTL), nil
}

func (s *TokenService) IssueRefreshToken(ctx context.Context, account *models.Account) (*models.RefreshToken, error) {
	value, err := utils.GenerateOpaqueToken(refreshTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := s.now().UTC()
	rt := &models.RefreshToken{
		AccountID: account.ID,
		Token:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}
	if err := s.store.RefreshTokens().Create(ctx, rt); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return rt, nil
}

func (s *TokenService) IssuePair(ctx context.Context, account *models.Account) (*models.TokenPair, error) {
	access, accessExp, err := s.IssueAccessToken(account)
	if err != nil {
		return nil, err
	}
	refresh, err := s.IssueRefreshToken(ctx, account)
	if err != nil {
		return nil, err
	}
	return &models.TokenPair{
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          refresh.Token,
		RefreshTokenExpiresAt: refresh.ExpiresAt,
		TokenType:             tokenTypeBearer,
	}, nil
}

// Rotate exchanges a live refresh token for a new pair and revokes it in the
// same transaction. Of two concurrent rotations of one token only one wins;
// the other gets ErrExpired. Presenting a token that was already rotated is
// reuse; a token revoked any other way is just expired.
func (s *TokenService) Rotate(ctx context.Context, oldToken string) (*models.TokenPair, *models.Account, error) {
	if oldToken == "" {
		return nil, nil, ErrInvalidToken
	}

	rt, err := s.store.RefreshTokens().Get(ctx, oldToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if rt == nil {
		return nil, nil, ErrInvalidToken
	}

	now := s.now().UTC()
	if rt.Revoked {
		if rt.ReplacedBy == nil {
			return nil, nil, ErrExpired
		}
		// runs outside any transaction so the revocation sticks
		n, err := s.store.RefreshTokens().RevokeAllForAccount(ctx, rt.AccountID, now)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to revoke tokens after reuse: %w", err)
		}
		s.log.Warn(ctx, "refresh token reuse detected", "account_id", rt.AccountID, "revoked", n)
		return nil, nil, &TokenReuseError{AccountID: rt.AccountID, Revoked: n}
	}
	if !now.Before(rt.ExpiresAt) {
		return nil, nil, ErrExpired
	}

	var (
		pair    *models.TokenPair
		account *models.Account
	)
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		account, err = tx.Accounts().GetByID(ctx, rt.AccountID)
		if err != nil {
			return fmt.Errorf("failed to get account: %w", err)
		}
		if account == nil || !account.Active {
			return ErrUnauthorized
		}

		txTokens := s.WithStore(tx)
		refresh, err := txTokens.IssueRefreshToken(ctx, account)
		if err != nil {
			return err
		}
		rotated, err := tx.RefreshTokens().MarkRotated(ctx, rt.ID, refresh.ID, now)
		if err != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		if !rotated {
			return ErrExpired
		}

		access, accessExp, err := txTokens.IssueAccessToken(account)
		if err != nil {
			return err
		}
		pair = &models.TokenPair{
			AccessToken:           access,
			AccessTokenExpiresAt:  accessExp,
			RefreshToken:          refresh.Token,
			RefreshTokenExpiresAt: refresh.ExpiresAt,
			TokenType:             tokenTypeBearer,
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pair, account, nil
}

// Revoke invalidates a refresh token. Revoking an already revoked token is a no-op.
func (s *TokenService) Revoke(ctx context.Context, token string) (*models.RefreshToken, error) {
	rt, err := s.store.RefreshTokens().Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if rt == nil {
		return nil, ErrInvalidToken
	}
	if _, err := s.store.RefreshTokens().Revoke(ctx, rt.ID, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return rt, nil
}

// RevokeAll invalidates every active refresh token of an account.
func (s *TokenService) RevokeAll(ctx context.Context, account *models.Account) (int64, error) {
	n, err := s.store.RefreshTokens().RevokeAllForAccount(ctx, account.ID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return n, nil
}

// ParseAccessToken verifies signature, issuer and expiry of an access token.
func (s *TokenService) ParseAccessToken(token string) (*utils.Claims, error) {
	claims, err := utils.ValidateJWTAt(token, s.cfg.Secret, s.cfg.Issuer, s.now())
	if err != nil {
		if errors.Is(err, utils.ErrInvalidJWT) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return claims, nil
}
