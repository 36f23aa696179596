package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/internal/logging"
	"github.com/kamikazebr/luna-auth/internal/server/storage/memory"
	"github.com/kamikazebr/luna-auth/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTokenFixture(t *testing.T) (*TokenService, *memory.Store, *testClock, *models.Account) {
	t.Helper()
	clock := newTestClock()
	store := memory.New(clock.Now)
	account := &models.Account{
		ID: uuid.New(), Email: "t@x.com", Username: "tok", Provider: models.AuthProviderLocal,
		Role: models.RoleUser, Active: true, EmailVerified: true,
	}
	require.NoError(t, store.Accounts().Create(context.Background(), account))

	tokens := NewTokenService(store, TokenConfig{
		Secret:     "test-secret-key-for-testing",
		Issuer:     "luna-auth",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, clock.Now, logging.Discard())
	return tokens, store, clock, account
}

func TestTokenService_IssuePair(t *testing.T) {
	tokens, _, clock, account := newTokenFixture(t)

	pair, err := tokens.IssuePair(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, clock.Now().Add(15*time.Minute), pair.AccessTokenExpiresAt)
	assert.Equal(t, clock.Now().Add(7*24*time.Hour), pair.RefreshTokenExpiresAt)
	assert.GreaterOrEqual(t, len(pair.RefreshToken), 64)

	claims, err := tokens.ParseAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID, claims.UserID)
	assert.Equal(t, account.Email, claims.Email)
}

func TestTokenService_ParseAccessToken_Rejections(t *testing.T) {
	tokens, store, clock, account := newTokenFixture(t)
	access, _, err := tokens.IssueAccessToken(account)
	require.NoError(t, err)

	other := NewTokenService(store, TokenConfig{Secret: "another-secret", Issuer: "luna-auth"}, clock.Now, logging.Discard())
	_, err = other.ParseAccessToken(access)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign := NewTokenService(store, TokenConfig{Secret: "test-secret-key-for-testing", Issuer: "someone-else"}, clock.Now, logging.Discard())
	_, err = foreign.ParseAccessToken(access)
	assert.ErrorIs(t, err, ErrInvalidToken)

	clock.Advance(15*time.Minute + time.Second)
	_, err = tokens.ParseAccessToken(access)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_Rotate(t *testing.T) {
	tokens, store, _, account := newTokenFixture(t)
	ctx := context.Background()

	pair, err := tokens.IssuePair(ctx, account)
	require.NoError(t, err)

	next, owner, err := tokens.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID, owner.ID)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	old, err := store.RefreshTokens().Get(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, old.Revoked)
	assert.NotNil(t, old.RevokedAt)
	successor, err := store.RefreshTokens().Get(ctx, next.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, old.ReplacedBy)
	assert.Equal(t, successor.ID, *old.ReplacedBy)

	_, _, err = tokens.Rotate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_RotateInactiveAccount(t *testing.T) {
	tokens, store, _, _ := newTokenFixture(t)
	ctx := context.Background()

	inactive := &models.Account{
		ID: uuid.New(), Email: "i@x.com", Username: "inactive", Provider: models.AuthProviderLocal, Role: models.RoleUser,
	}
	require.NoError(t, store.Accounts().Create(ctx, inactive))
	rt, err := tokens.IssueRefreshToken(ctx, inactive)
	require.NoError(t, err)

	_, _, err = tokens.Rotate(ctx, rt.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// the failed rotation rolled back, so the token is still live
	stored, err := store.RefreshTokens().Get(ctx, rt.Token)
	require.NoError(t, err)
	assert.False(t, stored.Revoked)
}

func TestTokenService_ReuseRevokesEverything(t *testing.T) {
	tokens, store, _, account := newTokenFixture(t)
	ctx := context.Background()

	a, err := tokens.IssuePair(ctx, account)
	require.NoError(t, err)
	b, err := tokens.IssuePair(ctx, account)
	require.NoError(t, err)

	_, _, err = tokens.Rotate(ctx, a.RefreshToken)
	require.NoError(t, err)

	_, _, err = tokens.Rotate(ctx, a.RefreshToken)
	var reuse *TokenReuseError
	require.ErrorAs(t, err, &reuse)
	assert.Equal(t, account.ID, reuse.AccountID)
	assert.Equal(t, int64(2), reuse.Revoked)

	other, err := store.RefreshTokens().Get(ctx, b.RefreshToken)
	require.NoError(t, err)
	assert.True(t, other.Revoked)
}

func TestTokenService_RevokedNotRotatedIsPlainExpiry(t *testing.T) {
	tokens, store, _, account := newTokenFixture(t)
	ctx := context.Background()

	a, err := tokens.IssuePair(ctx, account)
	require.NoError(t, err)
	b, err := tokens.IssuePair(ctx, account)
	require.NoError(t, err)

	_, err = tokens.Revoke(ctx, a.RefreshToken)
	require.NoError(t, err)

	_, _, err = tokens.Rotate(ctx, a.RefreshToken)
	assert.ErrorIs(t, err, ErrExpired)
	var reuse *TokenReuseError
	assert.False(t, errors.As(err, &reuse))

	live, err := store.RefreshTokens().Get(ctx, b.RefreshToken)
	require.NoError(t, err)
	assert.False(t, live.Revoked)
}

func TestTokenService_RevokeIsIdempotent(t *testing.T) {
	tokens, _, _, account := newTokenFixture(t)
	ctx := context.Background()

	pair, err := tokens.IssuePair(ctx, account)
	require.NoError(t, err)

	rt, err := tokens.Revoke(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID, rt.AccountID)
	_, err = tokens.Revoke(ctx, pair.RefreshToken)
	require.NoError(t, err)

	_, err = tokens.Revoke(ctx, "missing")
	assert.ErrorIs(t, err, ErrInvalidToken)

	n, err := tokens.RevokeAll(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
