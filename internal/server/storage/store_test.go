package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/internal/server/storage"
	"github.com/kamikazebr/luna-auth/internal/testutil"
	"github.com/kamikazebr/luna-auth/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountRepository_CreateAndLookup(t *testing.T) {
	tdb := testutil.GetTestDB(t)
	ctx := context.Background()
	store := tdb.Store()

	hash := "hash"
	account := &models.Account{
		Email:        testutil.GenerateTestEmail(),
		Username:     testutil.GenerateTestUsername(),
		PasswordHash: &hash,
		Provider:     models.AuthProviderLocal,
		Role:         models.RoleUser,
	}
	require.NoError(t, store.Accounts().Create(ctx, account))
	t.Cleanup(func() { tdb.DeleteTestAccount(context.Background(), account.ID) })
	assert.NotEqual(t, uuid.Nil, account.ID)

	byEmail, err := store.Accounts().GetByEmail(ctx, account.Email)
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, account.ID, byEmail.ID)

	exists, err := store.Accounts().ExistsByUsername(ctx, account.Username)
	require.NoError(t, err)
	assert.True(t, exists)

	missing, err := store.Accounts().GetByEmail(ctx, "nobody-"+account.Email)
	require.NoError(t, err)
	assert.Nil(t, missing)

	dup := *account
	dup.ID = uuid.New()
	dup.Username = testutil.GenerateTestUsername()
	err = store.Accounts().Create(ctx, &dup)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	flipped, err := store.Accounts().MarkEmailVerified(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, flipped)
	flipped, err = store.Accounts().MarkEmailVerified(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, flipped)
}

func TestAccountRepository_LinkProviderClearsPassword(t *testing.T) {
	tdb := testutil.GetTestDB(t)
	ctx := context.Background()
	store := tdb.Store()
	account := tdb.CreateTestAccount(ctx, testutil.GenerateTestEmail())

	providerID := "google-" + uuid.New().String()
	require.NoError(t, store.Accounts().LinkProvider(ctx, account.ID, models.AuthProviderGoogle, providerID, nil))

	linked, err := store.Accounts().GetByProvider(ctx, models.AuthProviderGoogle, providerID)
	require.NoError(t, err)
	require.NotNil(t, linked)
	assert.Nil(t, linked.PasswordHash)
	assert.False(t, linked.HasPassword())

	err = store.Accounts().UpdatePassword(ctx, account.ID, "new-hash")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCodeRepository_ConsumeOnce(t *testing.T) {
	tdb := testutil.GetTestDB(t)
	ctx := context.Background()
	store := tdb.Store()
	account := tdb.CreateTestAccount(ctx, testutil.GenerateTestEmail())
	now := time.Now().UTC().Truncate(time.Microsecond)

	code := &models.OneTimeCode{
		AccountID: account.ID,
		Purpose:   models.PurposeEmailVerify,
		Code:      "123456",
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	require.NoError(t, store.Codes().Create(ctx, code))

	// wrong purpose never matches
	other, err := store.Codes().Consume(ctx, account.ID, models.PurposePasswordReset, "123456", nil, now)
	require.NoError(t, err)
	assert.Nil(t, other)

	var wg sync.WaitGroup
	results := make(chan *models.OneTimeCode, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := store.Codes().Consume(ctx, account.ID, models.PurposeEmailVerify, "123456", nil, now)
			if err == nil && c != nil {
				results <- c
			}
		}()
	}
	wg.Wait()
	close(results)

	var won int
	for c := range results {
		won++
		assert.Equal(t, code.ID, c.ID)
		assert.True(t, c.Used)
	}
	assert.Equal(t, 1, won)
}

func TestCodeRepository_ExpiredAndCleanup(t *testing.T) {
	tdb := testutil.GetTestDB(t)
	ctx := context.Background()
	store := tdb.Store()
	account := tdb.CreateTestAccount(ctx, testutil.GenerateTestEmail())
	now := time.Now().UTC().Truncate(time.Microsecond)

	old := &models.OneTimeCode{
		AccountID: account.ID,
		Purpose:   models.PurposePasswordReset,
		Code:      "654321",
		CreatedAt: now.Add(-25 * time.Hour),
		ExpiresAt: now.Add(-25*time.Hour + 10*time.Minute),
	}
	require.NoError(t, store.Codes().Create(ctx, old))

	c, err := store.Codes().MarkVerified(ctx, account.ID, models.PurposePasswordReset, "654321", now)
	require.NoError(t, err)
	assert.Nil(t, c)

	deleted, err := store.Codes().DeleteCreatedBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	latest, err := store.Codes().Latest(ctx, account.ID, models.PurposePasswordReset)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestDeviceRepository_UniquePairAndPromotion(t *testing.T) {
	tdb := testutil.GetTestDB(t)
	ctx := context.Background()
	store := tdb.Store()
	account := tdb.CreateTestAccount(ctx, testutil.GenerateTestEmail())
	now := time.Now().UTC().Truncate(time.Microsecond)

	device := &models.DeviceRecord{
		AccountID:   account.ID,
		Fingerprint: "fp-1",
		IPAddress:   "203.0.113.7",
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	require.NoError(t, store.Devices().Create(ctx, device))

	again := *device
	again.ID = uuid.Nil
	assert.ErrorIs(t, store.Devices().Create(ctx, &again), storage.ErrDuplicate)

	found, err := store.Devices().MarkVerified(ctx, account.ID, "fp-1", now)
	require.NoError(t, err)
	assert.True(t, found)

	count, err := store.Devices().CountVerified(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	found, err = store.Devices().MarkVerified(ctx, account.ID, "fp-unknown", now)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeviceRepository_DuplicateKeepsTxUsable(t *testing.T) {
	tdb := testutil.GetTestDB(t)
	ctx := context.Background()
	store := tdb.Store()
	account := tdb.CreateTestAccount(ctx, testutil.GenerateTestEmail())
	now := time.Now().UTC().Truncate(time.Microsecond)

	device := &models.DeviceRecord{AccountID: account.ID, Fingerprint: "fp-dup", FirstSeenAt: now, LastSeenAt: now}
	require.NoError(t, store.Devices().Create(ctx, device))

	err := store.WithTx(ctx, func(tx storage.Store) error {
		again := models.DeviceRecord{AccountID: account.ID, Fingerprint: "fp-dup", FirstSeenAt: now, LastSeenAt: now}
		assert.ErrorIs(t, tx.Devices().Create(ctx, &again), storage.ErrDuplicate)

		// the insert conflicted without aborting the transaction
		found, err := tx.Devices().Get(ctx, account.ID, "fp-dup")
		if err != nil {
			return err
		}
		assert.NotNil(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestRefreshTokenRepository_RevokeOnce(t *testing.T) {
	tdb := testutil.GetTestDB(t)
	ctx := context.Background()
	store := tdb.Store()
	account := tdb.CreateTestAccount(ctx, testutil.GenerateTestEmail())
	now := time.Now().UTC().Truncate(time.Microsecond)

	token := &models.RefreshToken{
		AccountID: account.ID,
		Token:     "rt-" + uuid.New().String(),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, store.RefreshTokens().Create(ctx, token))

	ok, err := store.RefreshTokens().Revoke(ctx, token.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.RefreshTokens().Revoke(ctx, token.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.RefreshTokens().Get(ctx, token.Token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Revoked)
}

func TestRefreshTokenRepository_MarkRotated(t *testing.T) {
	tdb := testutil.GetTestDB(t)
	ctx := context.Background()
	store := tdb.Store()
	account := tdb.CreateTestAccount(ctx, testutil.GenerateTestEmail())
	now := time.Now().UTC().Truncate(time.Microsecond)

	token := &models.RefreshToken{
		AccountID: account.ID,
		Token:     "rt-" + uuid.New().String(),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, store.RefreshTokens().Create(ctx, token))

	next := uuid.New()
	ok, err := store.RefreshTokens().MarkRotated(ctx, token.ID, next, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.RefreshTokens().MarkRotated(ctx, token.ID, uuid.New(), now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.RefreshTokens().Get(ctx, token.Token)
	require.NoError(t, err)
	require.NotNil(t, got.ReplacedBy)
	assert.Equal(t, next, *got.ReplacedBy)
}

func TestPostgresStore_WithTxRollsBack(t *testing.T) {
	tdb := testutil.GetTestDB(t)
	ctx := context.Background()
	store := tdb.Store()
	account := tdb.CreateTestAccount(ctx, testutil.GenerateTestEmail())
	now := time.Now().UTC()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.Accounts().Lock(ctx, account.ID); err != nil {
			return err
		}
		if err := tx.Codes().Create(ctx, &models.OneTimeCode{
			AccountID: account.ID,
			Purpose:   models.PurposeDeviceVerify,
			Code:      "111111",
			CreatedAt: now,
			ExpiresAt: now.Add(time.Minute),
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	latest, err := store.Codes().Latest(ctx, account.ID, models.PurposeDeviceVerify)
	require.NoError(t, err)
	assert.Nil(t, latest)
}
