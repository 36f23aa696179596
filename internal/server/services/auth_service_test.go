package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kamikazebr/luna-auth/internal/server/ratelimit"
	"github.com/kamikazebr/luna-auth/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RegisterVerifyLogin_FirstDeviceTrusted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account, err := env.auth.Register(ctx, RegisterInput{Email: "A@x.com", Username: "alice", Password: "password1"}, clientA)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", account.Email)
	assert.False(t, account.EmailVerified)
	assert.False(t, account.Active)
	require.NotNil(t, account.CountryCode)
	assert.Equal(t, "BR", *account.CountryCode)
	assert.Equal(t, 1, env.mailer.count())

	// no login before the email is verified
	_, err = env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	assert.ErrorIs(t, err, ErrForbidden)

	code := env.latestCode(t, "a@x.com", models.PurposeEmailVerify)
	assert.Equal(t, env.clock.Now().Add(15*time.Minute), code.ExpiresAt)
	verified, err := env.auth.VerifyEmail(ctx, "a@x.com", code.Code, clientA)
	require.NoError(t, err)
	assert.True(t, verified.EmailVerified)
	assert.True(t, verified.Active)

	result, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)
	assert.False(t, result.RequiresDeviceVerification)
	require.NotNil(t, result.Tokens)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)
	assert.Equal(t, "Bearer", result.Tokens.TokenType)

	device, err := env.auth.Devices().Lookup(ctx, account.ID, "F1")
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.True(t, device.Verified)
	assert.NotNil(t, device.VerifiedAt)

	assert.Equal(t, []AuditEventType{AuditRegistered, AuditEmailVerified, AuditLogin}, env.audit.types())
}

func TestAuthService_Login_NewDeviceRequiresVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.registerVerified(t, "a@x.com", "alice", "password1")

	_, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)
	mailsBefore := env.mailer.count()

	result, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F2"}, clientB)
	require.NoError(t, err)
	assert.True(t, result.RequiresDeviceVerification)
	assert.Nil(t, result.Tokens)
	assert.Equal(t, mailsBefore+1, env.mailer.count())

	pending, err := env.auth.Devices().Lookup(ctx, account.ID, "F2")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.False(t, pending.Verified)

	code := env.latestCode(t, "a@x.com", models.PurposeDeviceVerify)
	require.NotNil(t, code.Fingerprint)
	assert.Equal(t, "F2", *code.Fingerprint)
	assert.Equal(t, env.clock.Now().Add(10*time.Minute), code.ExpiresAt)

	// the code is bound to F2
	_, err = env.auth.VerifyDevice(ctx, VerifyDeviceInput{Email: "a@x.com", Fingerprint: "F3", Code: code.Code}, clientB)
	assert.ErrorIs(t, err, ErrInvalidCode)

	verified, err := env.auth.VerifyDevice(ctx, VerifyDeviceInput{Email: "a@x.com", Fingerprint: "F2", Code: code.Code}, clientB)
	require.NoError(t, err)
	require.NotNil(t, verified.Tokens)

	device, _ := env.auth.Devices().Lookup(ctx, account.ID, "F2")
	assert.True(t, device.Verified)

	// F2 is trusted from now on
	again, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F2"}, clientB)
	require.NoError(t, err)
	assert.False(t, again.RequiresDeviceVerification)
	assert.NotNil(t, again.Tokens)

	// the device code cannot be used twice
	_, err = env.auth.VerifyDevice(ctx, VerifyDeviceInput{Email: "a@x.com", Fingerprint: "F2", Code: code.Code}, clientB)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestAuthService_Login_ChallengeWithinCooldownSendsNoNewCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")
	_, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)

	_, err = env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F2"}, clientB)
	require.NoError(t, err)
	first := env.latestCode(t, "a@x.com", models.PurposeDeviceVerify)
	mails := env.mailer.count()

	env.clock.Advance(10 * time.Second)
	result, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F2"}, clientB)
	require.NoError(t, err)
	assert.True(t, result.RequiresDeviceVerification)
	assert.Equal(t, mails, env.mailer.count())
	assert.Equal(t, first.ID, env.latestCode(t, "a@x.com", models.PurposeDeviceVerify).ID)
}

func TestAuthService_Login_DefaultFingerprint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.registerVerified(t, "a@x.com", "alice", "password1")

	_, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1"}, clientA)
	require.NoError(t, err)

	device, err := env.auth.Devices().Lookup(ctx, account.ID, "unknown-"+clientA.IP)
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.True(t, device.Verified)
}

func TestAuthService_Login_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")

	_, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "wrong-password", Fingerprint: "F1"}, clientA)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = env.auth.Login(ctx, LoginInput{Email: "nobody@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthService_DeviceVerificationDisabled(t *testing.T) {
	env := newTestEnv(t, withoutDeviceVerification())
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")

	for _, fp := range []string{"F1", "F2", "F3"} {
		result, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: fp}, clientA)
		require.NoError(t, err)
		assert.False(t, result.RequiresDeviceVerification)
		assert.NotNil(t, result.Tokens)
	}
}

func TestAuthService_Register_Conflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.auth.Register(ctx, RegisterInput{Email: "a@x.com", Username: "alice", Password: "password1"}, clientA)
	require.NoError(t, err)

	_, err = env.auth.Register(ctx, RegisterInput{Email: "a@x.com", Username: "other", Password: "password1"}, clientA)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = env.auth.Register(ctx, RegisterInput{Email: "b@x.com", Username: "alice", Password: "password1"}, clientA)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = env.auth.Register(ctx, RegisterInput{Email: "not-an-email", Username: "bob", Password: "password1"}, clientA)
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = env.auth.Register(ctx, RegisterInput{Email: "c@x.com", Username: "bob", Password: "short"}, clientA)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestAuthService_Register_EmailFailureKeepsCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mailer.fail = errors.New("smtp down")

	_, err := env.auth.Register(ctx, RegisterInput{Email: "a@x.com", Username: "alice", Password: "password1"}, clientA)
	require.Error(t, err)

	// the account and its code survive the failed send
	code := env.latestCode(t, "a@x.com", models.PurposeEmailVerify)
	assert.False(t, code.Used)

	env.mailer.fail = nil
	env.clock.Advance(61 * time.Second)
	require.NoError(t, env.auth.ResendOTP(ctx, "a@x.com", clientA))
	assert.Equal(t, 1, env.mailer.count())
}

func TestAuthService_VerifyEmail_Once(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.auth.Register(ctx, RegisterInput{Email: "a@x.com", Username: "alice", Password: "password1"}, clientA)
	require.NoError(t, err)
	code := env.latestCode(t, "a@x.com", models.PurposeEmailVerify)

	_, err = env.auth.VerifyEmail(ctx, "a@x.com", "000000", clientA)
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = env.auth.VerifyEmail(ctx, "a@x.com", code.Code, clientA)
	require.NoError(t, err)

	_, err = env.auth.VerifyEmail(ctx, "a@x.com", code.Code, clientA)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = env.auth.VerifyEmail(ctx, "missing@x.com", code.Code, clientA)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthService_VerifyEmail_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.auth.Register(ctx, RegisterInput{Email: "a@x.com", Username: "alice", Password: "password1"}, clientA)
	require.NoError(t, err)
	code := env.latestCode(t, "a@x.com", models.PurposeEmailVerify)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, losses int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.auth.VerifyEmail(ctx, "a@x.com", code.Code, clientA)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrInvalidCode) || errors.Is(err, ErrConflict) {
				losses++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, losses)
}

func TestAuthService_ResendOTP_TooSoonCountsDown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.auth.Register(ctx, RegisterInput{Email: "a@x.com", Username: "alice", Password: "password1"}, clientA)
	require.NoError(t, err)

	env.clock.Advance(10 * time.Second)
	err = env.auth.ResendOTP(ctx, "a@x.com", clientA)
	require.ErrorIs(t, err, ErrTooSoon)
	first := SecondsRemaining(err)
	assert.Equal(t, 50, first)

	env.clock.Advance(15 * time.Second)
	err = env.auth.ResendOTP(ctx, "a@x.com", clientA)
	require.ErrorIs(t, err, ErrTooSoon)
	second := SecondsRemaining(err)
	assert.Positive(t, second)
	assert.Less(t, second, first)

	env.clock.Advance(36 * time.Second)
	require.NoError(t, env.auth.ResendOTP(ctx, "a@x.com", clientA))
	assert.Equal(t, 2, env.mailer.count())


	code := env.latestCode(t, "a@x.com", models.PurposeEmailVerify)
	_, err = env.auth.VerifyEmail(ctx, "a@x.com", code.Code, clientA)
	require.NoError(t, err)
	assert.ErrorIs(t, env.auth.ResendOTP(ctx, "a@x.com", clientA), ErrConflict)
}

func TestAuthService_ResendDeviceOTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")

	err := env.auth.ResendDeviceOTP(ctx, "a@x.com", clientA)
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)
	_, err = env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F2"}, clientB)
	require.NoError(t, err)
	old := env.latestCode(t, "a@x.com", models.PurposeDeviceVerify)

	assert.ErrorIs(t, env.auth.ResendDeviceOTP(ctx, "a@x.com", clientB), ErrTooSoon)

	env.clock.Advance(61 * time.Second)
	require.NoError(t, env.auth.ResendDeviceOTP(ctx, "a@x.com", clientB))
	fresh := env.latestCode(t, "a@x.com", models.PurposeDeviceVerify)
	assert.NotEqual(t, old.ID, fresh.ID)
	require.NotNil(t, fresh.Fingerprint)
	assert.Equal(t, "F2", *fresh.Fingerprint)

	result, err := env.auth.VerifyDevice(ctx, VerifyDeviceInput{Email: "a@x.com", Fingerprint: "F2", Code: fresh.Code}, clientB)
	require.NoError(t, err)
	assert.NotNil(t, result.Tokens)

	env.clock.Advance(61 * time.Second)
	assert.ErrorIs(t, env.auth.ResendDeviceOTP(ctx, "a@x.com", clientB), ErrConflict)
}

func TestAuthService_PasswordReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")
	login, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)

	require.NoError(t, env.auth.ForgotPassword(ctx, "a@x.com", clientA))
	code := env.latestCode(t, "a@x.com", models.PurposePasswordReset)
	assert.Equal(t, env.clock.Now().Add(15*time.Minute), code.ExpiresAt)

	// no password change before the code is verified
	assert.ErrorIs(t, env.auth.ResetPassword(ctx, "a@x.com", "new-password", clientA), ErrInvalidCode)

	require.NoError(t, env.auth.VerifyResetOTP(ctx, "a@x.com", code.Code, clientA))
	require.NoError(t, env.auth.ResetPassword(ctx, "a@x.com", "new-password", clientA))

	_, err = env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	assert.ErrorIs(t, err, ErrUnauthorized)
	result, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "new-password", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)
	assert.NotNil(t, result.Tokens)

	// sessions from before the reset are gone
	_, err = env.auth.RefreshToken(ctx, login.Tokens.RefreshToken, clientA)
	assert.ErrorIs(t, err, ErrExpired)

	// the code is spent
	assert.ErrorIs(t, env.auth.ResetPassword(ctx, "a@x.com", "another-password", clientA), ErrInvalidCode)
}

func TestAuthService_PasswordReset_ExpiresBetweenVerifyAndReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")

	require.NoError(t, env.auth.ForgotPassword(ctx, "a@x.com", clientA))
	code := env.latestCode(t, "a@x.com", models.PurposePasswordReset)
	require.NoError(t, env.auth.VerifyResetOTP(ctx, "a@x.com", code.Code, clientA))

	env.clock.Advance(16 * time.Minute)
	assert.ErrorIs(t, env.auth.ResetPassword(ctx, "a@x.com", "new-password", clientA), ErrInvalidCode)

	_, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)
}

func TestAuthService_RefreshToken_RotationAndReuse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")
	login, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)

	rotated, err := env.auth.RefreshToken(ctx, login.Tokens.RefreshToken, clientA)
	require.NoError(t, err)
	assert.NotEqual(t, login.Tokens.RefreshToken, rotated.RefreshToken)

	// presenting the rotated token again is reuse
	_, err = env.auth.RefreshToken(ctx, login.Tokens.RefreshToken, clientA)
	require.ErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, err, ErrUnauthorized)
	var reuse *TokenReuseError
	require.ErrorAs(t, err, &reuse)
	assert.Equal(t, int64(1), reuse.Revoked)

	// which also kills the replacement
	_, err = env.auth.RefreshToken(ctx, rotated.RefreshToken, clientA)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = env.auth.RefreshToken(ctx, "no-such-token", clientA)
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.Contains(t, env.audit.types(), AuditTokenReuseDetected)
}

func TestAuthService_RefreshToken_ConcurrentRotationSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")
	login, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []*models.TokenPair
	var failures int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := env.auth.RefreshToken(ctx, login.Tokens.RefreshToken, clientA)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, pair)
				return
			}
			if errors.Is(err, ErrUnauthorized) {
				failures++
			}
		}()
	}
	wg.Wait()
	require.Len(t, winners, 1)
	assert.Equal(t, 9, failures)
}

func TestAuthService_RefreshToken_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")
	login, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)

	env.clock.Advance(7*24*time.Hour + time.Second)
	_, err = env.auth.RefreshToken(ctx, login.Tokens.RefreshToken, clientA)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestAuthService_Logout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")
	login, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)

	other, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientB)
	require.NoError(t, err)

	require.NoError(t, env.auth.Logout(ctx, login.Tokens.RefreshToken, clientA))
	_, err = env.auth.RefreshToken(ctx, login.Tokens.RefreshToken, clientA)
	assert.ErrorIs(t, err, ErrExpired)
	var reuse *TokenReuseError
	assert.False(t, errors.As(err, &reuse))

	// replaying a logged-out token leaves other sessions alone
	_, err = env.auth.RefreshToken(ctx, other.Tokens.RefreshToken, clientB)
	require.NoError(t, err)
	assert.NotContains(t, env.audit.types(), AuditTokenReuseDetected)
	assert.ErrorIs(t, env.auth.Logout(ctx, "unknown", clientA), ErrInvalidToken)
}

func TestAuthService_GoogleAuth_LinksExistingLocalAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.auth.Register(ctx, RegisterInput{Email: "a@x.com", Username: "alice", Password: "password1"}, clientA)
	require.NoError(t, err)

	env.identity.tokens["google-token"] = &FederatedIdentity{
		Subject: "google-sub-1", Email: "a@x.com", EmailVerified: true, Name: "Alice", Picture: "https://img/alice.png",
	}
	result, err := env.auth.GoogleAuth(ctx, "google-token", clientA)
	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
	assert.Equal(t, models.AuthProviderGoogle, result.Account.Provider)
	assert.True(t, result.Account.EmailVerified)
	assert.True(t, result.Account.Active)
	assert.False(t, result.Account.HasPassword())
	require.NotNil(t, result.Account.AvatarURL)
	assert.Equal(t, "https://img/alice.png", *result.Account.AvatarURL)

	_, err = env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// second sign-in finds the linked account
	again, err := env.auth.GoogleAuth(ctx, "google-token", clientA)
	require.NoError(t, err)
	assert.Equal(t, result.Account.ID, again.Account.ID)
	assert.Equal(t, []AuditEventType{AuditRegistered, AuditGoogleLinked, AuditGoogleLogin}, env.audit.types())
}

func TestAuthService_GoogleAuth_CreatesAccountWithUniqueUsername(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerVerified(t, "alice@x.com", "alice", "password1")

	env.identity.tokens["tok"] = &FederatedIdentity{
		Subject: "sub-2", Email: "Alice@Other.com", EmailVerified: true, Name: "Alice",
	}
	result, err := env.auth.GoogleAuth(ctx, "tok", clientA)
	require.NoError(t, err)
	assert.Equal(t, "alice@other.com", result.Account.Email)
	assert.Equal(t, "alice1", result.Account.Username)
	assert.True(t, result.Account.EmailVerified)
	assert.True(t, result.Account.Active)
	require.NotNil(t, result.Account.CountryCode)
	assert.Equal(t, "BR", *result.Account.CountryCode)
	assert.Contains(t, env.audit.types(), AuditGoogleRegistered)
}

func TestAuthService_GoogleAuth_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.auth.GoogleAuth(ctx, "forged", clientA)
	assert.ErrorIs(t, err, ErrInvalidToken)

	env.identity.tokens["unverified"] = &FederatedIdentity{Subject: "s", Email: "u@x.com", EmailVerified: false}
	_, err = env.auth.GoogleAuth(ctx, "unverified", clientA)
	assert.ErrorIs(t, err, ErrBadRequest)

	env.identity.tokens["no-email"] = &FederatedIdentity{Subject: "s2", EmailVerified: true}
	_, err = env.auth.GoogleAuth(ctx, "no-email", clientA)
	assert.ErrorIs(t, err, ErrBadRequest)

	env.identity.tokens["first"] = &FederatedIdentity{Subject: "s3", Email: "g@x.com", EmailVerified: true}
	env.identity.tokens["other-sub"] = &FederatedIdentity{Subject: "s4", Email: "g@x.com", EmailVerified: true}
	_, err = env.auth.GoogleAuth(ctx, "first", clientA)
	require.NoError(t, err)
	_, err = env.auth.GoogleAuth(ctx, "other-sub", clientA)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAuthService_RateLimitedLogin(t *testing.T) {
	clock := newTestClock()
	env := newTestEnv(t, withLimiter(ratelimit.NewMemoryStoreWithClock(3, 5*time.Minute, clock.Now)))
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")

	for i := 0; i < 3; i++ {
		_, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "bad-password", Fingerprint: "F1"}, clientA)
		assert.ErrorIs(t, err, ErrUnauthorized)
	}
	_, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	assert.ErrorIs(t, err, ErrRateLimited)

	// a different client address has its own bucket
	_, err = env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientB)
	require.NoError(t, err)
}

func wrongCode(real string) string {
	if real == "000000" {
		return "111111"
	}
	return "000000"
}

func TestAuthService_RateLimitedResetCodeGuessing(t *testing.T) {
	limiterClock := newTestClock()
	env := newTestEnv(t, withLimiter(ratelimit.NewMemoryStoreWithClock(3, 5*time.Minute, limiterClock.Now)))
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")

	require.NoError(t, env.auth.ForgotPassword(ctx, "a@x.com", clientA))
	code := env.latestCode(t, "a@x.com", models.PurposePasswordReset)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, env.auth.VerifyResetOTP(ctx, "a@x.com", wrongCode(code.Code), clientA), ErrInvalidCode)
	}
	// even the right code is refused once the bucket is empty
	assert.ErrorIs(t, env.auth.VerifyResetOTP(ctx, " A@x.com", code.Code, clientA), ErrRateLimited)

	limiterClock.Advance(5 * time.Minute)
	require.NoError(t, env.auth.VerifyResetOTP(ctx, "a@x.com", code.Code, clientA))
}

func TestAuthService_RateLimitedEmailCodeGuessing(t *testing.T) {
	limiterClock := newTestClock()
	env := newTestEnv(t, withLimiter(ratelimit.NewMemoryStoreWithClock(3, 5*time.Minute, limiterClock.Now)))
	ctx := context.Background()

	_, err := env.auth.Register(ctx, RegisterInput{Email: "a@x.com", Username: "alice", Password: "password1"}, clientA)
	require.NoError(t, err)
	code := env.latestCode(t, "a@x.com", models.PurposeEmailVerify)

	for i := 0; i < 3; i++ {
		_, err = env.auth.VerifyEmail(ctx, "a@x.com", wrongCode(code.Code), clientA)
		assert.ErrorIs(t, err, ErrInvalidCode)
	}
	_, err = env.auth.VerifyEmail(ctx, "a@x.com", code.Code, clientA)
	assert.ErrorIs(t, err, ErrRateLimited)

	limiterClock.Advance(5 * time.Minute)
	account, err := env.auth.VerifyEmail(ctx, "a@x.com", code.Code, clientA)
	require.NoError(t, err)
	assert.True(t, account.EmailVerified)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, ratelimit.ErrUnavailable
}

func TestAuthService_LimiterFailureRejects(t *testing.T) {
	env := newTestEnv(t, withLimiter(failingLimiter{}))
	_, err := env.auth.Register(context.Background(), RegisterInput{Email: "a@x.com", Username: "alice", Password: "password1"}, clientA)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestAuthService_AuditFailureDoesNotFailLogin(t *testing.T) {
	env := newTestEnv(t)
	env.audit.fail = true
	ctx := context.Background()
	env.registerVerified(t, "a@x.com", "alice", "password1")

	result, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)
	assert.NotNil(t, result.Tokens)
}

func TestAuthService_Authenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.registerVerified(t, "a@x.com", "alice", "password1")
	login, err := env.auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "password1", Fingerprint: "F1"}, clientA)
	require.NoError(t, err)

	got, err := env.auth.Authenticate(ctx, login.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)

	_, err = env.auth.Authenticate(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	env.clock.Advance(16 * time.Minute)
	_, err = env.auth.Authenticate(ctx, login.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_SweepExpiredCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.auth.Register(ctx, RegisterInput{Email: "a@x.com", Username: "alice", Password: "password1"}, clientA)
	require.NoError(t, err)

	n, err := env.auth.SweepExpiredCodes(ctx, env.clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	env.clock.Advance(25 * time.Hour)
	n, err = env.auth.SweepExpiredCodes(ctx, env.clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
