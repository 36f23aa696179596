package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/internal/logging"
	"github.com/kamikazebr/luna-auth/internal/server/ratelimit"
	"github.com/kamikazebr/luna-auth/internal/server/storage"
	"github.com/kamikazebr/luna-auth/pkg/models"
	"github.com/kamikazebr/luna-auth/pkg/utils"
)

const maxUsernameAttempts = 1000

// ClientInfo identifies the caller of a flow.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// DefaultFingerprint is used when a client sends no device fingerprint.
func DefaultFingerprint(fingerprint, ip string) string {
	if fingerprint != "" {
		return fingerprint
	}
	return "unknown-" + ip
}

type AuthDeps struct {
	Store    storage.Store
	Hasher   PasswordHasher
	Mailer   Mailer
	Identity IdentityVerifier
	Audit    AuditSink
	Geo      GeoLocator
	Limiter  ratelimit.Store
	Log      logging.Logger
	Now      func() time.Time

	Codes  CodePolicy
	Tokens TokenConfig

	DeviceVerificationEnabled bool
}

// LoginResult carries either tokens or a device verification challenge.
type LoginResult struct {
	Account                    *models.Account
	Tokens                     *models.TokenPair
	RequiresDeviceVerification bool
}

// AuthService runs the account and session flows on top of the code, device
// and token services.
type AuthService struct {
	store    storage.Store
	codes    *CodeService
	devices  *DeviceService
	tokens   *TokenService
	email    *EmailService
	hasher   PasswordHasher
	identity IdentityVerifier
	geo      GeoLocator
	limiter  ratelimit.Store
	audit    *auditRecorder
	log      logging.Logger
	now      func() time.Time

	deviceVerification bool
}

func NewAuthService(deps AuthDeps) *AuthService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.Unlimited{}
	}
	if deps.Hasher == nil {
		deps.Hasher = NewBcryptHasher(0)
	}

	return &AuthService{
		store:              deps.Store,
		codes:              NewCodeService(deps.Store, deps.Codes, deps.Now),
		devices:            NewDeviceService(deps.Store, deps.Now),
		tokens:             NewTokenService(deps.Store, deps.Tokens, deps.Now, deps.Log),
		email:              NewEmailService(deps.Mailer),
		hasher:             deps.Hasher,
		identity:           deps.Identity,
		geo:                deps.Geo,
		limiter:            deps.Limiter,
		audit:              &auditRecorder{sink: deps.Audit, log: deps.Log, now: deps.Now},
		log:                deps.Log,
		now:                deps.Now,
		deviceVerification: deps.DeviceVerificationEnabled,
	}
}

func (s *AuthService) Tokens() *TokenService   { return s.tokens }
func (s *AuthService) Devices() *DeviceService { return s.devices }

// admit consumes one unit of the action's bucket. A limiter failure rejects the request.
func (s *AuthService) admit(ctx context.Context, action string, parts ...string) error {
	ok, err := s.limiter.Allow(ctx, ratelimit.Key(action, parts...))
	if err != nil {
		s.log.Warn(ctx, "rate limiter unavailable", "action", action, "error", err)
		return ErrRateLimited
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

func (s *AuthService) accountByEmail(ctx context.Context, email string) (*models.Account, error) {
	account, err := s.store.Accounts().GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: account not found", ErrNotFound)
	}
	return account, nil
}

func (s *AuthService) locate(ctx context.Context, ip string) *GeoLocation {
	if s.geo == nil {
		return nil
	}
	loc, err := s.geo.Locate(ctx, ip)
	if err != nil {
		s.log.Warn(ctx, "geo lookup failed", "ip", ip, "error", err)
		return nil
	}
	return loc
}

type RegisterInput struct {
	Email    string
	Username string
	Password string
}

// Register creates an unverified LOCAL account and emails a verification code.
// If the email cannot be sent the account and code stay; the user can resend.
func (s *AuthService) Register(ctx context.Context, in RegisterInput, client ClientInfo) (*models.Account, error) {
	if err := s.admit(ctx, "register", client.IP); err != nil {
		return nil, err
	}

	email := utils.NormalizeEmail(in.Email)
	if !utils.IsValidEmail(email) {
		return nil, fmt.Errorf("%w: invalid email format", ErrBadRequest)
	}
	if !utils.IsValidUsername(in.Username) {
		return nil, fmt.Errorf("%w: username must be 3-20 letters, digits, '_' or '.'", ErrBadRequest)
	}
	if !utils.IsValidPassword(in.Password) {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrBadRequest, utils.MinPasswordLength)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	loc := s.locate(ctx, client.IP)

	account := &models.Account{
		ID:           uuid.New(),
		Email:        email,
		Username:     in.Username,
		PasswordHash: &hash,
		Provider:     models.AuthProviderLocal,
		Role:         models.RoleUser,
	}
	if loc != nil {
		account.CountryCode = &loc.CountryCode
		account.Country = &loc.Country
	}

	var code *models.OneTimeCode
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		existing, err := tx.Accounts().GetByEmail(ctx, email)
		if err != nil {
			return fmt.Errorf("failed to check email: %w", err)
		}
		if existing != nil {
			return fmt.Errorf("%w: email already registered", ErrConflict)
		}
		taken, err := tx.Accounts().ExistsByUsername(ctx, in.Username)
		if err != nil {
			return fmt.Errorf("failed to check username: %w", err)
		}
		if taken {
			return fmt.Errorf("%w: username already taken", ErrConflict)
		}

		if err := tx.Accounts().Create(ctx, account); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return fmt.Errorf("%w: email or username already taken", ErrConflict)
			}
			return fmt.Errorf("failed to create account: %w", err)
		}

		code, err = s.codes.WithStore(tx).Issue(ctx, account.ID, models.PurposeEmailVerify, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit.record(ctx, account.ID, AuditRegistered, client, nil)

	if err := s.email.SendVerificationCode(ctx, email, code.Code, s.codes.TTL(models.PurposeEmailVerify)); err != nil {
		return account, fmt.Errorf("failed to send verification email: %w", err)
	}
	return account, nil
}

// VerifyEmail consumes an EMAIL_VERIFY code and activates the account.
func (s *AuthService) VerifyEmail(ctx context.Context, email, code string, client ClientInfo) (*models.Account, error) {
	email = utils.NormalizeEmail(email)
	if err := s.admit(ctx, "verify-email", client.IP, email); err != nil {
		return nil, err
	}
	account, err := s.accountByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if account.EmailVerified {
		return nil, fmt.Errorf("%w: email already verified", ErrConflict)
	}

	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		if _, err := s.codes.WithStore(tx).Consume(ctx, account.ID, models.PurposeEmailVerify, code, nil); err != nil {
			return err
		}
		flipped, err := tx.Accounts().MarkEmailVerified(ctx, account.ID)
		if err != nil {
			return fmt.Errorf("failed to verify email: %w", err)
		}
		if !flipped {
			return fmt.Errorf("%w: email already verified", ErrConflict)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	account.EmailVerified = true
	account.Active = true
	s.audit.record(ctx, account.ID, AuditEmailVerified, client, nil)
	return account, nil
}

// ResendOTP issues a fresh EMAIL_VERIFY code, subject to the cooldown.
func (s *AuthService) ResendOTP(ctx context.Context, email string, client ClientInfo) error {
	email = utils.NormalizeEmail(email)
	if err := s.admit(ctx, "resend", client.IP, email); err != nil {
		return err
	}

	account, err := s.accountByEmail(ctx, email)
	if err != nil {
		return err
	}
	if account.EmailVerified {
		return fmt.Errorf("%w: email already verified", ErrConflict)
	}

	code, err := s.issueLocked(ctx, account.ID, models.PurposeEmailVerify, nil)
	if err != nil {
		return err
	}
	if err := s.email.SendVerificationCode(ctx, email, code.Code, s.codes.TTL(models.PurposeEmailVerify)); err != nil {
		return fmt.Errorf("failed to send verification email: %w", err)
	}
	return nil
}

// issueLocked issues a code while holding the account lock so concurrent
// requests cannot both slip past the cooldown.
func (s *AuthService) issueLocked(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose, fingerprint *string) (*models.OneTimeCode, error) {
	var code *models.OneTimeCode
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.Accounts().Lock(ctx, accountID); err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}
		var err error
		code, err = s.codes.WithStore(tx).Issue(ctx, accountID, purpose, fingerprint)
		return err
	})
	return code, err
}

type LoginInput struct {
	Email       string
	Password    string
	Fingerprint string
}

// Login checks the password and then runs device admission. Only the
// account's first device, or an already verified one, receives tokens
// directly; anything else gets a DEVICE_VERIFY code by email.
func (s *AuthService) Login(ctx context.Context, in LoginInput, client ClientInfo) (*LoginResult, error) {
	email := utils.NormalizeEmail(in.Email)
	fingerprint := DefaultFingerprint(in.Fingerprint, client.IP)

	if err := s.admit(ctx, "login", client.IP, email); err != nil {
		return nil, err
	}

	account, err := s.store.Accounts().GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: invalid email or password", ErrUnauthorized)
	}
	if !account.HasPassword() {
		return nil, fmt.Errorf("%w: this account signs in with %s", ErrUnauthorized, account.Provider)
	}
	if !s.hasher.Verify(in.Password, *account.PasswordHash) {
		return nil, fmt.Errorf("%w: invalid email or password", ErrUnauthorized)
	}
	if !account.EmailVerified || !account.Active {
		return nil, fmt.Errorf("%w: email not verified", ErrForbidden)
	}

	result := &LoginResult{Account: account}
	var deviceCode *models.OneTimeCode

	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.Accounts().Lock(ctx, account.ID); err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}
		devices := s.devices.WithStore(tx)

		admission := AdmitKnownDevice
		if s.deviceVerification {
			var err error
			if admission, err = devices.Evaluate(ctx, account.ID, fingerprint); err != nil {
				return err
			}
		}

		if admission == ChallengeDevice {
			if _, err := devices.RecordLogin(ctx, account.ID, fingerprint, client.IP, client.UserAgent, false); err != nil {
				return err
			}
			code, err := s.codes.WithStore(tx).Issue(ctx, account.ID, models.PurposeDeviceVerify, &fingerprint)
			switch {
			case errors.Is(err, ErrTooSoon):
				// a code for this device is already on its way
			case err != nil:
				return err
			default:
				deviceCode = code
			}
			result.RequiresDeviceVerification = true
			return nil
		}

		if _, err := devices.RecordLogin(ctx, account.ID, fingerprint, client.IP, client.UserAgent, true); err != nil {
			return err
		}
		pair, err := s.tokens.WithStore(tx).IssuePair(ctx, account)
		if err != nil {
			return err
		}
		result.Tokens = pair
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.RequiresDeviceVerification {
		s.audit.record(ctx, account.ID, AuditLoginChallenged, client, map[string]string{"fingerprint": fingerprint})
		if deviceCode != nil {
			if err := s.email.SendDeviceCode(ctx, email, deviceCode.Code, s.codes.TTL(models.PurposeDeviceVerify), client.IP, client.UserAgent); err != nil {
				return nil, fmt.Errorf("failed to send device verification email: %w", err)
			}
		}
		return result, nil
	}

	s.audit.record(ctx, account.ID, AuditLogin, client, map[string]string{"fingerprint": fingerprint})
	return result, nil
}

type VerifyDeviceInput struct {
	Email       string
	Fingerprint string
	Code        string
}

// VerifyDevice consumes the DEVICE_VERIFY code bound to the fingerprint,
// trusts the device and issues tokens.
func (s *AuthService) VerifyDevice(ctx context.Context, in VerifyDeviceInput, client ClientInfo) (*LoginResult, error) {
	email := utils.NormalizeEmail(in.Email)
	fingerprint := DefaultFingerprint(in.Fingerprint, client.IP)

	if err := s.admit(ctx, "verify-device", client.IP, email); err != nil {
		return nil, err
	}

	account, err := s.accountByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !account.EmailVerified || !account.Active {
		return nil, fmt.Errorf("%w: email not verified", ErrForbidden)
	}

	result := &LoginResult{Account: account}
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.Accounts().Lock(ctx, account.ID); err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}
		if _, err := s.codes.WithStore(tx).Consume(ctx, account.ID, models.PurposeDeviceVerify, in.Code, &fingerprint); err != nil {
			return err
		}
		if _, err := s.devices.WithStore(tx).RecordLogin(ctx, account.ID, fingerprint, client.IP, client.UserAgent, true); err != nil {
			return err
		}
		pair, err := s.tokens.WithStore(tx).IssuePair(ctx, account)
		if err != nil {
			return err
		}
		result.Tokens = pair
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.record(ctx, account.ID, AuditDeviceVerified, client, map[string]string{"fingerprint": fingerprint})
	return result, nil
}

// ResendDeviceOTP re-issues a device code for the fingerprint of the most
// recent pending device challenge.
func (s *AuthService) ResendDeviceOTP(ctx context.Context, email string, client ClientInfo) error {
	email = utils.NormalizeEmail(email)
	if err := s.admit(ctx, "resend-device", client.IP, email); err != nil {
		return err
	}

	account, err := s.accountByEmail(ctx, email)
	if err != nil {
		return err
	}
	if !account.EmailVerified || !account.Active {
		return fmt.Errorf("%w: email not verified", ErrForbidden)
	}

	var code *models.OneTimeCode
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.Accounts().Lock(ctx, account.ID); err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}
		codes := s.codes.WithStore(tx)

		latest, err := codes.Latest(ctx, account.ID, models.PurposeDeviceVerify)
		if err != nil {
			return fmt.Errorf("failed to load device code: %w", err)
		}
		if latest == nil || latest.Fingerprint == nil {
			return fmt.Errorf("%w: no pending device verification", ErrBadRequest)
		}
		device, err := s.devices.WithStore(tx).Lookup(ctx, account.ID, *latest.Fingerprint)
		if err != nil {
			return err
		}
		if device != nil && device.Verified {
			return fmt.Errorf("%w: device already verified", ErrConflict)
		}

		code, err = codes.Issue(ctx, account.ID, models.PurposeDeviceVerify, latest.Fingerprint)
		return err
	})
	if err != nil {
		return err
	}

	if err := s.email.SendDeviceCode(ctx, email, code.Code, s.codes.TTL(models.PurposeDeviceVerify), client.IP, client.UserAgent); err != nil {
		return fmt.Errorf("failed to send device verification email: %w", err)
	}
	return nil
}

// RefreshToken rotates a refresh token into a new pair.
func (s *AuthService) RefreshToken(ctx context.Context, token string, client ClientInfo) (*models.TokenPair, error) {
	pair, account, err := s.tokens.Rotate(ctx, token)
	if err != nil {
		var reuse *TokenReuseError
		if errors.As(err, &reuse) {
			s.audit.record(ctx, reuse.AccountID, AuditTokenReuseDetected, client,
				map[string]string{"revoked": fmt.Sprint(reuse.Revoked)})
		}
		return nil, err
	}
	s.audit.record(ctx, account.ID, AuditTokenRefreshed, client, nil)
	return pair, nil
}

// Logout revokes one refresh token.
func (s *AuthService) Logout(ctx context.Context, token string, client ClientInfo) error {
	rt, err := s.tokens.Revoke(ctx, token)
	if err != nil {
		return err
	}
	s.audit.record(ctx, rt.AccountID, AuditLogout, client, nil)
	return nil
}

// ForgotPassword emails a PASSWORD_RESET code.
func (s *AuthService) ForgotPassword(ctx context.Context, email string, client ClientInfo) error {
	email = utils.NormalizeEmail(email)
	if err := s.admit(ctx, "forgot", client.IP, email); err != nil {
		return err
	}

	account, err := s.accountByEmail(ctx, email)
	if err != nil {
		return err
	}
	if !account.HasPassword() {
		return fmt.Errorf("%w: this account signs in with %s", ErrBadRequest, account.Provider)
	}

	code, err := s.issueLocked(ctx, account.ID, models.PurposePasswordReset, nil)
	if err != nil {
		return err
	}
	s.audit.record(ctx, account.ID, AuditPasswordResetRequested, client, nil)

	if err := s.email.SendPasswordResetCode(ctx, email, code.Code, s.codes.TTL(models.PurposePasswordReset)); err != nil {
		return fmt.Errorf("failed to send password reset email: %w", err)
	}
	return nil
}

// VerifyResetOTP confirms a reset code without changing the password yet.
func (s *AuthService) VerifyResetOTP(ctx context.Context, email, code string, client ClientInfo) error {
	email = utils.NormalizeEmail(email)
	if err := s.admit(ctx, "verify-reset", client.IP, email); err != nil {
		return err
	}
	account, err := s.accountByEmail(ctx, email)
	if err != nil {
		return err
	}
	_, err = s.codes.VerifyReset(ctx, account.ID, code)
	return err
}

// ResetPassword finalizes a verified reset code, stores the new password and
// revokes every refresh token of the account.
func (s *AuthService) ResetPassword(ctx context.Context, email, newPassword string, client ClientInfo) error {
	if !utils.IsValidPassword(newPassword) {
		return fmt.Errorf("%w: password must be at least %d characters", ErrBadRequest, utils.MinPasswordLength)
	}

	account, err := s.accountByEmail(ctx, utils.NormalizeEmail(email))
	if err != nil {
		return err
	}
	if !account.HasPassword() {
		return fmt.Errorf("%w: this account signs in with %s", ErrBadRequest, account.Provider)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		if _, err := s.codes.WithStore(tx).FinalizeReset(ctx, account.ID); err != nil {
			return err
		}
		if err := tx.Accounts().UpdatePassword(ctx, account.ID, hash); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: account not found", ErrNotFound)
			}
			return fmt.Errorf("failed to update password: %w", err)
		}
		_, err := s.tokens.WithStore(tx).RevokeAll(ctx, account)
		return err
	})
	if err != nil {
		return err
	}

	s.audit.record(ctx, account.ID, AuditPasswordReset, client, nil)
	return nil
}

// GoogleAuth signs in with a Google ID token: an existing linked account logs
// in, an account with the same email gets linked, otherwise a new account is created.
func (s *AuthService) GoogleAuth(ctx context.Context, idToken string, client ClientInfo) (*LoginResult, error) {
	if err := s.admit(ctx, "google", client.IP); err != nil {
		return nil, err
	}
	if s.identity == nil {
		return nil, fmt.Errorf("%w: google sign-in is not configured", ErrBadRequest)
	}
	if idToken == "" {
		return nil, fmt.Errorf("%w: id_token is required", ErrBadRequest)
	}

	identity, err := s.identity.Verify(ctx, idToken)
	if err != nil {
		return nil, err
	}
	if identity.Subject == "" || identity.Email == "" {
		return nil, fmt.Errorf("%w: identity token carries no email", ErrBadRequest)
	}
	if !identity.EmailVerified {
		return nil, fmt.Errorf("%w: google email is not verified", ErrBadRequest)
	}
	email := utils.NormalizeEmail(identity.Email)

	var loc *GeoLocation
	if known, err := s.store.Accounts().GetByEmail(ctx, email); err == nil && known == nil {
		loc = s.locate(ctx, client.IP)
	}

	result := &LoginResult{}
	var event AuditEventType
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		account, err := tx.Accounts().GetByProvider(ctx, models.AuthProviderGoogle, identity.Subject)
		if err != nil {
			return fmt.Errorf("failed to get account: %w", err)
		}

		switch {
		case account != nil:
			event = AuditGoogleLogin
		default:
			account, err = tx.Accounts().GetByEmail(ctx, email)
			if err != nil {
				return fmt.Errorf("failed to get account: %w", err)
			}
			if account != nil {
				if account.Provider == models.AuthProviderGoogle {
					return fmt.Errorf("%w: email is linked to a different Google account", ErrConflict)
				}
				if account, err = s.linkGoogle(ctx, tx, account, identity); err != nil {
					return err
				}
				event = AuditGoogleLinked
			} else {
				if account, err = s.createGoogleAccount(ctx, tx, email, identity, loc); err != nil {
					return err
				}
				event = AuditGoogleRegistered
			}
		}

		if !account.Active {
			return fmt.Errorf("%w: account is disabled", ErrForbidden)
		}
		pair, err := s.tokens.WithStore(tx).IssuePair(ctx, account)
		if err != nil {
			return err
		}
		result.Account = account
		result.Tokens = pair
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.record(ctx, result.Account.ID, event, client, nil)
	return result, nil
}

func (s *AuthService) linkGoogle(ctx context.Context, tx storage.Store, account *models.Account, identity *FederatedIdentity) (*models.Account, error) {
	var picture *string
	if identity.Picture != "" {
		picture = &identity.Picture
	}
	if err := tx.Accounts().LinkProvider(ctx, account.ID, models.AuthProviderGoogle, identity.Subject, picture); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("%w: google account already linked", ErrConflict)
		}
		return nil, fmt.Errorf("failed to link google account: %w", err)
	}
	linked, err := tx.Accounts().GetByID(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload account: %w", err)
	}
	if linked == nil {
		return nil, fmt.Errorf("%w: account not found", ErrNotFound)
	}
	return linked, nil
}

func (s *AuthService) createGoogleAccount(ctx context.Context, tx storage.Store, email string, identity *FederatedIdentity, loc *GeoLocation) (*models.Account, error) {
	username, err := s.uniqueUsername(ctx, tx, email, identity.Name)
	if err != nil {
		return nil, err
	}

	subject := identity.Subject
	account := &models.Account{
		ID:            uuid.New(),
		Email:         email,
		Username:      username,
		Provider:      models.AuthProviderGoogle,
		ProviderID:    &subject,
		Role:          models.RoleUser,
		Active:        true,
		EmailVerified: true,
	}
	if identity.Name != "" {
		name := identity.Name
		account.DisplayName = &name
	}
	if identity.Picture != "" {
		picture := identity.Picture
		account.AvatarURL = &picture
	}
	if loc != nil {
		account.CountryCode = &loc.CountryCode
		account.Country = &loc.Country
	}

	if err := tx.Accounts().Create(ctx, account); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("%w: account already exists", ErrConflict)
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// uniqueUsername derives a username from the name or email and appends
// 1, 2, ... until it is free, never exceeding the length limit.
func (s *AuthService) uniqueUsername(ctx context.Context, tx storage.Store, email, name string) (string, error) {
	base := utils.UsernameBase(email, name)
	for suffix := 0; suffix < maxUsernameAttempts; suffix++ {
		candidate := utils.UsernameCandidate(base, suffix)
		taken, err := tx.Accounts().ExistsByUsername(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check username: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: could not generate a unique username", ErrConflict)
}

// GetAccount returns the account or ErrNotFound.
func (s *AuthService) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	account, err := s.store.Accounts().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: account not found", ErrNotFound)
	}
	return account, nil
}

// Authenticate resolves a bearer access token to its active account.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*models.Account, error) {
	claims, err := s.tokens.ParseAccessToken(accessToken)
	if err != nil {
		return nil, err
	}
	account, err := s.store.Accounts().GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if account == nil || !account.Active {
		return nil, ErrInvalidToken
	}
	return account, nil
}

// SweepExpiredCodes deletes codes created before the cutoff.
func (s *AuthService) SweepExpiredCodes(ctx context.Context, before time.Time) (int64, error) {
	return s.codes.Sweep(ctx, before)
}
