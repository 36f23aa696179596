package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/internal/server/storage"
	"github.com/kamikazebr/luna-auth/pkg/models"
	"github.com/kamikazebr/luna-auth/pkg/utils"
)

// CodePolicy holds the resend cooldown and per-purpose lifetimes.
type CodePolicy struct {
	Cooldown  time.Duration
	EmailTTL  time.Duration
	DeviceTTL time.Duration
	ResetTTL  time.Duration
}

func DefaultCodePolicy() CodePolicy {
	return CodePolicy{
		Cooldown:  60 * time.Second,
		EmailTTL:  15 * time.Minute,
		DeviceTTL: 10 * time.Minute,
		ResetTTL:  15 * time.Minute,
	}
}

// CodeService issues and consumes one-time codes.
type CodeService struct {
	store    storage.Store
	policy   CodePolicy
	now      func() time.Time
	generate func() (string, error)
}

func NewCodeService(store storage.Store, policy CodePolicy, now func() time.Time) *CodeService {
	if now == nil {
		now = time.Now
	}
	return &CodeService{
		store:    store,
		policy:   policy,
		now:      now,
		generate: utils.GenerateOTP,
	}
}

// WithStore returns a copy bound to store, typically a transaction.
func (s *CodeService) WithStore(store storage.Store) *CodeService {
	c := *s
	c.store = store
	return &c
}

func (s *CodeService) TTL(purpose models.CodePurpose) time.Duration {
	switch purpose {
	case models.PurposeDeviceVerify:
		return s.policy.DeviceTTL
	case models.PurposePasswordReset:
		return s.policy.ResetTTL
	default:
		return s.policy.EmailTTL
	}
}

// Issue creates a new code unless one of the same purpose was issued within
// the cooldown. Device codes are scoped to their fingerprint.
func (s *CodeService) Issue(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose, fingerprint *string) (*models.OneTimeCode, error) {
	now := s.now().UTC()

	var scope *string
	if purpose == models.PurposeDeviceVerify {
		if fingerprint == nil {
			return nil, fmt.Errorf("%w: device code requires a fingerprint", ErrBadRequest)
		}
		scope = fingerprint
	} else {
		fingerprint = nil
	}

	if s.policy.Cooldown > 0 {
		prior, err := s.store.Codes().LatestIssuedSince(ctx, accountID, purpose, scope, now.Add(-s.policy.Cooldown), now)
		if err != nil {
			return nil, fmt.Errorf("failed to check code cooldown: %w", err)
		}
		if prior != nil {
			remaining := s.policy.Cooldown - now.Sub(prior.CreatedAt)
			secs := int(math.Ceil(remaining.Seconds()))
			if secs < 1 {
				secs = 1
			}
			return nil, &TooSoonError{SecondsRemaining: secs}
		}
	}

	digits, err := s.generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	code := &models.OneTimeCode{
		ID:          uuid.New(),
		AccountID:   accountID,
		Purpose:     purpose,
		Code:        digits,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.TTL(purpose)),
	}
	if err := s.store.Codes().Create(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save code: %w", err)
	}
	return code, nil
}

// Consume marks the newest matching code used. Device codes must match the fingerprint.
func (s *CodeService) Consume(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose, code string, fingerprint *string) (*models.OneTimeCode, error) {
	if !utils.IsValidOTP(code) {
		return nil, ErrInvalidCode
	}
	if purpose == models.PurposeDeviceVerify && fingerprint == nil {
		return nil, ErrInvalidCode
	}
	if purpose != models.PurposeDeviceVerify {
		fingerprint = nil
	}

	consumed, err := s.store.Codes().Consume(ctx, accountID, purpose, code, fingerprint, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to consume code: %w", err)
	}
	if consumed == nil {
		return nil, ErrInvalidCode
	}
	return consumed, nil
}

// VerifyReset is the first phase of a password reset: the code is confirmed
// but stays unused until FinalizeReset.
func (s *CodeService) VerifyReset(ctx context.Context, accountID uuid.UUID, code string) (*models.OneTimeCode, error) {
	if !utils.IsValidOTP(code) {
		return nil, ErrInvalidCode
	}
	verified, err := s.store.Codes().MarkVerified(ctx, accountID, models.PurposePasswordReset, code, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to verify code: %w", err)
	}
	if verified == nil {
		return nil, ErrInvalidCode
	}
	return verified, nil
}

// FinalizeReset consumes the most recent verified reset code, re-checking expiry.
func (s *CodeService) FinalizeReset(ctx context.Context, accountID uuid.UUID) (*models.OneTimeCode, error) {
	now := s.now().UTC()

	code, err := s.store.Codes().LatestVerified(ctx, accountID, models.PurposePasswordReset)
	if err != nil {
		return nil, fmt.Errorf("failed to load verified code: %w", err)
	}
	if code == nil || code.Expired(now) {
		return nil, ErrInvalidCode
	}

	ok, err := s.store.Codes().MarkUsed(ctx, code.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to consume code: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCode
	}
	code.Used = true
	return code, nil
}

// Latest returns the newest code of a purpose regardless of state.
func (s *CodeService) Latest(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose) (*models.OneTimeCode, error) {
	return s.store.Codes().Latest(ctx, accountID, purpose)
}

// Sweep deletes every code created before the cutoff.
func (s *CodeService) Sweep(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.store.Codes().DeleteCreatedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep codes: %w", err)
	}
	return n, nil
}
