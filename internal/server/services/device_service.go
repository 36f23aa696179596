package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/internal/server/storage"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

// Admission is the outcome of the login device check.
type Admission int

const (
	// AdmitFirstDevice: the account has no verified device yet, so this one
	// becomes trusted without a challenge.
	AdmitFirstDevice Admission = iota
	// AdmitKnownDevice: the fingerprint is already verified.
	AdmitKnownDevice
	// ChallengeDevice: another device is trusted and this one is not.
	ChallengeDevice
)

func (a Admission) String() string {
	switch a {
	case AdmitFirstDevice:
		return "first_device"
	case AdmitKnownDevice:
		return "known_device"
	case ChallengeDevice:
		return "challenge"
	default:
		return "unknown"
	}
}

// DeviceService tracks which fingerprints each account trusts.
type DeviceService struct {
	store storage.Store
	now   func() time.Time
}

func NewDeviceService(store storage.Store, now func() time.Time) *DeviceService {
	if now == nil {
		now = time.Now
	}
	return &DeviceService{store: store, now: now}
}

func (s *DeviceService) WithStore(store storage.Store) *DeviceService {
	c := *s
	c.store = store
	return &c
}

func (s *DeviceService) Lookup(ctx context.Context, accountID uuid.UUID, fingerprint string) (*models.DeviceRecord, error) {
	device, err := s.store.Devices().Get(ctx, accountID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

func (s *DeviceService) HasVerifiedDevice(ctx context.Context, accountID uuid.UUID) (bool, error) {
	count, err := s.store.Devices().CountVerified(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to count verified devices: %w", err)
	}
	return count > 0, nil
}

// Evaluate decides whether a login from fingerprint may proceed without a challenge.
func (s *DeviceService) Evaluate(ctx context.Context, accountID uuid.UUID, fingerprint string) (Admission, error) {
	hasVerified, err := s.HasVerifiedDevice(ctx, accountID)
	if err != nil {
		return ChallengeDevice, err
	}
	if !hasVerified {
		return AdmitFirstDevice, nil
	}

	device, err := s.Lookup(ctx, accountID, fingerprint)
	if err != nil {
		return ChallengeDevice, err
	}
	if device != nil && device.Verified {
		return AdmitKnownDevice, nil
	}
	return ChallengeDevice, nil
}

// RecordLogin creates the device if absent, otherwise refreshes last-seen and
// ip. With autoVerify an unverified device is promoted.
func (s *DeviceService) RecordLogin(ctx context.Context, accountID uuid.UUID, fingerprint, ip, userAgent string, autoVerify bool) (*models.DeviceRecord, error) {
	now := s.now().UTC()

	device, err := s.Lookup(ctx, accountID, fingerprint)
	if err != nil {
		return nil, err
	}

	if device == nil {
		device = &models.DeviceRecord{
			ID:          uuid.New(),
			AccountID:   accountID,
			Fingerprint: fingerprint,
			Verified:    autoVerify,
			IPAddress:   ip,
			UserAgent:   userAgent,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
		if autoVerify {
			device.VerifiedAt = &now
		}
		err := s.store.Devices().Create(ctx, device)
		if err == nil {
			return device, nil
		}
		if !errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("failed to create device: %w", err)
		}
		// lost an insert race; update the winner's row instead
		if device, err = s.Lookup(ctx, accountID, fingerprint); err != nil {
			return nil, err
		}
		if device == nil {
			return nil, fmt.Errorf("device disappeared after duplicate insert")
		}
	}

	if err := s.store.Devices().Touch(ctx, device.ID, ip, userAgent, now); err != nil {
		return nil, fmt.Errorf("failed to update device: %w", err)
	}
	if autoVerify && !device.Verified {
		if _, err := s.store.Devices().MarkVerified(ctx, accountID, fingerprint, now); err != nil {
			return nil, fmt.Errorf("failed to verify device: %w", err)
		}
	}
	return s.Lookup(ctx, accountID, fingerprint)
}

// MarkVerified promotes an existing device record.
func (s *DeviceService) MarkVerified(ctx context.Context, accountID uuid.UUID, fingerprint string) error {
	found, err := s.store.Devices().MarkVerified(ctx, accountID, fingerprint, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to verify device: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *DeviceService) List(ctx context.Context, accountID uuid.UUID) ([]models.DeviceRecord, error) {
	devices, err := s.store.Devices().ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}
