// Package auth drives the client side of the login, device and refresh flows
// and keeps the resulting session on disk.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kamikazebr/luna-auth/internal/client/api"
	"github.com/kamikazebr/luna-auth/internal/client/config"
	"github.com/kamikazebr/luna-auth/pkg/models"
	"github.com/kamikazebr/luna-auth/pkg/utils"
)

// refreshSkew rotates the pair this long before the access token expires.
const refreshSkew = time.Minute

// CodePrompter asks the user for a code that was mailed to them.
type CodePrompter func(ctx context.Context, message string) (string, error)

type Session struct {
	client *api.Client
	cfg    *config.Config
	now    func() time.Time
}

func NewSession(client *api.Client, cfg *config.Config) *Session {
	return &Session{client: client, cfg: cfg, now: time.Now}
}

func (s *Session) Config() *config.Config { return s.cfg }

func (s *Session) Client() *api.Client { return s.client }

// Fingerprint returns the stored device fingerprint, deriving one on first use.
func (s *Session) Fingerprint() string {
	if s.cfg.Fingerprint == "" {
		s.cfg.Fingerprint = utils.DeviceFingerprint()
	}
	return s.cfg.Fingerprint
}

// Login signs in with a password. When the server challenges this device the
// mailed code is read through prompt and submitted before tokens are stored.
func (s *Session) Login(ctx context.Context, email, password string, prompt CodePrompter) (*models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	fingerprint := s.Fingerprint()

	res, err := s.client.Login(ctx, email, password, fingerprint)
	if err != nil {
		return nil, err
	}

	if res.RequiresDeviceVerification {
		if prompt == nil {
			return nil, errors.New("device verification required")
		}
		message := res.Message
		if message == "" {
			message = "Enter the device verification code sent to " + email
		}
		code, err := prompt(ctx, message)
		if err != nil {
			return nil, err
		}
		res, err = s.client.VerifyDevice(ctx, email, fingerprint, strings.TrimSpace(code))
		if err != nil {
			return nil, err
		}
	}

	if res.Tokens == nil {
		return nil, fmt.Errorf("server returned no tokens")
	}
	s.cfg.SetSession(res.Tokens, res.Account, s.now())
	if s.cfg.Email == "" {
		s.cfg.Email = email
	}
	if err := s.cfg.Save(); err != nil {
		return nil, err
	}
	return res.Account, nil
}

// AccessToken returns a usable access token, rotating the pair when the
// current one is missing or about to expire.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	if !s.cfg.LoggedIn() {
		return "", config.ErrNotLoggedIn
	}
	if !s.cfg.AccessExpiresWithin(s.now(), refreshSkew) {
		return s.cfg.AccessToken, nil
	}
	return s.Refresh(ctx)
}

// Refresh rotates the stored pair. A rejected refresh token ends the session.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	if s.cfg.RefreshExpired(s.now()) {
		return "", s.expire(nil)
	}

	pair, err := s.client.Refresh(ctx, s.cfg.RefreshToken)
	if err != nil {
		if errors.Is(err, api.ErrSessionExpired) {
			return "", s.expire(err)
		}
		return "", fmt.Errorf("failed to refresh session: %w", err)
	}

	s.cfg.SetSession(pair, nil, s.now())
	if err := s.cfg.Save(); err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

// Logout revokes the refresh token and clears local tokens. A token the
// server no longer knows still clears local state.
func (s *Session) Logout(ctx context.Context) error {
	if s.cfg.LoggedIn() {
		err := s.client.Logout(ctx, s.cfg.RefreshToken)
		if err != nil && api.StatusOf(err) != http.StatusUnauthorized {
			return err
		}
	}
	s.cfg.ClearSession()
	return s.cfg.Save()
}

func (s *Session) expire(cause error) error {
	s.cfg.ClearSession()
	if err := s.cfg.Save(); err != nil {
		return err
	}
	if cause != nil {
		return fmt.Errorf("%w: %v", config.ErrNotLoggedIn, cause)
	}
	return config.ErrNotLoggedIn
}
