// Package api is the HTTP client for the luna-auth server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kamikazebr/luna-auth/pkg/models"
)

// ErrSessionExpired is returned when the server rejects the refresh token.
var ErrSessionExpired = errors.New("session expired")

// Error is a non-2xx response decoded from the server's error body.
type Error struct {
	Status           int
	Code             string
	Message          string
	SecondsRemaining int
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = e.Message
	}
	if e.SecondsRemaining > 0 {
		return fmt.Sprintf("server returned %d: %s (retry in %ds)", e.Status, msg, e.SecondsRemaining)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, msg)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

func NewClient(baseURL, userAgent string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// LoginResult is either a token pair or a pending device challenge.
type LoginResult struct {
	Tokens                     *models.TokenPair
	Account                    *models.Account
	RequiresDeviceVerification bool
	Message                    string
}

// HealthCheck checks if the server is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", "", nil, nil)
}

func (c *Client) Register(ctx context.Context, email, username, password string) (*models.RegisterResponse, error) {
	var out models.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/register", "", models.RegisterRequest{
		Email:    email,
		Username: username,
		Password: password,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyEmail(ctx context.Context, email, code string) (*models.Account, error) {
	var out models.Account
	if err := c.do(ctx, http.MethodPost, "/api/auth/verify-email", "", models.VerifyEmailRequest{Email: email, Code: code}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResendOTP(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/resend-otp", "", models.EmailRequest{Email: email}, nil)
}

// Login answers with tokens, or with RequiresDeviceVerification set when the
// server mailed a device code for this fingerprint.
func (c *Client) Login(ctx context.Context, email, password, fingerprint string) (*LoginResult, error) {
	var out models.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", "", models.LoginRequest{
		Email:             email,
		Password:          password,
		DeviceFingerprint: fingerprint,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		Tokens:                     out.TokenPair,
		Account:                    out.Account,
		RequiresDeviceVerification: out.RequiresDeviceVerification,
		Message:                    out.Message,
	}, nil
}

func (c *Client) VerifyDevice(ctx context.Context, email, fingerprint, code string) (*LoginResult, error) {
	var out models.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/verify-device", "", models.VerifyDeviceRequest{
		Email:             email,
		DeviceFingerprint: fingerprint,
		Code:              code,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Tokens: out.TokenPair, Account: out.Account}, nil
}

func (c *Client) ResendDeviceOTP(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/resend-device-otp", "", models.EmailRequest{Email: email}, nil)
}

// Refresh exchanges a refresh token for a new pair. A 401 maps to
// ErrSessionExpired so callers know to log in again.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	var out models.TokenPair
	err := c.do(ctx, http.MethodPost, "/api/auth/refresh", "", models.RefreshTokenRequest{RefreshToken: refreshToken}, &out)
	if err != nil {
		if StatusOf(err) == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", "", models.RefreshTokenRequest{RefreshToken: refreshToken}, nil)
}

func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/forgot-password", "", models.EmailRequest{Email: email}, nil)
}

func (c *Client) VerifyResetCode(ctx context.Context, email, code string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/verify-reset-otp", "", models.VerifyResetCodeRequest{Email: email, Code: code}, nil)
}

func (c *Client) ResetPassword(ctx context.Context, email, newPassword string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/reset-password", "", models.ResetPasswordRequest{Email: email, NewPassword: newPassword}, nil)
}

// Me fetches the account behind an access token.
func (c *Client) Me(ctx context.Context, accessToken string) (*models.Account, error) {
	var out models.Account
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Devices(ctx context.Context, accessToken string) ([]models.DeviceRecord, error) {
	var out models.DeviceListResponse
	if err := c.do(ctx, http.MethodGet, "/api/auth/devices", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &Error{Status: resp.StatusCode}

	var body models.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Code = body.Error
		apiErr.Message = body.Message
		apiErr.SecondsRemaining = body.SecondsRemaining
	} else {
		apiErr.Code = strings.TrimSpace(string(data))
	}
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
