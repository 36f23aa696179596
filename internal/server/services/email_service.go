package services

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kamikazebr/luna-auth/internal/logging"
	"github.com/resendlabs/resend-go"
	"github.com/sethvargo/go-retry"
)

// Mailer delivers one HTML message. A returned error fails the calling flow.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

type ResendMailer struct {
	client    *resend.Client
	fromEmail string
	timeout   time.Duration
	skip      bool
	log       logging.Logger
}

// sendAttempts is the first try plus two retries.
const sendAttempts = 3

type ResendConfig struct {
	APIKey    string
	FromEmail string
	// Timeout bounds a whole Send; each attempt gets an equal share of it.
	Timeout time.Duration
	// BaseURL overrides the Resend API endpoint.
	BaseURL string
	// Skip logs messages instead of sending them, for local runs and tests.
	Skip bool
}

func NewResendMailer(cfg ResendConfig, log logging.Logger) (*ResendMailer, error) {
	if cfg.APIKey == "" && !cfg.Skip {
		return nil, fmt.Errorf("RESEND_API_KEY environment variable not set")
	}
	if cfg.FromEmail == "" {
		cfg.FromEmail = "noreply@luna.social"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	var client *resend.Client
	if cfg.APIKey != "" {
		// the SDK takes no context, so the HTTP client timeout is what
		// stops an attempt before the next one starts
		httpClient := &http.Client{Timeout: cfg.Timeout / sendAttempts}
		client = resend.NewCustomClient(httpClient, strings.TrimSpace(cfg.APIKey))
		if cfg.BaseURL != "" {
			u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
			if err != nil {
				return nil, fmt.Errorf("invalid Resend base URL: %w", err)
			}
			client.BaseURL = u
		}
	}

	return &ResendMailer{
		client:    client,
		fromEmail: cfg.FromEmail,
		timeout:   cfg.Timeout,
		skip:      cfg.Skip,
		log:       log,
	}, nil
}

// Send delivers through Resend, retrying twice, all within the mail timeout.
// Attempts never overlap.
func (m *ResendMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.skip {
		m.log.Info(ctx, "email send skipped", "to", to, "subject", subject)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	params := &resend.SendEmailRequest{
		From:    m.fromEmail,
		To:      []string{to},
		Subject: subject,
		Html:    body,
	}

	backoff := retry.WithMaxRetries(sendAttempts-1, retry.NewExponential(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := m.client.Emails.Send(params); err != nil {
			m.log.Warn(ctx, "email send attempt failed", "to", to, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// EmailService renders the auth emails and hands them to a Mailer.
type EmailService struct {
	mailer Mailer
}

func NewEmailService(mailer Mailer) *EmailService {
	return &EmailService{mailer: mailer}
}

func (s *EmailService) SendVerificationCode(ctx context.Context, email, code string, ttl time.Duration) error {
	return s.mailer.Send(ctx, email, "Verify your Luna email", codeEmail(
		"Confirm your email",
		"Use this code to finish creating your account:",
		code, ttl, "",
	))
}

func (s *EmailService) SendDeviceCode(ctx context.Context, email, code string, ttl time.Duration, ip, userAgent string) error {
	note := fmt.Sprintf(`<p style="color: #666;">Sign-in attempt from IP <code>%s</code> (%s).</p>`, html.EscapeString(ip), html.EscapeString(userAgent))
	return s.mailer.Send(ctx, email, "New device sign-in to Luna", codeEmail(
		"Verify this device",
		"We noticed a sign-in from a device we don't recognize. Enter this code to trust it:",
		code, ttl, note,
	))
}

func (s *EmailService) SendPasswordResetCode(ctx context.Context, email, code string, ttl time.Duration) error {
	return s.mailer.Send(ctx, email, "Reset your Luna password", codeEmail(
		"Password reset",
		"Use this code to reset your password:",
		code, ttl, "",
	))
}

func codeEmail(title, intro, code string, ttl time.Duration, extra string) string {
	return fmt.Sprintf(`
		<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
			<h2 style="color: #333;">%s</h2>
			<p>%s</p>
			<div style="background-color: #f4f4f4; padding: 20px; text-align: center; font-size: 32px; font-weight: bold; letter-spacing: 8px; margin: 20px 0;">
				%s
			</div>
			<p style="color: #666;">This code will expire in %d minutes.</p>
			%s
			<p style="color: #666;">If you didn't request this code, please ignore this email.</p>
			<hr style="border: none; border-top: 1px solid #eee; margin: 30px 0;">
			<p style="color: #999; font-size: 12px;">Luna</p>
		</div>
	`, title, intro, code, int(ttl.Minutes()), extra)
}
