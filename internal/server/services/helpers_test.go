package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kamikazebr/luna-auth/internal/logging"
	"github.com/kamikazebr/luna-auth/internal/server/ratelimit"
	"github.com/kamikazebr/luna-auth/internal/server/storage/memory"
	"github.com/kamikazebr/luna-auth/pkg/models"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMail struct {
	To      string
	Subject string
}

type captureMailer struct {
	mu   sync.Mutex
	sent []sentMail
	fail error
}

func (m *captureMailer) Send(_ context.Context, to, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, sentMail{To: to, Subject: subject})
	return nil
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type captureAudit struct {
	mu     sync.Mutex
	events []AuditEvent
	fail   bool
}

func (a *captureAudit) Record(_ context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("audit backend down")
	}
	a.events = append(a.events, event)
	return nil
}

func (a *captureAudit) types() []AuditEventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEventType, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeIdentity struct {
	tokens map[string]*FederatedIdentity
}

func (f *fakeIdentity) Verify(_ context.Context, idToken string) (*FederatedIdentity, error) {
	id, ok := f.tokens[idToken]
	if !ok {
		return nil, ErrInvalidToken
	}
	return id, nil
}

type fakeGeo struct{}

func (fakeGeo) Locate(_ context.Context, ip string) (*GeoLocation, error) {
	if ip == "203.0.113.9" {
		return &GeoLocation{CountryCode: "BR", Country: "Brazil"}, nil
	}
	return nil, nil
}

type testEnv struct {
	auth     *AuthService
	store    *memory.Store
	clock    *testClock
	mailer   *captureMailer
	audit    *captureAudit
	identity *fakeIdentity
}

type envOption func(*AuthDeps)

func withLimiter(l ratelimit.Store) envOption {
	return func(d *AuthDeps) { d.Limiter = l }
}

func withoutDeviceVerification() envOption {
	return func(d *AuthDeps) { d.DeviceVerificationEnabled = false }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	clock := newTestClock()
	store := memory.New(clock.Now)
	env := &testEnv{
		store:    store,
		clock:    clock,
		mailer:   &captureMailer{},
		audit:    &captureAudit{},
		identity: &fakeIdentity{tokens: map[string]*FederatedIdentity{}},
	}

	deps := AuthDeps{
		Store:    store,
		Hasher:   NewBcryptHasher(bcrypt.MinCost),
		Mailer:   env.mailer,
		Identity: env.identity,
		Audit:    env.audit,
		Geo:      fakeGeo{},
		Limiter:  ratelimit.Unlimited{},
		Log:      logging.Discard(),
		Now:      clock.Now,
		Codes:    DefaultCodePolicy(),
		Tokens: TokenConfig{
			Secret:     "test-secret-key-for-testing",
			Issuer:     "luna-auth",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		DeviceVerificationEnabled: true,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	env.auth = NewAuthService(deps)
	return env
}

var (
	clientA = ClientInfo{IP: "203.0.113.9", UserAgent: "test-agent/1.0"}
	clientB = ClientInfo{IP: "198.51.100.20", UserAgent: "test-agent/2.0"}
)

func (e *testEnv) latestCode(t *testing.T, email string, purpose models.CodePurpose) *models.OneTimeCode {
	t.Helper()
	ctx := context.Background()
	account, err := e.store.Accounts().GetByEmail(ctx, email)
	require.NoError(t, err)
	require.NotNil(t, account)
	code, err := e.store.Codes().Latest(ctx, account.ID, purpose)
	require.NoError(t, err)
	require.NotNil(t, code)
	return code
}

// registerVerified runs register and email verification for a LOCAL account.
func (e *testEnv) registerVerified(t *testing.T, email, username, password string) *models.Account {
	t.Helper()
	ctx := context.Background()
	_, err := e.auth.Register(ctx, RegisterInput{Email: email, Username: username, Password: password}, clientA)
	require.NoError(t, err)
	code := e.latestCode(t, email, models.PurposeEmailVerify)
	account, err := e.auth.VerifyEmail(ctx, email, code.Code, clientA)
	require.NoError(t, err)
	return account
}
