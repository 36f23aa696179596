package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamikazebr/luna-auth/internal/client/api"
	"github.com/kamikazebr/luna-auth/internal/client/config"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type fakeServer struct {
	challenge  bool
	refreshes  atomic.Int32
	logouts    atomic.Int32
	rejectNext atomic.Bool
	accountID  uuid.UUID
}

func (f *fakeServer) pair(n int32) *models.TokenPair {
	return &models.TokenPair{
		AccessToken:           "at-" + string(rune('0'+n)),
		AccessTokenExpiresAt:  testNow.Add(15 * time.Minute),
		RefreshToken:          "rt-" + string(rune('0'+n)),
		RefreshTokenExpiresAt: testNow.Add(7 * 24 * time.Hour),
		TokenType:             "Bearer",
	}
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
	account := &models.Account{ID: f.accountID, Email: "a@x.com"}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req models.LoginRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.DeviceFingerprint)
		if req.Password != "pw" {
			reply(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
			return
		}
		if f.challenge {
			reply(w, http.StatusAccepted, models.LoginResponse{RequiresDeviceVerification: true})
			return
		}
		reply(w, http.StatusOK, models.LoginResponse{TokenPair: f.pair(0), Account: account})
	})
	mux.HandleFunc("/api/auth/verify-device", func(w http.ResponseWriter, r *http.Request) {
		var req models.VerifyDeviceRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Code != "123456" {
			reply(w, http.StatusBadRequest, models.ErrorResponse{Error: "Bad Request", Message: "invalid or expired code"})
			return
		}
		reply(w, http.StatusOK, models.LoginResponse{TokenPair: f.pair(0), Account: account})
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		if f.rejectNext.Load() {
			reply(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
			return
		}
		n := f.refreshes.Add(1)
		reply(w, http.StatusOK, f.pair(n))
	})
	mux.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		f.logouts.Add(1)
		reply(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
	})
	return mux
}

func newSession(t *testing.T, f *fakeServer) *Session {
	t.Helper()
	t.Setenv(config.HomeEnv, t.TempDir())
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	cfg := &config.Config{ServerURL: srv.URL, Fingerprint: "fp-test"}
	s := NewSession(api.NewClient(srv.URL, "luna-test"), cfg)
	s.now = func() time.Time { return testNow }
	return s
}

func TestLogin_TrustedDevice(t *testing.T) {
	f := &fakeServer{accountID: uuid.New()}
	s := newSession(t, f)

	account, err := s.Login(context.Background(), " A@X.com ", "pw", nil)
	require.NoError(t, err)
	assert.Equal(t, f.accountID, account.ID)

	stored, err := config.Load()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "rt-0", stored.RefreshToken)
	assert.Equal(t, "fp-test", stored.Fingerprint)
	assert.Equal(t, f.accountID.String(), stored.AccountID)
}

func TestLogin_DeviceChallengePrompts(t *testing.T) {
	f := &fakeServer{challenge: true, accountID: uuid.New()}
	s := newSession(t, f)

	var asked string
	_, err := s.Login(context.Background(), "a@x.com", "pw", func(_ context.Context, msg string) (string, error) {
		asked = msg
		return " 123456 ", nil
	})
	require.NoError(t, err)
	assert.Contains(t, asked, "a@x.com")
	assert.Equal(t, "at-0", s.Config().AccessToken)
}

func TestLogin_DeviceChallengeFailures(t *testing.T) {
	f := &fakeServer{challenge: true}
	s := newSession(t, f)

	_, err := s.Login(context.Background(), "a@x.com", "pw", nil)
	assert.ErrorContains(t, err, "device verification required")

	_, err = s.Login(context.Background(), "a@x.com", "pw", func(context.Context, string) (string, error) {
		return "000000", nil
	})
	assert.Equal(t, http.StatusBadRequest, api.StatusOf(err))

	cancelled := errors.New("cancelled")
	_, err = s.Login(context.Background(), "a@x.com", "pw", func(context.Context, string) (string, error) {
		return "", cancelled
	})
	assert.ErrorIs(t, err, cancelled)
	assert.False(t, s.Config().LoggedIn())
}

func TestLogin_BadPassword(t *testing.T) {
	s := newSession(t, &fakeServer{})
	_, err := s.Login(context.Background(), "a@x.com", "nope", nil)
	assert.Equal(t, http.StatusUnauthorized, api.StatusOf(err))
}

func TestAccessToken_RotatesNearExpiry(t *testing.T) {
	f := &fakeServer{accountID: uuid.New()}
	s := newSession(t, f)
	_, err := s.Login(context.Background(), "a@x.com", "pw", nil)
	require.NoError(t, err)

	token, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-0", token)
	assert.Equal(t, int32(0), f.refreshes.Load())

	s.now = func() time.Time { return testNow.Add(14*time.Minute + 30*time.Second) }
	token, err = s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)
	assert.Equal(t, "rt-1", s.Config().RefreshToken)
}

func TestRefresh_RejectedEndsSession(t *testing.T) {
	f := &fakeServer{accountID: uuid.New()}
	s := newSession(t, f)
	_, err := s.Login(context.Background(), "a@x.com", "pw", nil)
	require.NoError(t, err)

	f.rejectNext.Store(true)
	_, err = s.Refresh(context.Background())
	assert.ErrorIs(t, err, config.ErrNotLoggedIn)
	assert.False(t, s.Config().LoggedIn())

	stored, err := config.Load()
	require.NoError(t, err)
	assert.Empty(t, stored.RefreshToken)
	assert.Equal(t, "fp-test", stored.Fingerprint)
}

func TestRefresh_ExpiredLocally(t *testing.T) {
	f := &fakeServer{accountID: uuid.New()}
	s := newSession(t, f)
	_, err := s.Login(context.Background(), "a@x.com", "pw", nil)
	require.NoError(t, err)

	s.now = func() time.Time { return testNow.Add(8 * 24 * time.Hour) }
	_, err = s.AccessToken(context.Background())
	assert.ErrorIs(t, err, config.ErrNotLoggedIn)
	assert.Equal(t, int32(0), f.refreshes.Load())
}

func TestAccessToken_NotLoggedIn(t *testing.T) {
	s := newSession(t, &fakeServer{})
	_, err := s.AccessToken(context.Background())
	assert.ErrorIs(t, err, config.ErrNotLoggedIn)
}

func TestLogout_ClearsEvenWhenTokenUnknown(t *testing.T) {
	f := &fakeServer{accountID: uuid.New()}
	s := newSession(t, f)
	_, err := s.Login(context.Background(), "a@x.com", "pw", nil)
	require.NoError(t, err)

	require.NoError(t, s.Logout(context.Background()))
	assert.Equal(t, int32(1), f.logouts.Load())
	assert.False(t, s.Config().LoggedIn())

	require.NoError(t, s.Logout(context.Background()))
	assert.Equal(t, int32(1), f.logouts.Load())
}
