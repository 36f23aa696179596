package main

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/kamikazebr/luna-auth/internal/logging"
	"github.com/kamikazebr/luna-auth/internal/server/api"
	"github.com/kamikazebr/luna-auth/internal/server/config"
	"github.com/kamikazebr/luna-auth/internal/server/ratelimit"
	"github.com/kamikazebr/luna-auth/internal/server/services"
	"github.com/kamikazebr/luna-auth/internal/server/storage"
	"github.com/kamikazebr/luna-auth/internal/server/storage/memory"
)

const databaseWait = 30 * time.Second

// server holds everything the commands need, plus what must be closed on exit.
type server struct {
	cfg         *config.Config
	log         logging.Logger
	store       storage.Store
	auth        *services.AuthService
	auditLister api.AuditLister
	closers     []func() error
}

func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn(context.Background(), "shutdown step failed", "error", err)
		}
	}
}

func loadConfig() (*config.Config, logging.Logger, error) {
	cfg, found, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if !found {
		log.Warn(context.Background(), ".env file not found, using environment variables")
	}
	return cfg, log, nil
}

func openDatabase(ctx context.Context, cfg *config.Config, log logging.Logger) (*storage.DB, error) {
	log.Info(ctx, "connecting to database")
	db, err := storage.ConnectPostgres(ctx, cfg.DatabaseURL, databaseWait)
	if err != nil {
		return nil, err
	}
	log.Info(ctx, "running database migrations")
	if err := storage.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func newServer(ctx context.Context, cfg *config.Config, log logging.Logger) (*server, error) {
	s := &server{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		log.Warn(ctx, "using in-memory storage; data is lost on restart")
		s.store = memory.New(time.Now)
	default:
		db, err := openDatabase(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		s.store = storage.NewPostgresStore(db)
	}

	limiter, err := s.buildLimiter(ctx)
	if err != nil {
		return nil, err
	}

	mailer, err := services.NewResendMailer(services.ResendConfig{
		APIKey:    cfg.ResendAPIKey,
		BaseURL:   cfg.ResendBaseURL,
		FromEmail: cfg.FromEmail,
		Timeout:   cfg.MailTimeout,
		Skip:      cfg.SkipEmailSend,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize email service: %w", err)
	}

	var fbApp *firebase.App
	if cfg.FirebaseCredentialsPath != "" {
		if fbApp, err = services.NewFirebaseApp(ctx, cfg.FirebaseCredentialsPath); err != nil {
			return nil, err
		}
	}

	identity := buildIdentity(ctx, cfg, log, fbApp)

	audit, err := s.buildAudit(ctx, fbApp)
	if err != nil {
		return nil, err
	}

	var geo services.GeoLocator
	if cfg.GeoIPEnabled {
		geo = services.NewIPAPILocator(cfg.GeoIPURL, cfg.GeoIPTimeout)
	}

	deps := services.AuthDeps{
		Store:    s.store,
		Hasher:   services.NewBcryptHasher(0),
		Mailer:   mailer,
		Identity: identity,
		Audit:    audit,
		Geo:      geo,
		Limiter:  limiter,
		Log:      log,
		Now:      time.Now,
		Codes: services.CodePolicy{
			Cooldown:  cfg.OTPCooldown,
			EmailTTL:  cfg.EmailOTPTTL,
			DeviceTTL: cfg.DeviceOTPTTL,
			ResetTTL:  cfg.ResetOTPTTL,
		},
		Tokens: services.TokenConfig{
			Secret:     cfg.JWTSecret,
			Issuer:     cfg.JWTIssuer,
			AccessTTL:  cfg.AccessTokenTTL,
			RefreshTTL: cfg.RefreshTokenTTL,
		},
		DeviceVerificationEnabled: cfg.DeviceVerificationEnabled,
	}
	s.auth = services.NewAuthService(deps)

	ok = true
	return s, nil
}

func (s *server) buildLimiter(ctx context.Context) (ratelimit.Store, error) {
	cfg, log := s.cfg, s.log
	if !cfg.RateLimitEnabled {
		log.Warn(ctx, "rate limiting disabled")
		return ratelimit.Unlimited{}, nil
	}

	switch cfg.RateLimitBackend {
	case config.RateLimitBackendRedis:
		client, err := ratelimit.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		log.Info(ctx, "rate limiting with redis", "burst", cfg.RateLimitBurst, "window", cfg.RateLimitWindow)
		return ratelimit.NewRedisStore(client, cfg.RateLimitBurst, cfg.RateLimitWindow), nil
	default:
		log.Info(ctx, "rate limiting in memory", "burst", cfg.RateLimitBurst, "window", cfg.RateLimitWindow)
		return ratelimit.NewMemoryStore(cfg.RateLimitBurst, cfg.RateLimitWindow), nil
	}
}

// buildIdentity prefers direct Google validation and falls back to Firebase
// Auth. It returns nil when neither is configured.
func buildIdentity(ctx context.Context, cfg *config.Config, log logging.Logger, fbApp *firebase.App) services.IdentityVerifier {
	if cfg.GoogleClientID != "" {
		verifier, err := services.NewGoogleVerifier(ctx, cfg.GoogleClientID, cfg.IdentityTimeout)
		if err == nil {
			log.Info(ctx, "google sign-in enabled", "verifier", "google")
			return verifier
		}
		log.Warn(ctx, "google token validator unavailable", "error", err)
	}
	if fbApp != nil {
		verifier, err := services.NewFirebaseVerifier(ctx, fbApp, cfg.IdentityTimeout)
		if err == nil {
			log.Info(ctx, "google sign-in enabled", "verifier", "firebase")
			return verifier
		}
		log.Warn(ctx, "firebase auth unavailable", "error", err)
	}
	log.Warn(ctx, "google sign-in disabled: set GOOGLE_CLIENT_ID or FIREBASE_CREDENTIALS_PATH")
	return nil
}

func (s *server) buildAudit(ctx context.Context, fbApp *firebase.App) (services.AuditSink, error) {
	if s.cfg.AuditBackend != config.AuditBackendFirestore {
		return services.NewLogAuditSink(s.log), nil
	}
	if fbApp == nil {
		return nil, fmt.Errorf("firestore audit backend requires FIREBASE_CREDENTIALS_PATH")
	}
	sink, err := services.NewFirestoreAuditSink(ctx, fbApp, s.cfg.AuditCollection)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, sink.Close)
	s.auditLister = sink
	return sink, nil
}
