package api

import (
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterConfig struct {
	Auth        *AuthHandler
	Devices     *DeviceHandler
	Admin       *AdminHandler
	Authn       Authenticator
	AdminEmails []string
	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies []netip.Prefix
	// RequestLogging enables chi's access log.
	RequestLogging bool
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if cfg.RequestLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RealIP(cfg.TrustedProxies))
	r.Use(CORSMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"luna-auth"}`))
	})

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", cfg.Auth.Register)
		r.Post("/verify-email", cfg.Auth.VerifyEmail)
		r.Post("/resend-otp", cfg.Auth.ResendOTP)
		r.Post("/login", cfg.Auth.Login)
		r.Post("/verify-device", cfg.Auth.VerifyDevice)
		r.Post("/resend-device-otp", cfg.Auth.ResendDeviceOTP)
		r.Post("/refresh", cfg.Auth.Refresh)
		r.Post("/logout", cfg.Auth.Logout)
		r.Post("/forgot-password", cfg.Auth.ForgotPassword)
		r.Post("/verify-reset-otp", cfg.Auth.VerifyResetOTP)
		r.Post("/reset-password", cfg.Auth.ResetPassword)
		r.Post("/google", cfg.Auth.Google)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.Authn))
			r.Get("/me", cfg.Auth.Me)
			if cfg.Devices != nil {
				r.Get("/devices", cfg.Devices.ListDevices)
			}
		})
	})

	if cfg.Admin != nil {
		r.Route("/api/admin", func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.Authn))
			r.Use(AdminMiddleware(cfg.AdminEmails))
			r.Post("/codes/sweep", cfg.Admin.SweepCodes)
			r.Route("/accounts/{account_id}", func(r chi.Router) {
				r.Get("/", cfg.Admin.GetAccount)
				r.Get("/devices", cfg.Admin.ListAccountDevices)
				r.Get("/audit", cfg.Admin.ListAuditEvents)
			})
		})
	}

	return r
}
