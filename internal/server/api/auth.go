package api

import (
	"net/http"
	"strings"

	"github.com/kamikazebr/luna-auth/internal/logging"
	"github.com/kamikazebr/luna-auth/internal/server/services"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

type AuthHandler struct {
	authService *services.AuthService
	log         logging.Logger
}

func NewAuthHandler(authService *services.AuthService, log logging.Logger) *AuthHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &AuthHandler{
		authService: authService,
		log:         log,
	}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErrorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Username == "" || req.Password == "" {
		respondErrorJSON(w, http.StatusBadRequest, "email, username and password are required")
		return
	}

	account, err := h.authService.Register(r.Context(), services.RegisterInput{
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
	}, clientInfo(r))
	if err != nil {
		if account != nil {
			// created, but the verification email did not go out
			h.log.Warn(r.Context(), "verification email failed after register", "account_id", account.ID, "error", err)
			respondJSON(w, http.StatusCreated, models.RegisterResponse{
				Account: account,
				Message: "Account created, but the verification email could not be sent. Request a new code.",
			})
			return
		}
		respondServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, models.RegisterResponse{
		Account: account,
		Message: "Verification code sent to email",
	})
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErrorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Code == "" {
		respondErrorJSON(w, http.StatusBadRequest, "email and code are required")
		return
	}

	account, err := h.authService.VerifyEmail(r.Context(), req.Email, req.Code, clientInfo(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	email, ok := decodeEmail(w, r)
	if !ok {
		return
	}
	if err := h.authService.ResendOTP(r.Context(), email, clientInfo(r)); err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondMessage(w, "Verification code sent to email")
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErrorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondErrorJSON(w, http.StatusBadRequest, "email and password are required")
		return
	}

	result, err := h.authService.Login(r.Context(), services.LoginInput{
		Email:       req.Email,
		Password:    req.Password,
		Fingerprint: req.DeviceFingerprint,
	}, clientInfo(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}

	if result.RequiresDeviceVerification {
		respondJSON(w, http.StatusAccepted, models.LoginResponse{
			RequiresDeviceVerification: true,
			Message:                    "New device detected. Check your email for a verification code.",
		})
		return
	}
	respondJSON(w, http.StatusOK, models.LoginResponse{
		TokenPair: result.Tokens,
		Account:   result.Account,
	})
}

func (h *AuthHandler) VerifyDevice(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErrorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Code == "" {
		respondErrorJSON(w, http.StatusBadRequest, "email and code are required")
		return
	}

	result, err := h.authService.VerifyDevice(r.Context(), services.VerifyDeviceInput{
		Email:       req.Email,
		Fingerprint: req.DeviceFingerprint,
		Code:        req.Code,
	}, clientInfo(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, models.LoginResponse{
		TokenPair: result.Tokens,
		Account:   result.Account,
	})
}

func (h *AuthHandler) ResendDeviceOTP(w http.ResponseWriter, r *http.Request) {
	email, ok := decodeEmail(w, r)
	if !ok {
		return
	}
	if err := h.authService.ResendDeviceOTP(r.Context(), email, clientInfo(r)); err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondMessage(w, "Device verification code sent to email")
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshTokenRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		respondErrorJSON(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := h.authService.RefreshToken(r.Context(), req.RefreshToken, clientInfo(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, pair)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshTokenRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		respondErrorJSON(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	if err := h.authService.Logout(r.Context(), req.RefreshToken, clientInfo(r)); err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondMessage(w, "Logged out")
}

func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	email, ok := decodeEmail(w, r)
	if !ok {
		return
	}
	if err := h.authService.ForgotPassword(r.Context(), email, clientInfo(r)); err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondMessage(w, "Password reset code sent to email")
}

func (h *AuthHandler) VerifyResetOTP(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyResetCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErrorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Code == "" {
		respondErrorJSON(w, http.StatusBadRequest, "email and code are required")
		return
	}

	if err := h.authService.VerifyResetOTP(r.Context(), req.Email, req.Code, clientInfo(r)); err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondMessage(w, "Code verified")
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req models.ResetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErrorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.NewPassword == "" {
		respondErrorJSON(w, http.StatusBadRequest, "email and new_password are required")
		return
	}

	if err := h.authService.ResetPassword(r.Context(), req.Email, req.NewPassword, clientInfo(r)); err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondMessage(w, "Password updated")
}

func (h *AuthHandler) Google(w http.ResponseWriter, r *http.Request) {
	var req models.GoogleAuthRequest
	if err := decodeJSON(r, &req); err != nil || req.IDToken == "" {
		respondErrorJSON(w, http.StatusBadRequest, "id_token is required")
		return
	}

	result, err := h.authService.GoogleAuth(r.Context(), req.IDToken, clientInfo(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, models.LoginResponse{
		TokenPair: result.Tokens,
		Account:   result.Account,
	})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	account := CurrentAccount(r)
	if account == nil {
		respondErrorJSON(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func decodeEmail(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req models.EmailRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErrorJSON(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	if strings.TrimSpace(req.Email) == "" {
		respondErrorJSON(w, http.StatusBadRequest, "email is required")
		return "", false
	}
	return req.Email, true
}
