package models

// Auth API types
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,min=3,max=20"`
	Password string `json:"password" validate:"required,min=8"`
}

type VerifyEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6"`
}

type EmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type LoginRequest struct {
	Email             string `json:"email" validate:"required,email"`
	Password          string `json:"password" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

type RegisterResponse struct {
	Account *Account `json:"account"`
	Message string   `json:"message"`
}

type LoginResponse struct {
	*TokenPair
	Account                    *Account `json:"account,omitempty"`
	RequiresDeviceVerification bool     `json:"requires_device_verification"`
	Message                    string   `json:"message,omitempty"`
}

type VerifyDeviceRequest struct {
	Email             string `json:"email" validate:"required,email"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required"`
	Code              string `json:"code" validate:"required,len=6"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type VerifyResetCodeRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6"`
}

type ResetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}

type GoogleAuthRequest struct {
	IDToken string `json:"id_token" validate:"required"`
}

type DeviceListResponse struct {
	Devices []DeviceRecord `json:"devices"`
	Count   int            `json:"count"`
}

type SweepResponse struct {
	Deleted int64 `json:"deleted"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// Error response
type ErrorResponse struct {
	Error            string `json:"error"`
	Message          string `json:"message,omitempty"`
	SecondsRemaining int    `json:"seconds_remaining,omitempty"`
}
