package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/kamikazebr/luna-auth/internal/logging"
	"github.com/kamikazebr/luna-auth/internal/server/services"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

func writeJSON(w http.ResponseWriter, data interface{}) error {
	return json.NewEncoder(w).Encode(data)
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	writeJSON(w, data)
}

func respondErrorJSON(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, models.ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

func respondMessage(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusOK, models.MessageResponse{Message: message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrTooSoon), errors.Is(err, services.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidCode), errors.Is(err, services.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError writes err using the service error taxonomy. Internal
// errors are logged and replaced by a generic message.
func respondServiceError(w http.ResponseWriter, r *http.Request, log logging.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		respondErrorJSON(w, status, "internal server error")
		return
	}

	resp := models.ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	}
	if secs := services.SecondsRemaining(err); secs > 0 {
		resp.SecondsRemaining = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	respondJSON(w, status, resp)
}

// clientIP is the peer address, already rewritten by RealIP when the peer
// is a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientInfo(r *http.Request) services.ClientInfo {
	return services.ClientInfo{IP: clientIP(r), UserAgent: r.UserAgent()}
}
