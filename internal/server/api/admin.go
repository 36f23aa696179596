package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/internal/logging"
	"github.com/kamikazebr/luna-auth/internal/server/services"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

// AuditLister reads back recorded audit events. Only the Firestore sink implements it.
type AuditLister interface {
	ListForAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]services.AuditEvent, error)
}

type AdminHandler struct {
	authService   *services.AuthService
	audit         AuditLister
	codeRetention time.Duration
	now           func() time.Time
	log           logging.Logger
}

func NewAdminHandler(authService *services.AuthService, audit AuditLister, codeRetention time.Duration, log logging.Logger) *AdminHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &AdminHandler{
		authService:   authService,
		audit:         audit,
		codeRetention: codeRetention,
		now:           time.Now,
		log:           log,
	}
}

func (h *AdminHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	account, err := h.authService.GetAccount(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (h *AdminHandler) ListAccountDevices(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	devices, err := h.authService.Devices().List(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	if devices == nil {
		devices = []models.DeviceRecord{}
	}
	respondJSON(w, http.StatusOK, models.DeviceListResponse{Devices: devices, Count: len(devices)})
}

func (h *AdminHandler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		respondErrorJSON(w, http.StatusNotImplemented, "audit events are only stored with the firestore backend")
		return
	}
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			respondErrorJSON(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	events, err := h.audit.ListForAccount(r.Context(), id, limit)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	if events == nil {
		events = []services.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// SweepCodes deletes one-time codes older than the retention period.
func (h *AdminHandler) SweepCodes(w http.ResponseWriter, r *http.Request) {
	n, err := h.authService.SweepExpiredCodes(r.Context(), h.now().Add(-h.codeRetention))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, models.SweepResponse{Deleted: n})
}

func accountIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "account_id"))
	if err != nil {
		respondErrorJSON(w, http.StatusBadRequest, "invalid account id")
		return uuid.Nil, false
	}
	return id, true
}
