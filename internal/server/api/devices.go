package api

import (
	"net/http"

	"github.com/kamikazebr/luna-auth/internal/logging"
	"github.com/kamikazebr/luna-auth/internal/server/services"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

type DeviceHandler struct {
	deviceService *services.DeviceService
	log           logging.Logger
}

func NewDeviceHandler(deviceService *services.DeviceService, log logging.Logger) *DeviceHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &DeviceHandler{
		deviceService: deviceService,
		log:           log,
	}
}

// ListDevices returns the caller's device records, trusted or pending.
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	account := CurrentAccount(r)
	if account == nil {
		respondErrorJSON(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	devices, err := h.deviceService.List(r.Context(), account.ID)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	if devices == nil {
		devices = []models.DeviceRecord{}
	}

	respondJSON(w, http.StatusOK, models.DeviceListResponse{
		Devices: devices,
		Count:   len(devices),
	})
}
