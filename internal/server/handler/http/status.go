package http

import (
	"net/http"

	"github.com/atinyakov/gatekiosk/internal/biometric"
	"github.com/atinyakov/gatekiosk/internal/hardware"
	"github.com/atinyakov/gatekiosk/internal/orchestrator"
)

// HardwareState reports the gate link state.
type HardwareState interface {
	State() hardware.State
}

// GallerySnapshot exposes the loaded templates.
type GallerySnapshot interface {
	Current() *biometric.Gallery
}

// KioskState reports the check-in loop state.
type KioskState interface {
	State() orchestrator.State
	Mode() orchestrator.Mode
}

// StatusHandler serves the health endpoint.
type StatusHandler struct {
	Hardware HardwareState
	Gallery  GallerySnapshot
	Kiosk    KioskState
}

// Health handles GET /api/health.
func (h *StatusHandler) Health(w http.ResponseWriter, _ *http.Request) {
	g := h.Gallery.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"state":    h.Kiosk.State(),
		"mode":     h.Kiosk.Mode(),
		"hardware": h.Hardware.State(),
		"gallery": map[string]any{
			"generation": g.Generation(),
			"size":       g.Len(),
		},
	})
}
