package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atinyakov/gatekiosk/internal/biometric"
	"github.com/atinyakov/gatekiosk/internal/models"
	"github.com/atinyakov/gatekiosk/internal/orchestrator"
	"github.com/atinyakov/gatekiosk/internal/service"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotBooked),
		errors.Is(err, models.ErrNotCheckedIn),
		errors.Is(err, models.ErrDuplicatePassport),
		errors.Is(err, orchestrator.ErrSuppressed),
		errors.Is(err, service.ErrSweepInProgress):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidBooking),
		errors.Is(err, orchestrator.ErrInvalidTicket):
		return http.StatusBadRequest
	case errors.Is(err, biometric.ErrNoFace):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError writes err as plain text. Internal errors are not echoed.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		http.Error(w, "internal error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
