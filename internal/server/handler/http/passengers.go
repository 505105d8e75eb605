package http

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg" // enrollment photo decoders
	_ "image/png"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atinyakov/gatekiosk/internal/audit"
	"github.com/atinyakov/gatekiosk/internal/biometric"
	"github.com/atinyakov/gatekiosk/internal/middleware"
	"github.com/atinyakov/gatekiosk/internal/models"
	"github.com/atinyakov/gatekiosk/internal/service"
)

// BookingService defines the booking operations required by the
// PassengerHandler.
type BookingService interface {
	// Book creates or reuses the passenger and issues a ticket.
	Book(ctx context.Context, req service.BookingRequest) (*models.Passenger, *models.Ticket, error)
	// DeletePassenger removes the passenger, its tickets and template.
	DeletePassenger(ctx context.Context, id int64) error
}

// Enroller stores a passenger's face template from a photo.
type Enroller interface {
	Enroll(ctx context.Context, passengerID int64, frame image.Image) error
}

// GalleryReloader rebuilds the known-template snapshot.
type GalleryReloader interface {
	Reload(ctx context.Context) (*biometric.Gallery, error)
}

const maxPhotoBytes = 16 << 20

// PassengerHandler handles bookings, enrollment and passenger removal.
type PassengerHandler struct {
	Auth     service.Authorizer
	Booking  BookingService
	Enroller Enroller
	Gallery  GalleryReloader
	Audit    audit.Recorder
}

// BookingResponse is returned by POST /api/bookings.
type BookingResponse struct {
	Passenger *models.Passenger `json:"passenger"`
	Ticket    *models.Ticket    `json:"ticket"`
}

// Book handles POST /api/bookings.
func (h *PassengerHandler) Book(w http.ResponseWriter, r *http.Request) {
	var req service.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	p, t, err := h.Booking.Book(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, BookingResponse{Passenger: p, Ticket: t})
}

func passengerID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid passenger id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// Enroll handles POST /api/passengers/{id}/enroll (admin). The body is a
// JPEG or PNG photo.
func (h *PassengerHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := passengerID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Auth.Authorize(ctx, middleware.ProofFromContext(ctx), service.ActionEnroll); err != nil {
		writeError(w, err)
		return
	}
	frame, _, err := image.Decode(io.LimitReader(r.Body, maxPhotoBytes))
	if err != nil {
		http.Error(w, "body must be a JPEG or PNG image", http.StatusBadRequest)
		return
	}
	err = h.Enroller.Enroll(ctx, id, frame)
	h.Audit.Record(audit.Event{Action: audit.ActionEnroll, PassengerID: id, Success: err == nil})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/passengers/{id} (admin).
func (h *PassengerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := passengerID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Auth.Authorize(ctx, middleware.ProofFromContext(ctx), service.ActionDelete); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Booking.DeletePassenger(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReloadGallery handles POST /api/gallery/reload (admin).
func (h *PassengerHandler) ReloadGallery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.Auth.Authorize(ctx, middleware.ProofFromContext(ctx), service.ActionReload); err != nil {
		writeError(w, err)
		return
	}
	g, err := h.Gallery.Reload(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generation": g.Generation(), "size": g.Len()})
}
