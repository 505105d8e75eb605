package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/middleware"
	"github.com/atinyakov/gatekiosk/internal/models"
	"github.com/atinyakov/gatekiosk/internal/orchestrator"
	"github.com/atinyakov/gatekiosk/internal/token"
)

// TicketService defines the ticket operations required by the
// TicketHandler.
type TicketService interface {
	// Ticket returns a ticket by its TK-XXXXXX number.
	Ticket(ctx context.Context, number string) (*models.Ticket, error)
	// Reset reverts a check-in; proof is the admin token.
	Reset(ctx context.Context, ticketID int64, proof string) (*models.Ticket, error)
	// Cancel cancels a ticket; proof is the admin token.
	Cancel(ctx context.Context, ticketID int64, proof string) (*models.Ticket, error)
}

// ManualCheckIn checks a ticket in by number through the kiosk loop.
type ManualCheckIn interface {
	ManualCheckIn(ctx context.Context, number string) (orchestrator.Outcome, error)
}

// PassengerLookup resolves a passenger by ID.
type PassengerLookup interface {
	GetPassengerByID(ctx context.Context, id int64) (*models.Passenger, error)
}

// DefaultQRSize is the PNG edge length when the request gives none.
const DefaultQRSize = 320

// TicketHandler handles ticket check-in, admin overrides and token images.
type TicketHandler struct {
	Tickets    TicketService
	Kiosk      ManualCheckIn
	Passengers PassengerLookup
	Log        *zap.Logger
}

func ticketNumber(r *http.Request) string {
	return strings.ToUpper(chi.URLParam(r, "number"))
}

// CheckIn handles POST /api/tickets/{number}/checkin.
func (h *TicketHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	out, err := h.Kiosk.ManualCheckIn(r.Context(), ticketNumber(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Reset handles POST /api/tickets/{number}/reset (admin).
func (h *TicketHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.override(w, r, h.Tickets.Reset)
}

// Cancel handles POST /api/tickets/{number}/cancel (admin).
func (h *TicketHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.override(w, r, h.Tickets.Cancel)
}

func (h *TicketHandler) override(w http.ResponseWriter, r *http.Request, op func(context.Context, int64, string) (*models.Ticket, error)) {
	ctx := r.Context()
	t, err := h.Tickets.Ticket(ctx, ticketNumber(r))
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := op(ctx, t.ID, middleware.ProofFromContext(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// QR handles GET /api/tickets/{number}/qr and returns the boarding token
// as a PNG. The optional "size" query parameter sets the edge length.
func (h *TicketHandler) QR(w http.ResponseWriter, r *http.Request) {
	size := DefaultQRSize
	if s := r.URL.Query().Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 64 || n > 2048 {
			http.Error(w, "size must be between 64 and 2048", http.StatusBadRequest)
			return
		}
		size = n
	}

	ctx := r.Context()
	t, err := h.Tickets.Ticket(ctx, ticketNumber(r))
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := h.Passengers.GetPassengerByID(ctx, t.PassengerID)
	if err != nil {
		writeError(w, err)
		return
	}
	png, err := token.Encode(token.PayloadFor(t, p), size)
	if err != nil {
		if h.Log != nil {
			h.Log.Error("failed to render ticket token", zap.String("ticket", t.Number), zap.Error(err))
		}
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}
