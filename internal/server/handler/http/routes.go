// Package http provides the kiosk admin and status API.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/middleware"
)

// Handlers groups everything mounted by NewRouter. Events and Metrics may
// be nil.
type Handlers struct {
	Admin      *AdminHandler
	Status     *StatusHandler
	Tickets    *TicketHandler
	Passengers *PassengerHandler
	Events     http.Handler
	Metrics    http.Handler
}

// NewRouter constructs the HTTP handler serving the kiosk API.
//
// Routes:
//
//	GET    /api/health                     → Status.Health
//	POST   /api/admin/login                → Admin.Login
//	POST   /api/bookings                   → Passengers.Book
//	POST   /api/tickets/{number}/checkin   → Tickets.CheckIn
//	GET    /api/tickets/{number}/qr        → Tickets.QR
//	POST   /api/tickets/{number}/reset     → Tickets.Reset        (admin)
//	POST   /api/tickets/{number}/cancel    → Tickets.Cancel       (admin)
//	POST   /api/passengers/{id}/enroll     → Passengers.Enroll    (admin)
//	DELETE /api/passengers/{id}            → Passengers.Delete    (admin)
//	POST   /api/gallery/reload             → Passengers.ReloadGallery (admin)
//	GET    /ws                             → Events
//	GET    /metrics                        → Metrics
//
// Admin routes require "Authorization: Bearer <token>" from /api/admin/login.
func NewRouter(h Handlers, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	// Log each request and its metadata
	r.Use(middleware.WithRequestLogging(logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Status.Health)

		// JSON bodies only
		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.AllowContentType("application/json"))
			r.Post("/admin/login", h.Admin.Login)
			r.Post("/bookings", h.Passengers.Book)
		})

		r.Post("/tickets/{number}/checkin", h.Tickets.CheckIn)
		r.Get("/tickets/{number}/qr", h.Tickets.QR)

		// Protected group: requires an admin bearer token
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireProof)
			r.Post("/tickets/{number}/reset", h.Tickets.Reset)
			r.Post("/tickets/{number}/cancel", h.Tickets.Cancel)
			r.Post("/passengers/{id}/enroll", h.Passengers.Enroll)
			r.Delete("/passengers/{id}", h.Passengers.Delete)
			r.Post("/gallery/reload", h.Passengers.ReloadGallery)
		})
	})

	if h.Events != nil {
		r.Get("/ws", h.Events.ServeHTTP)
	}
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
	return r
}
