package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/audit"
	"github.com/atinyakov/gatekiosk/internal/biometric"
	"github.com/atinyakov/gatekiosk/internal/models"
)

// PassengerRepository defines the passenger persistence used by Booking.
type PassengerRepository interface {
	// GetPassengerByID returns the passenger or an error wrapping models.ErrNotFound.
	GetPassengerByID(ctx context.Context, id int64) (*models.Passenger, error)
	// GetPassengerByPassport looks a passenger up by normalized passport number.
	GetPassengerByPassport(ctx context.Context, passport string) (*models.Passenger, error)
	// CreatePassenger inserts p and fills in ID and CreatedAt.
	CreatePassenger(ctx context.Context, p *models.Passenger) error
	// DeletePassenger removes the passenger and every ticket it holds.
	DeletePassenger(ctx context.Context, id int64) error
}

// TicketWriter issues tickets.
type TicketWriter interface {
	// CreateTicket inserts t as Booked; a taken number yields models.ErrDuplicateTicket.
	CreateTicket(ctx context.Context, t *models.Ticket) error
}

// TemplateRemover deletes biometric template blobs.
type TemplateRemover interface {
	Delete(storageKey string) error
}

// GalleryReloader republishes the face gallery.
type GalleryReloader interface {
	Reload(ctx context.Context) (*biometric.Gallery, error)
}

const (
	ticketAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	ticketSuffixLen  = 6
	maxNumberRetries = 8
)

// BookingRequest describes a new ticket for a passenger who may or may not
// already be known by passport number.
type BookingRequest struct {
	FirstName       string    `json:"first_name"`
	LastName        string    `json:"last_name"`
	PassportNumber  string    `json:"passport_number"`
	Source          string    `json:"source"`
	SourceName      string    `json:"source_name"`
	Destination     string    `json:"destination"`
	DestinationName string    `json:"destination_name"`
	FlightDate      time.Time `json:"flight_date"`
	FlightTime      string    `json:"flight_time"`
}

// Validate checks that every required field is present.
func (r BookingRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.FirstName) == "" || strings.TrimSpace(r.LastName) == "" {
		errs = append(errs, errors.New("first and last name are required"))
	}
	if models.NormalizePassport(r.PassportNumber) == "" {
		errs = append(errs, errors.New("passport number is required"))
	}
	if r.Source == "" || r.Destination == "" {
		errs = append(errs, errors.New("source and destination are required"))
	}
	if r.Source != "" && r.Source == r.Destination {
		errs = append(errs, errors.New("source and destination must differ"))
	}
	if r.FlightDate.IsZero() {
		errs = append(errs, errors.New("flight date is required"))
	}
	if _, err := time.Parse("15:04", r.FlightTime); err != nil {
		errs = append(errs, fmt.Errorf("flight time %q is not HH:MM", r.FlightTime))
	}
	return errors.Join(errs...)
}

// ErrInvalidBooking wraps validation failures of a BookingRequest.
var ErrInvalidBooking = errors.New("invalid booking")

// Booking issues tickets and removes passengers.
type Booking struct {
	passengers PassengerRepository
	tickets    TicketWriter
	templates  TemplateRemover
	gallery    GalleryReloader
	audit      audit.Recorder
	log        *zap.Logger
	intn       func(n int) int
}

// NewBooking constructs a Booking service. templates and gallery may be nil
// when no biometric store is configured.
func NewBooking(passengers PassengerRepository, tickets TicketWriter, templates TemplateRemover, gallery GalleryReloader, rec audit.Recorder, log *zap.Logger) *Booking {
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Booking{
		passengers: passengers,
		tickets:    tickets,
		templates:  templates,
		gallery:    gallery,
		audit:      rec,
		log:        log,
		intn:       rand.IntN,
	}
}

func (b *Booking) ticketNumber() string {
	var sb strings.Builder
	sb.WriteString("TK-")
	for range ticketSuffixLen {
		sb.WriteByte(ticketAlphabet[b.intn(len(ticketAlphabet))])
	}
	return sb.String()
}

// Book reuses the passenger registered under req.PassportNumber, or creates
// one, and issues a Booked ticket with a fresh unique number.
func (b *Booking) Book(ctx context.Context, req BookingRequest) (*models.Passenger, *models.Ticket, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidBooking, err)
	}

	p, err := b.passengers.GetPassengerByPassport(ctx, req.PassportNumber)
	switch {
	case errors.Is(err, models.ErrNotFound):
		p = &models.Passenger{
			FirstName:      strings.TrimSpace(req.FirstName),
			LastName:       strings.TrimSpace(req.LastName),
			PassportNumber: models.NormalizePassport(req.PassportNumber),
		}
		if err := b.passengers.CreatePassenger(ctx, p); err != nil {
			return nil, nil, fmt.Errorf("Book: %w", err)
		}
	case err != nil:
		return nil, nil, fmt.Errorf("Book: %w", err)
	}

	t := &models.Ticket{
		PassengerID:     p.ID,
		Source:          strings.ToUpper(req.Source),
		SourceName:      req.SourceName,
		Destination:     strings.ToUpper(req.Destination),
		DestinationName: req.DestinationName,
		FlightDate:      req.FlightDate,
		FlightTime:      req.FlightTime,
		Status:          models.StatusBooked,
	}
	for attempt := 0; ; attempt++ {
		t.Number = b.ticketNumber()
		err = b.tickets.CreateTicket(ctx, t)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrDuplicateTicket) || attempt+1 >= maxNumberRetries {
			return nil, nil, fmt.Errorf("Book: %w", err)
		}
	}
	b.log.Info("ticket booked",
		zap.String("ticket", t.Number),
		zap.Int64("passenger", p.ID),
		zap.String("route", t.Route()))
	return p, t, nil
}

// DeletePassenger removes a passenger with its tickets and template blob,
// then republishes the gallery when the passenger was enrolled.
func (b *Booking) DeletePassenger(ctx context.Context, id int64) error {
	p, err := b.passengers.GetPassengerByID(ctx, id)
	if err != nil {
		return fmt.Errorf("DeletePassenger: %w", err)
	}
	if err := b.passengers.DeletePassenger(ctx, id); err != nil {
		return fmt.Errorf("DeletePassenger: %w", err)
	}
	b.audit.Record(audit.Event{
		Action:        audit.ActionDeletePassenger,
		PassengerID:   p.ID,
		PassengerName: p.FullName(),
		Success:       true,
	})
	if !p.Enrolled() {
		return nil
	}

	var errs []error
	if b.templates != nil {
		if err := b.templates.Delete(p.TemplateKey); err != nil {
			errs = append(errs, fmt.Errorf("delete template: %w", err))
		}
	}
	if b.gallery != nil {
		if _, err := b.gallery.Reload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reload gallery: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		b.log.Warn("passenger deleted with leftovers", zap.Int64("passenger", id), zap.Error(err))
	}
	return nil
}
