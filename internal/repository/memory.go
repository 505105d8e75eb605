package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/atinyakov/gatekiosk/internal/clock"
	"github.com/atinyakov/gatekiosk/internal/models"
)

// Memory is an in-process passenger and ticket store. All operations are
// serialized by one mutex, which gives transitions the same atomicity as
// the row-locking PostgreSQL implementation.
type Memory struct {
	mu         sync.Mutex
	clock      clock.Clock
	nextPass   int64
	nextTicket int64
	passengers map[int64]models.Passenger
	tickets    map[int64]models.Ticket
}

// NewMemory returns an empty store. A nil clock uses the wall clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		clock:      clk,
		passengers: make(map[int64]models.Passenger),
		tickets:    make(map[int64]models.Ticket),
	}
}

func clonePassenger(p models.Passenger) *models.Passenger { return &p }

func cloneTicket(t models.Ticket) *models.Ticket {
	if t.CheckedInAt != nil {
		at := *t.CheckedInAt
		t.CheckedInAt = &at
	}
	return &t
}

// GetPassengerByID implements the passenger repository.
func (m *Memory) GetPassengerByID(_ context.Context, id int64) (*models.Passenger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.passengers[id]
	if !ok {
		return nil, fmt.Errorf("passenger %d: %w", id, models.ErrNotFound)
	}
	return clonePassenger(p), nil
}

// GetPassengerByPassport implements the passenger repository.
func (m *Memory) GetPassengerByPassport(_ context.Context, passport string) (*models.Passenger, error) {
	passport = models.NormalizePassport(passport)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.passengers {
		if p.PassportNumber == passport {
			return clonePassenger(p), nil
		}
	}
	return nil, fmt.Errorf("passport %s: %w", passport, models.ErrNotFound)
}

// CreatePassenger implements the passenger repository.
func (m *Memory) CreatePassenger(_ context.Context, p *models.Passenger) error {
	p.PassportNumber = models.NormalizePassport(p.PassportNumber)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.passengers {
		if other.PassportNumber == p.PassportNumber {
			return fmt.Errorf("passport %s: %w", p.PassportNumber, models.ErrDuplicatePassport)
		}
	}
	m.nextPass++
	p.ID = m.nextPass
	p.CreatedAt = m.clock.Now()
	m.passengers[p.ID] = *p
	return nil
}

// SetTemplateKey implements the passenger repository.
func (m *Memory) SetTemplateKey(_ context.Context, id int64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.passengers[id]
	if !ok {
		return fmt.Errorf("passenger %d: %w", id, models.ErrNotFound)
	}
	p.TemplateKey = key
	m.passengers[id] = p
	return nil
}

// DeletePassenger implements the passenger repository. Tickets of the
// passenger are removed too.
func (m *Memory) DeletePassenger(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.passengers[id]; !ok {
		return fmt.Errorf("passenger %d: %w", id, models.ErrNotFound)
	}
	delete(m.passengers, id)
	for tid, t := range m.tickets {
		if t.PassengerID == id {
			delete(m.tickets, tid)
		}
	}
	return nil
}

// ListPassengersWithTemplate implements the passenger repository.
func (m *Memory) ListPassengersWithTemplate(context.Context) ([]models.Passenger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Passenger
	for _, p := range m.passengers {
		if p.Enrolled() {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b models.Passenger) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// CreateTicket implements the ticket repository.
func (m *Memory) CreateTicket(_ context.Context, t *models.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.passengers[t.PassengerID]; !ok {
		return fmt.Errorf("passenger %d: %w", t.PassengerID, models.ErrNotFound)
	}
	for _, other := range m.tickets {
		if other.Number == t.Number {
			return fmt.Errorf("ticket %s: %w", t.Number, models.ErrDuplicateTicket)
		}
	}
	m.nextTicket++
	t.ID = m.nextTicket
	t.Status = models.StatusBooked
	t.Seat, t.Gate, t.CheckedInAt = "", "", nil
	t.CreatedAt = m.clock.Now()
	m.tickets[t.ID] = *cloneTicket(*t)
	return nil
}

// GetTicketByID implements the ticket repository.
func (m *Memory) GetTicketByID(_ context.Context, id int64) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %d: %w", id, models.ErrNotFound)
	}
	return cloneTicket(t), nil
}

// GetTicketByNumber implements the ticket repository.
func (m *Memory) GetTicketByNumber(_ context.Context, number string) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.Number == number {
			return cloneTicket(t), nil
		}
	}
	return nil, fmt.Errorf("ticket %s: %w", number, models.ErrNotFound)
}

func (m *Memory) booked(match func(models.Ticket) bool) []models.Ticket {
	var out []models.Ticket
	for _, t := range m.tickets {
		if t.Status == models.StatusBooked && match(t) {
			out = append(out, *cloneTicket(t))
		}
	}
	slices.SortFunc(out, func(a, b models.Ticket) int {
		if c := a.FlightDate.Compare(b.FlightDate); c != 0 {
			return c
		}
		if c := cmp.Compare(a.FlightTime, b.FlightTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// ListBookedTickets implements the ticket repository.
func (m *Memory) ListBookedTickets(context.Context) ([]models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.booked(func(models.Ticket) bool { return true }), nil
}

// ListBookedTicketsByPassenger implements the ticket repository.
func (m *Memory) ListBookedTicketsByPassenger(_ context.Context, passengerID int64) ([]models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.booked(func(t models.Ticket) bool { return t.PassengerID == passengerID }), nil
}

func (m *Memory) transition(id int64, apply func(*models.Ticket) error) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %d: %w", id, models.ErrNotFound)
	}
	if err := apply(&t); err != nil {
		return nil, fmt.Errorf("ticket %d: %w", id, err)
	}
	m.tickets[id] = t
	return cloneTicket(t), nil
}

func clearAssignment(t *models.Ticket) {
	t.Seat, t.Gate, t.CheckedInAt = "", "", nil
}

// CheckIn implements the ticket repository.
func (m *Memory) CheckIn(_ context.Context, id int64, seat, gate string, at time.Time) (*models.Ticket, error) {
	return m.transition(id, func(t *models.Ticket) error {
		if t.Status != models.StatusBooked {
			return models.NotBookedError(t.Status)
		}
		t.Status = models.StatusCheckedIn
		t.Seat, t.Gate = seat, gate
		t.CheckedInAt = &at
		return nil
	})
}

// Revert implements the ticket repository.
func (m *Memory) Revert(_ context.Context, id int64) (*models.Ticket, error) {
	return m.transition(id, func(t *models.Ticket) error {
		if t.Status != models.StatusCheckedIn {
			return models.ErrNotCheckedIn
		}
		t.Status = models.StatusBooked
		clearAssignment(t)
		return nil
	})
}

// Cancel implements the ticket repository.
func (m *Memory) Cancel(_ context.Context, id int64) (*models.Ticket, error) {
	return m.transition(id, func(t *models.Ticket) error {
		if t.Status == models.StatusCancelled {
			return models.ErrAlreadyCancelled
		}
		t.Status = models.StatusCancelled
		clearAssignment(t)
		return nil
	})
}

// RevertCheckedInBefore implements the ticket repository.
func (m *Memory) RevertCheckedInBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tickets {
		if t.Status == models.StatusCheckedIn && t.CheckedInAt != nil && !t.CheckedInAt.After(cutoff) {
			t.Status = models.StatusBooked
			clearAssignment(&t)
			m.tickets[id] = t
			n++
		}
	}
	return n, nil
}
