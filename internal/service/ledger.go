// Package service holds the kiosk business logic: ticket state transitions,
// booking and administrative authorization. Persistence is delegated to
// repository interfaces declared here.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/audit"
	"github.com/atinyakov/gatekiosk/internal/clock"
	"github.com/atinyakov/gatekiosk/internal/metrics"
	"github.com/atinyakov/gatekiosk/internal/models"
)

// TicketRepository defines the persistence operations required by the Ledger.
type TicketRepository interface {
	// GetTicketByNumber looks a ticket up by its TK-XXXXXX number or returns
	// an error wrapping models.ErrNotFound.
	// ctx carries deadlines, cancellation signals, and other request-scoped values.
	GetTicketByNumber(ctx context.Context, number string) (*models.Ticket, error)
	// ListBookedTicketsByPassenger returns Booked tickets ordered by departure.
	ListBookedTicketsByPassenger(ctx context.Context, passengerID int64) ([]models.Ticket, error)
	// CheckIn moves a Booked ticket to CheckedIn atomically.
	CheckIn(ctx context.Context, id int64, seat, gate string, at time.Time) (*models.Ticket, error)
	// Revert moves a CheckedIn ticket back to Booked.
	Revert(ctx context.Context, id int64) (*models.Ticket, error)
	// Cancel makes a ticket Cancelled.
	Cancel(ctx context.Context, id int64) (*models.Ticket, error)
	// RevertCheckedInBefore reverts every check-in stamped at or before cutoff.
	RevertCheckedInBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Admin actions passed to the Authorizer.
const (
	ActionReset  = "reset"
	ActionCancel = "cancel"
	ActionEnroll = "enroll"
	ActionDelete = "delete"
	ActionReload = "reload"
)

var (
	// ErrSweepInProgress is returned when a sweep is requested while one runs.
	ErrSweepInProgress = errors.New("expiry sweep already in progress")
	// ErrNoBooking is returned when a passenger has no Booked ticket.
	ErrNoBooking = fmt.Errorf("no booking: %w", models.ErrNotFound)
)

// Ledger owns ticket state transitions.
type Ledger struct {
	repo    TicketRepository
	auth    Authorizer
	audit   audit.Recorder
	metrics *metrics.Metrics
	clock   clock.Clock
	log     *zap.Logger
	intn    func(n int) int

	sweepMu sync.Mutex
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock sets the time source used for check-in stamps and sweeps.
func WithLedgerClock(c clock.Clock) LedgerOption { return func(l *Ledger) { l.clock = c } }

// WithLedgerAudit sets the audit recorder.
func WithLedgerAudit(r audit.Recorder) LedgerOption { return func(l *Ledger) { l.audit = r } }

// WithLedgerMetrics sets the collectors for sweep counts.
func WithLedgerMetrics(m *metrics.Metrics) LedgerOption { return func(l *Ledger) { l.metrics = m } }

// NewLedger constructs a Ledger over repo. auth guards Reset and Cancel.
func NewLedger(repo TicketRepository, auth Authorizer, log *zap.Logger, opts ...LedgerOption) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		repo:  repo,
		auth:  auth,
		audit: audit.Nop{},
		clock: clock.Real(),
		log:   log,
		intn:  rand.IntN,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Ticket returns the ticket with the given number.
func (l *Ledger) Ticket(ctx context.Context, number string) (*models.Ticket, error) {
	return l.repo.GetTicketByNumber(ctx, number)
}

// NextBooked returns the passenger's Booked ticket with the earliest
// departure, or ErrNoBooking.
func (l *Ledger) NextBooked(ctx context.Context, passengerID int64) (*models.Ticket, error) {
	booked, err := l.repo.ListBookedTicketsByPassenger(ctx, passengerID)
	if err != nil {
		return nil, fmt.Errorf("NextBooked: %w", err)
	}
	if len(booked) == 0 {
		return nil, ErrNoBooking
	}
	return &booked[0], nil
}

// seat returns a random seat in rows 1-30, columns A-F.
func (l *Ledger) seat() string {
	return fmt.Sprintf("%d%c", l.intn(30)+1, 'A'+rune(l.intn(6)))
}

// gate returns a random gate A1-D20.
func (l *Ledger) gate() string {
	return fmt.Sprintf("%c%d", 'A'+rune(l.intn(4)), l.intn(20)+1)
}

// CheckIn transitions a Booked ticket to CheckedIn with a fresh seat and
// gate. Concurrent calls for one ticket yield exactly one success; the rest
// fail with an error matching models.ErrNotBooked.
func (l *Ledger) CheckIn(ctx context.Context, ticketID int64) (*models.Ticket, error) {
	t, err := l.repo.CheckIn(ctx, ticketID, l.seat(), l.gate(), l.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("CheckIn: %w", err)
	}
	l.log.Info("ticket checked in",
		zap.String("ticket", t.Number),
		zap.String("seat", t.Seat),
		zap.String("gate", t.Gate))
	return t, nil
}

// Reset reverts a CheckedIn ticket to Booked. proof is validated before the
// repository is touched.
func (l *Ledger) Reset(ctx context.Context, ticketID int64, proof string) (*models.Ticket, error) {
	if err := l.auth.Authorize(ctx, proof, ActionReset); err != nil {
		return nil, err
	}
	t, err := l.repo.Revert(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("Reset: %w", err)
	}
	l.audit.Record(audit.Event{
		Action:       audit.ActionResetCheckIn,
		TicketNumber: t.Number,
		PassengerID:  t.PassengerID,
		Success:      true,
	})
	return t, nil
}

// Cancel makes a Booked or CheckedIn ticket Cancelled. proof is validated
// before the repository is touched.
func (l *Ledger) Cancel(ctx context.Context, ticketID int64, proof string) (*models.Ticket, error) {
	if err := l.auth.Authorize(ctx, proof, ActionCancel); err != nil {
		return nil, err
	}
	t, err := l.repo.Cancel(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	l.audit.Record(audit.Event{
		Action:       audit.ActionCancel,
		TicketNumber: t.Number,
		PassengerID:  t.PassengerID,
		Success:      true,
	})
	return t, nil
}

// SweepExpired reverts every check-in stamped at or before now-maxAge and
// returns how many tickets changed. Overlapping sweeps are refused with
// ErrSweepInProgress.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	if !l.sweepMu.TryLock() {
		return 0, ErrSweepInProgress
	}
	defer l.sweepMu.Unlock()

	n, err := l.repo.RevertCheckedInBefore(ctx, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("SweepExpired: %w", err)
	}
	if n > 0 {
		l.metrics.AddSweepReverted(n)
		l.audit.Record(audit.Event{Action: audit.ActionSweep, Success: true, Count: n})
	}
	return n, nil
}

// StartSweeper runs SweepExpired once immediately and then every interval
// until ctx is cancelled. The returned channel is closed when the loop exits.
func (l *Ledger) StartSweeper(ctx context.Context, interval, maxAge time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			n, err := l.SweepExpired(ctx, l.clock.Now(), maxAge)
			switch {
			case err != nil && ctx.Err() == nil:
				l.log.Error("failed to revert expired check-ins", zap.Error(err))
			case n > 0:
				l.log.Info("reverted expired check-ins", zap.Int64("reverted", n))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return done
}
