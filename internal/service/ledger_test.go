package service_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/atinyakov/gatekiosk/internal/audit"
	"github.com/atinyakov/gatekiosk/internal/clock"
	"github.com/atinyakov/gatekiosk/internal/models"
	"github.com/atinyakov/gatekiosk/internal/repository"
	"github.com/atinyakov/gatekiosk/internal/service"
)

type mockTicketRepo struct {
	GetTicketByNumberFunc            func(ctx context.Context, number string) (*models.Ticket, error)
	ListBookedTicketsByPassengerFunc func(ctx context.Context, passengerID int64) ([]models.Ticket, error)
	CheckInFunc                      func(ctx context.Context, id int64, seat, gate string, at time.Time) (*models.Ticket, error)
	RevertFunc                       func(ctx context.Context, id int64) (*models.Ticket, error)
	CancelFunc                       func(ctx context.Context, id int64) (*models.Ticket, error)
	RevertCheckedInBeforeFunc        func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (m *mockTicketRepo) GetTicketByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	return m.GetTicketByNumberFunc(ctx, number)
}
func (m *mockTicketRepo) ListBookedTicketsByPassenger(ctx context.Context, passengerID int64) ([]models.Ticket, error) {
	return m.ListBookedTicketsByPassengerFunc(ctx, passengerID)
}
func (m *mockTicketRepo) CheckIn(ctx context.Context, id int64, seat, gate string, at time.Time) (*models.Ticket, error) {
	return m.CheckInFunc(ctx, id, seat, gate, at)
}
func (m *mockTicketRepo) Revert(ctx context.Context, id int64) (*models.Ticket, error) {
	return m.RevertFunc(ctx, id)
}
func (m *mockTicketRepo) Cancel(ctx context.Context, id int64) (*models.Ticket, error) {
	return m.CancelFunc(ctx, id)
}
func (m *mockTicketRepo) RevertCheckedInBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.RevertCheckedInBeforeFunc(ctx, cutoff)
}

type stubAuth struct {
	err   error
	calls []string
}

func (s *stubAuth) Authorize(_ context.Context, proof, action string) error {
	s.calls = append(s.calls, action+":"+proof)
	return s.err
}

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(e audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) actions() []audit.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Action, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

var (
	seatPattern = regexp.MustCompile(`^([1-9]|[12][0-9]|30)[A-F]$`)
	gatePattern = regexp.MustCompile(`^[A-D]([1-9]|1[0-9]|20)$`)
	epoch       = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
)

// seed stores one passenger with n booked tickets.
func seed(t *testing.T, store *repository.Memory, n int) []models.Ticket {
	t.Helper()
	ctx := context.Background()
	p := &models.Passenger{FirstName: "Jane", LastName: "Doe", PassportNumber: "X1234567"}
	if err := store.CreatePassenger(ctx, p); err != nil {
		t.Fatalf("CreatePassenger: %v", err)
	}
	out := make([]models.Ticket, 0, n)
	for i := range n {
		tk := &models.Ticket{
			Number:      fmt.Sprintf("TK-AAAA%02d", i),
			PassengerID: p.ID,
			Source:      "SVO",
			Destination: "LED",
			FlightDate:  epoch.AddDate(0, 0, n-i),
			FlightTime:  "10:30",
		}
		if err := store.CreateTicket(ctx, tk); err != nil {
			t.Fatalf("CreateTicket: %v", err)
		}
		out = append(out, *tk)
	}
	return out
}

func TestCheckIn_AssignsSeatAndGate(t *testing.T) {
	clk := clock.NewFake(epoch)
	store := repository.NewMemory(clk)
	tickets := seed(t, store, 1)
	l := service.NewLedger(store, &stubAuth{}, nil, service.WithLedgerClock(clk))

	for range 50 {
		got, err := l.CheckIn(context.Background(), tickets[0].ID)
		if err != nil {
			t.Fatalf("CheckIn: %v", err)
		}
		if got.Status != models.StatusCheckedIn {
			t.Fatalf("status = %s; want checked_in", got.Status)
		}
		if !seatPattern.MatchString(got.Seat) {
			t.Errorf("seat %q out of range", got.Seat)
		}
		if !gatePattern.MatchString(got.Gate) {
			t.Errorf("gate %q out of range", got.Gate)
		}
		if got.CheckedInAt == nil || !got.CheckedInAt.Equal(epoch) {
			t.Errorf("CheckedInAt = %v; want %v", got.CheckedInAt, epoch)
		}
		if _, err := store.Revert(context.Background(), got.ID); err != nil {
			t.Fatalf("Revert: %v", err)
		}
	}
}

func TestCheckIn_RefusesNonBooked(t *testing.T) {
	store := repository.NewMemory(nil)
	tickets := seed(t, store, 2)
	l := service.NewLedger(store, &stubAuth{}, nil)
	ctx := context.Background()

	if _, err := l.CheckIn(ctx, tickets[0].ID); err != nil {
		t.Fatalf("first CheckIn: %v", err)
	}
	_, err := l.CheckIn(ctx, tickets[0].ID)
	if !errors.Is(err, models.ErrAlreadyCheckedIn) || !errors.Is(err, models.ErrNotBooked) {
		t.Fatalf("second CheckIn error = %v; want ErrAlreadyCheckedIn", err)
	}

	if _, err := l.Cancel(ctx, tickets[1].ID, "proof"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_, err = l.CheckIn(ctx, tickets[1].ID)
	if !errors.Is(err, models.ErrAlreadyCancelled) || !errors.Is(err, models.ErrNotBooked) {
		t.Fatalf("CheckIn of cancelled error = %v; want ErrAlreadyCancelled", err)
	}
}

func TestCheckIn_ConcurrentSingleSuccess(t *testing.T) {
	store := repository.NewMemory(nil)
	tickets := seed(t, store, 1)
	l := service.NewLedger(store, &stubAuth{}, nil)

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		refusals  int
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := l.CheckIn(context.Background(), tickets[0].ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, models.ErrAlreadyCheckedIn):
				refusals++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 || refusals != workers-1 {
		t.Fatalf("successes = %d, refusals = %d; want 1 and %d", successes, refusals, workers-1)
	}
}

func TestReset_UnauthorizedMakesNoRepositoryCall(t *testing.T) {
	repo := &mockTicketRepo{
		RevertFunc: func(context.Context, int64) (*models.Ticket, error) {
			t.Fatal("Revert called without authorization")
			return nil, nil
		},
		CancelFunc: func(context.Context, int64) (*models.Ticket, error) {
			t.Fatal("Cancel called without authorization")
			return nil, nil
		},
	}
	auth := &stubAuth{err: fmt.Errorf("reset: %w", models.ErrUnauthorized)}
	l := service.NewLedger(repo, auth, nil)

	if _, err := l.Reset(context.Background(), 1, "bogus"); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("Reset error = %v; want ErrUnauthorized", err)
	}
	if _, err := l.Cancel(context.Background(), 1, ""); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("Cancel error = %v; want ErrUnauthorized", err)
	}
	want := []string{"reset:bogus", "cancel:"}
	if fmt.Sprint(auth.calls) != fmt.Sprint(want) {
		t.Errorf("authorizer calls = %v; want %v", auth.calls, want)
	}
}

func TestReset(t *testing.T) {
	store := repository.NewMemory(nil)
	tickets := seed(t, store, 1)
	rec := &recorder{}
	l := service.NewLedger(store, &stubAuth{}, nil, service.WithLedgerAudit(rec))
	ctx := context.Background()

	if _, err := l.Reset(ctx, tickets[0].ID, "ok"); !errors.Is(err, models.ErrNotCheckedIn) {
		t.Fatalf("Reset of booked error = %v; want ErrNotCheckedIn", err)
	}

	if _, err := l.CheckIn(ctx, tickets[0].ID); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	got, err := l.Reset(ctx, tickets[0].ID, "ok")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got.Status != models.StatusBooked || got.Seat != "" || got.Gate != "" || got.CheckedInAt != nil {
		t.Errorf("Reset left %+v; want booked without assignment", got)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if acts := rec.actions(); len(acts) != 1 || acts[0] != audit.ActionResetCheckIn {
		t.Errorf("audit actions = %v; want [RESET_CHECKIN]", acts)
	}
}

func TestCancel_FromCheckedIn(t *testing.T) {
	store := repository.NewMemory(nil)
	tickets := seed(t, store, 1)
	rec := &recorder{}
	l := service.NewLedger(store, &stubAuth{}, nil, service.WithLedgerAudit(rec))
	ctx := context.Background()

	if _, err := l.CheckIn(ctx, tickets[0].ID); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	got, err := l.Cancel(ctx, tickets[0].ID, "ok")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != models.StatusCancelled || got.Seat != "" || got.CheckedInAt != nil {
		t.Errorf("Cancel left %+v", got)
	}
	if _, err := l.Cancel(ctx, tickets[0].ID, "ok"); !errors.Is(err, models.ErrAlreadyCancelled) {
		t.Fatalf("second Cancel error = %v; want ErrAlreadyCancelled", err)
	}
	if _, err := l.Reset(ctx, tickets[0].ID, "ok"); !errors.Is(err, models.ErrNotCheckedIn) {
		t.Fatalf("Reset of cancelled error = %v; want ErrNotCheckedIn", err)
	}
	if acts := rec.actions(); len(acts) != 1 || acts[0] != audit.ActionCancel {
		t.Errorf("audit actions = %v; want [CANCEL]", acts)
	}
}

func TestNextBooked(t *testing.T) {
	store := repository.NewMemory(nil)
	tickets := seed(t, store, 3)
	l := service.NewLedger(store, &stubAuth{}, nil)
	ctx := context.Background()

	// seed gives later tickets earlier flight dates.
	got, err := l.NextBooked(ctx, tickets[0].PassengerID)
	if err != nil {
		t.Fatalf("NextBooked: %v", err)
	}
	if got.Number != tickets[2].Number {
		t.Errorf("NextBooked = %s; want %s", got.Number, tickets[2].Number)
	}

	for _, tk := range tickets {
		if _, err := l.CheckIn(ctx, tk.ID); err != nil {
			t.Fatalf("CheckIn: %v", err)
		}
	}
	if _, err := l.NextBooked(ctx, tickets[0].PassengerID); !errors.Is(err, service.ErrNoBooking) || !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("NextBooked error = %v; want ErrNoBooking", err)
	}
}

func TestSweepExpired_RevertsOnlyOldCheckIns(t *testing.T) {
	clk := clock.NewFake(epoch)
	store := repository.NewMemory(clk)
	tickets := seed(t, store, 2)
	rec := &recorder{}
	l := service.NewLedger(store, &stubAuth{}, nil, service.WithLedgerClock(clk), service.WithLedgerAudit(rec))
	ctx := context.Background()

	if _, err := l.CheckIn(ctx, tickets[0].ID); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	clk.Advance(2 * time.Hour)
	if _, err := l.CheckIn(ctx, tickets[1].ID); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	clk.Advance(23 * time.Hour)

	n, err := l.SweepExpired(ctx, clk.Now(), 24*time.Hour)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("reverted = %d; want 1", n)
	}

	old, _ := store.GetTicketByID(ctx, tickets[0].ID)
	recent, _ := store.GetTicketByID(ctx, tickets[1].ID)
	if old.Status != models.StatusBooked || old.Seat != "" {
		t.Errorf("25h check-in = %+v; want reverted", old)
	}
	if recent.Status != models.StatusCheckedIn {
		t.Errorf("23h check-in status = %s; want checked_in", recent.Status)
	}
	if acts := rec.actions(); len(acts) != 1 || acts[0] != audit.ActionSweep || rec.events[0].Count != 1 {
		t.Errorf("audit = %+v; want one SWEEP_EXPIRED with count 1", rec.events)
	}
}

func TestSweepExpired_NoOverlap(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	repo := &mockTicketRepo{
		RevertCheckedInBeforeFunc: func(context.Context, time.Time) (int64, error) {
			close(entered)
			<-release
			return 0, nil
		},
	}
	l := service.NewLedger(repo, &stubAuth{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := l.SweepExpired(context.Background(), epoch, 24*time.Hour)
		done <- err
	}()
	<-entered

	if _, err := l.SweepExpired(context.Background(), epoch, 24*time.Hour); !errors.Is(err, service.ErrSweepInProgress) {
		t.Fatalf("overlapping sweep error = %v; want ErrSweepInProgress", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first sweep: %v", err)
	}
}

func TestSweepExpired_RepositoryError(t *testing.T) {
	wantErr := errors.New("db down")
	repo := &mockTicketRepo{
		RevertCheckedInBeforeFunc: func(_ context.Context, cutoff time.Time) (int64, error) {
			if !cutoff.Equal(epoch.Add(-24 * time.Hour)) {
				t.Errorf("cutoff = %v; want %v", cutoff, epoch.Add(-24*time.Hour))
			}
			return 0, wantErr
		},
	}
	l := service.NewLedger(repo, &stubAuth{}, nil)
	if _, err := l.SweepExpired(context.Background(), epoch, 24*time.Hour); !errors.Is(err, wantErr) {
		t.Fatalf("SweepExpired error = %v; want %v", err, wantErr)
	}
}

func TestStartSweeper_RunsImmediatelyAndStops(t *testing.T) {
	calls := make(chan struct{}, 8)
	repo := &mockTicketRepo{
		RevertCheckedInBeforeFunc: func(context.Context, time.Time) (int64, error) {
			calls <- struct{}{}
			return 2, nil
		},
	}
	l := service.NewLedger(repo, &stubAuth{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := l.StartSweeper(ctx, time.Hour, 24*time.Hour)

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not run immediately")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
