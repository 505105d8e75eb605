package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/atinyakov/gatekiosk/internal/models"
)

func setupMock(t *testing.T) (*Postgres, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	repo := NewPostgres(db)
	cleanup := func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	}
	return repo, mock, cleanup
}

var (
	passengerCols = []string{"id", "first_name", "last_name", "passport_number", "template_key", "created_at"}
	ticketCols    = []string{"id", "ticket_number", "passenger_id", "source", "source_name", "destination",
		"destination_name", "flight_date", "flight_time", "status", "seat", "gate", "checked_in_at", "created_at"}
	created    = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	flightDate = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

func ticketRow(rows *sqlmock.Rows, id int64, status, seat, gate string, at any) *sqlmock.Rows {
	return rows.AddRow(id, "TK-AB12CD", int64(1), "JFK", "New York", "LHR", "London",
		flightDate, "14:35", status, seat, gate, at, created)
}

func TestGetPassengerByID(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, first_name, last_name, passport_number, template_key, created_at FROM passengers WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(passengerCols).AddRow(int64(1), "Jane", "Doe", "AB123456", "face_1_x.enc", created))

	p, err := repo.GetPassengerByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.FullName() != "Jane Doe" || p.TemplateKey != "face_1_x.enc" {
		t.Errorf("unexpected passenger: %+v", p)
	}
}

func TestGetPassengerByID_NotFound(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(`FROM passengers WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(passengerCols))

	_, err := repo.GetPassengerByID(context.Background(), 9)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPassengerByPassport_Normalizes(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(`FROM passengers WHERE passport_number = \$1`).
		WithArgs("AB123456").
		WillReturnRows(sqlmock.NewRows(passengerCols).AddRow(int64(1), "Jane", "Doe", "AB123456", "", created))

	if _, err := repo.GetPassengerByPassport(context.Background(), " ab123456"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreatePassenger(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO passengers`).
		WithArgs("Jane", "Doe", "AB123456", "").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), created))

	p := &models.Passenger{FirstName: "Jane", LastName: "Doe", PassportNumber: "ab123456"}
	if err := repo.CreatePassenger(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != 7 || !p.CreatedAt.Equal(created) {
		t.Errorf("returned columns not applied: %+v", p)
	}
}

func TestCreatePassenger_Duplicate(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO passengers`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.CreatePassenger(context.Background(), &models.Passenger{PassportNumber: "X1"})
	if !errors.Is(err, models.ErrDuplicatePassport) {
		t.Fatalf("expected ErrDuplicatePassport, got %v", err)
	}
}

func TestSetTemplateKey(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE passengers SET template_key = $2 WHERE id = $1`)).
		WithArgs(int64(1), "face_1_new.enc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE passengers SET template_key = $2 WHERE id = $1`)).
		WithArgs(int64(2), "k").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.SetTemplateKey(context.Background(), 1, "face_1_new.enc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.SetTemplateKey(context.Background(), 2, "k"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeletePassenger(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM passengers WHERE id = $1`)).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.DeletePassenger(context.Background(), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestListPassengersWithTemplate(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE template_key <> '' ORDER BY id`)).
		WillReturnRows(sqlmock.NewRows(passengerCols).
			AddRow(int64(1), "Jane", "Doe", "AB1", "face_1_a.enc", created).
			AddRow(int64(2), "John", "Roe", "AB2", "face_2_b.enc", created))

	ps, err := repo.ListPassengersWithTemplate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ps) != 2 || ps[1].ID != 2 {
		t.Errorf("unexpected passengers: %+v", ps)
	}
}

func TestCreateTicket(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO tickets`).
		WithArgs("TK-AB12CD", int64(1), "JFK", "", "LHR", "", flightDate, "14:35", "booked").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(11), created))
	mock.ExpectQuery(`INSERT INTO tickets`).
		WillReturnError(&pq.Error{Code: "23505"})

	tk := &models.Ticket{Number: "TK-AB12CD", PassengerID: 1, Source: "JFK", Destination: "LHR", FlightDate: flightDate, FlightTime: "14:35"}
	if err := repo.CreateTicket(context.Background(), tk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.ID != 11 || tk.Status != models.StatusBooked {
		t.Errorf("unexpected ticket: %+v", tk)
	}
	if err := repo.CreateTicket(context.Background(), tk); !errors.Is(err, models.ErrDuplicateTicket) {
		t.Fatalf("expected ErrDuplicateTicket, got %v", err)
	}
}

func TestGetTicketByNumber(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	at := created.Add(time.Hour)
	mock.ExpectQuery(`FROM tickets WHERE ticket_number = \$1`).
		WithArgs("TK-AB12CD").
		WillReturnRows(ticketRow(sqlmock.NewRows(ticketCols), 5, "checked_in", "14C", "B7", at))

	tk, err := repo.GetTicketByNumber(context.Background(), "TK-AB12CD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.Status != models.StatusCheckedIn || tk.CheckedInAt == nil || !tk.CheckedInAt.Equal(at) {
		t.Errorf("unexpected ticket: %+v", tk)
	}
	if err := tk.Validate(); err != nil {
		t.Errorf("scanned ticket invalid: %v", err)
	}
}

func TestGetTicketByID_NotFound(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(`FROM tickets WHERE id = \$1`).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows(ticketCols))

	if _, err := repo.GetTicketByID(context.Background(), 404); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListBookedTicketsByPassenger(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	rows := sqlmock.NewRows(ticketCols)
	ticketRow(rows, 1, "booked", "", "", nil)
	ticketRow(rows, 2, "booked", "", "", nil)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE passenger_id = $1 AND status = 'booked' ORDER BY flight_date, flight_time, id`)).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	tickets, err := repo.ListBookedTicketsByPassenger(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tickets) != 2 || tickets[0].CheckedInAt != nil {
		t.Errorf("unexpected tickets: %+v", tickets)
	}
}

func TestListBookedTickets_QueryError(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(`WHERE status = 'booked'`).WillReturnError(errors.New("conn reset"))

	_, err := repo.ListBookedTickets(context.Background())
	if err == nil || !regexp.MustCompile(`ListBookedTickets`).MatchString(err.Error()) {
		t.Errorf("expected ListBookedTickets error, got %v", err)
	}
}

func TestCheckIn_Success(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	at := created.Add(2 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM tickets WHERE id = $1 FOR UPDATE`)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("booked"))
	mock.ExpectQuery(`UPDATE tickets SET status = 'checked_in'`).
		WithArgs(int64(5), "14C", "B7", at).
		WillReturnRows(ticketRow(sqlmock.NewRows(ticketCols), 5, "checked_in", "14C", "B7", at))
	mock.ExpectCommit()

	tk, err := repo.CheckIn(context.Background(), 5, "14C", "B7", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.Seat != "14C" || tk.Gate != "B7" {
		t.Errorf("unexpected ticket: %+v", tk)
	}
}

func TestCheckIn_AlreadyCheckedIn(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("checked_in"))
	mock.ExpectRollback()

	_, err := repo.CheckIn(context.Background(), 5, "1A", "A1", created)
	if !errors.Is(err, models.ErrAlreadyCheckedIn) || !errors.Is(err, models.ErrNotBooked) {
		t.Fatalf("expected ErrAlreadyCheckedIn, got %v", err)
	}
}

func TestCheckIn_Cancelled(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancelled"))
	mock.ExpectRollback()

	_, err := repo.CheckIn(context.Background(), 5, "1A", "A1", created)
	if !errors.Is(err, models.ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
}

func TestCheckIn_NotFound(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(int64(77)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	if _, err := repo.CheckIn(context.Background(), 77, "1A", "A1", created); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRevert(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("checked_in"))
	mock.ExpectQuery(`UPDATE tickets SET status = 'booked', seat = '', gate = '', checked_in_at = NULL`).
		WithArgs(int64(5)).
		WillReturnRows(ticketRow(sqlmock.NewRows(ticketCols), 5, "booked", "", "", nil))
	mock.ExpectCommit()

	tk, err := repo.Revert(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.Status != models.StatusBooked || tk.Seat != "" || tk.CheckedInAt != nil {
		t.Errorf("assignment not cleared: %+v", tk)
	}
}

func TestRevert_NotCheckedIn(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("booked"))
	mock.ExpectRollback()

	if _, err := repo.Revert(context.Background(), 5); !errors.Is(err, models.ErrNotCheckedIn) {
		t.Fatalf("expected ErrNotCheckedIn, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("checked_in"))
	mock.ExpectQuery(`UPDATE tickets SET status = 'cancelled'`).
		WithArgs(int64(5)).
		WillReturnRows(ticketRow(sqlmock.NewRows(ticketCols), 5, "cancelled", "", "", nil))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancelled"))
	mock.ExpectRollback()

	tk, err := repo.Cancel(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.Status != models.StatusCancelled {
		t.Errorf("unexpected status: %v", tk.Status)
	}
	if _, err := repo.Cancel(context.Background(), 5); !errors.Is(err, models.ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
}

func TestCheckIn_CommitError(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("booked"))
	mock.ExpectQuery(`UPDATE tickets`).
		WillReturnRows(ticketRow(sqlmock.NewRows(ticketCols), 5, "checked_in", "1A", "A1", created))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	_, err := repo.CheckIn(context.Background(), 5, "1A", "A1", created)
	if err == nil || !regexp.MustCompile(`commit`).MatchString(err.Error()) {
		t.Fatalf("expected commit error, got %v", err)
	}
}

func TestRevertCheckedInBefore(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	cutoff := created.Add(-24 * time.Hour)
	mock.ExpectExec(`WHERE status = 'checked_in' AND checked_in_at <= \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.RevertCheckedInBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 reverted, got %d", n)
	}
}
