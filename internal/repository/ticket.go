package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/gatekiosk/internal/models"
)

const ticketColumns = `id, ticket_number, passenger_id, source, source_name, destination, destination_name,
	flight_date, flight_time, status, seat, gate, checked_in_at, created_at`

const bookedOrder = `ORDER BY flight_date, flight_time, id`

// PostgresTicketRepository implements ticket operations against a PostgreSQL database.
// Status transitions run in a transaction that locks the ticket row, so
// concurrent transitions of one ticket are serialized.
type PostgresTicketRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresTicketRepository creates a new PostgresTicketRepository using the provided *sql.DB.
func NewPostgresTicketRepository(db *sql.DB) *PostgresTicketRepository {
	return &PostgresTicketRepository{DB: db}
}

func scanTicket(row rowScanner) (*models.Ticket, error) {
	var (
		t         models.Ticket
		checkedIn sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Number, &t.PassengerID, &t.Source, &t.SourceName, &t.Destination,
		&t.DestinationName, &t.FlightDate, &t.FlightTime, &t.Status, &t.Seat, &t.Gate, &checkedIn, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if checkedIn.Valid {
		at := checkedIn.Time
		t.CheckedInAt = &at
	}
	return &t, nil
}

func (r *PostgresTicketRepository) list(ctx context.Context, op, query string, args ...any) ([]models.Ticket, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		tickets = append(tickets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tickets, nil
}

// CreateTicket inserts a booked ticket and fills in its ID and creation time.
// A taken ticket number yields models.ErrDuplicateTicket.
func (r *PostgresTicketRepository) CreateTicket(ctx context.Context, t *models.Ticket) error {
	t.Status = models.StatusBooked
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO tickets (ticket_number, passenger_id, source, source_name, destination,
			destination_name, flight_date, flight_time, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, t.Number, t.PassengerID, t.Source, t.SourceName, t.Destination,
		t.DestinationName, t.FlightDate, t.FlightTime, t.Status).Scan(&t.ID, &t.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("ticket %s: %w", t.Number, models.ErrDuplicateTicket)
	}
	if err != nil {
		return fmt.Errorf("CreateTicket: %w", err)
	}
	return nil
}

// GetTicketByID fetches a ticket by primary key.
func (r *PostgresTicketRepository) GetTicketByID(ctx context.Context, id int64) (*models.Ticket, error) {
	t, err := scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetTicketByID: %w", err)
	}
	return t, nil
}

// GetTicketByNumber fetches a ticket by its printed number.
func (r *PostgresTicketRepository) GetTicketByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	t, err := scanTicket(r.DB.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE ticket_number = $1`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", number, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetTicketByNumber: %w", err)
	}
	return t, nil
}

// ListBookedTickets returns every booked ticket, earliest departure first.
func (r *PostgresTicketRepository) ListBookedTickets(ctx context.Context) ([]models.Ticket, error) {
	return r.list(ctx, "ListBookedTickets",
		`SELECT `+ticketColumns+` FROM tickets WHERE status = 'booked' `+bookedOrder)
}

// ListBookedTicketsByPassenger returns a passenger's booked tickets,
// earliest departure first.
func (r *PostgresTicketRepository) ListBookedTicketsByPassenger(ctx context.Context, passengerID int64) ([]models.Ticket, error) {
	return r.list(ctx, "ListBookedTicketsByPassenger",
		`SELECT `+ticketColumns+` FROM tickets WHERE passenger_id = $1 AND status = 'booked' `+bookedOrder,
		passengerID)
}

// transition locks the ticket row, lets check decide whether the move is
// allowed, and applies update inside the same transaction.
func (r *PostgresTicketRepository) transition(
	ctx context.Context,
	op string,
	id int64,
	check func(models.TicketStatus) error,
	update string,
	args ...any,
) (*models.Ticket, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current models.TicketStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM tickets WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: lock ticket: %w", op, err)
	}
	if err := check(current); err != nil {
		return nil, fmt.Errorf("ticket %d: %w", id, err)
	}

	t, err := scanTicket(tx.QueryRowContext(ctx, update+` RETURNING `+ticketColumns, append([]any{id}, args...)...))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

// CheckIn moves a booked ticket to checked-in with the given seat, gate
// and time. Any other current status yields an error wrapping
// models.ErrNotBooked.
func (r *PostgresTicketRepository) CheckIn(ctx context.Context, id int64, seat, gate string, at time.Time) (*models.Ticket, error) {
	return r.transition(ctx, "CheckIn", id,
		func(s models.TicketStatus) error {
			if s != models.StatusBooked {
				return models.NotBookedError(s)
			}
			return nil
		},
		`UPDATE tickets SET status = 'checked_in', seat = $2, gate = $3, checked_in_at = $4
		WHERE id = $1 AND status = 'booked'`,
		seat, gate, at)
}

// Revert moves a checked-in ticket back to booked and clears its
// assignment. Any other status yields models.ErrNotCheckedIn.
func (r *PostgresTicketRepository) Revert(ctx context.Context, id int64) (*models.Ticket, error) {
	return r.transition(ctx, "Revert", id,
		func(s models.TicketStatus) error {
			if s != models.StatusCheckedIn {
				return models.ErrNotCheckedIn
			}
			return nil
		},
		`UPDATE tickets SET status = 'booked', seat = '', gate = '', checked_in_at = NULL
		WHERE id = $1 AND status = 'checked_in'`)
}

// Cancel moves a booked or checked-in ticket to cancelled and clears its
// assignment. A cancelled ticket yields models.ErrAlreadyCancelled.
func (r *PostgresTicketRepository) Cancel(ctx context.Context, id int64) (*models.Ticket, error) {
	return r.transition(ctx, "Cancel", id,
		func(s models.TicketStatus) error {
			if s == models.StatusCancelled {
				return models.ErrAlreadyCancelled
			}
			return nil
		},
		`UPDATE tickets SET status = 'cancelled', seat = '', gate = '', checked_in_at = NULL
		WHERE id = $1 AND status <> 'cancelled'`)
}

// RevertCheckedInBefore moves every ticket checked in at or before cutoff
// back to booked and returns how many were reverted.
func (r *PostgresTicketRepository) RevertCheckedInBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE tickets SET status = 'booked', seat = '', gate = '', checked_in_at = NULL
		WHERE status = 'checked_in' AND checked_in_at <= $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("RevertCheckedInBefore: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Postgres bundles the passenger and ticket repositories over one handle.
type Postgres struct {
	*PostgresPassengerRepository
	*PostgresTicketRepository
}

// NewPostgres returns both repositories over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		PostgresPassengerRepository: NewPostgresPassengerRepository(db),
		PostgresTicketRepository:    NewPostgresTicketRepository(db),
	}
}
