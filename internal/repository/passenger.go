// Package repository provides persistence for passengers and tickets, backed
// by PostgreSQL or by process memory.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/atinyakov/gatekiosk/internal/models"
)

const uniqueViolation = pq.ErrorCode("23505")

const passengerColumns = `id, first_name, last_name, passport_number, template_key, created_at`

// PostgresPassengerRepository implements passenger operations against a PostgreSQL database.
type PostgresPassengerRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresPassengerRepository creates a new PostgresPassengerRepository using the provided *sql.DB.
func NewPostgresPassengerRepository(db *sql.DB) *PostgresPassengerRepository {
	return &PostgresPassengerRepository{DB: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPassenger(row rowScanner) (*models.Passenger, error) {
	var p models.Passenger
	if err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.PassportNumber, &p.TemplateKey, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// GetPassengerByID fetches a passenger by primary key.
//
//	ctx: context for cancellation and deadlines
//	id:  passenger identifier
//
// Returns models.ErrNotFound when no such passenger exists.
func (r *PostgresPassengerRepository) GetPassengerByID(ctx context.Context, id int64) (*models.Passenger, error) {
	p, err := scanPassenger(r.DB.QueryRowContext(ctx,
		`SELECT `+passengerColumns+` FROM passengers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("passenger %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetPassengerByID: %w", err)
	}
	return p, nil
}

// GetPassengerByPassport fetches a passenger by normalized passport number.
func (r *PostgresPassengerRepository) GetPassengerByPassport(ctx context.Context, passport string) (*models.Passenger, error) {
	passport = models.NormalizePassport(passport)
	p, err := scanPassenger(r.DB.QueryRowContext(ctx,
		`SELECT `+passengerColumns+` FROM passengers WHERE passport_number = $1`, passport))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("passport %s: %w", passport, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetPassengerByPassport: %w", err)
	}
	return p, nil
}

// CreatePassenger inserts p and fills in its ID and creation time.
// A taken passport number yields models.ErrDuplicatePassport.
func (r *PostgresPassengerRepository) CreatePassenger(ctx context.Context, p *models.Passenger) error {
	p.PassportNumber = models.NormalizePassport(p.PassportNumber)
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO passengers (first_name, last_name, passport_number, template_key)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, p.FirstName, p.LastName, p.PassportNumber, p.TemplateKey).Scan(&p.ID, &p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("passport %s: %w", p.PassportNumber, models.ErrDuplicatePassport)
	}
	if err != nil {
		return fmt.Errorf("CreatePassenger: %w", err)
	}
	return nil
}

// SetTemplateKey records the storage key of a passenger's biometric template.
func (r *PostgresPassengerRepository) SetTemplateKey(ctx context.Context, id int64, key string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE passengers SET template_key = $2 WHERE id = $1`, id, key)
	if err != nil {
		return fmt.Errorf("SetTemplateKey: %w", err)
	}
	return expectOne(res, fmt.Sprintf("passenger %d", id))
}

// DeletePassenger removes a passenger together with their tickets.
func (r *PostgresPassengerRepository) DeletePassenger(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM passengers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeletePassenger: %w", err)
	}
	return expectOne(res, fmt.Sprintf("passenger %d", id))
}

// ListPassengersWithTemplate returns enrolled passengers ordered by ID.
func (r *PostgresPassengerRepository) ListPassengersWithTemplate(ctx context.Context) ([]models.Passenger, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+passengerColumns+` FROM passengers WHERE template_key <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ListPassengersWithTemplate: %w", err)
	}
	defer rows.Close()

	var passengers []models.Passenger
	for rows.Next() {
		p, err := scanPassenger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		passengers = append(passengers, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListPassengersWithTemplate: %w", err)
	}
	return passengers, nil
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return nil
}
