// Package db opens the kiosk's PostgreSQL database and applies its schema.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Schema creates the passenger and ticket tables. Status values mirror
// models.TicketStatus.
const Schema = `
CREATE TABLE IF NOT EXISTS passengers (
    id BIGSERIAL PRIMARY KEY,
    first_name TEXT NOT NULL,
    last_name TEXT NOT NULL,
    passport_number TEXT NOT NULL UNIQUE,
    template_key TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tickets (
    id BIGSERIAL PRIMARY KEY,
    ticket_number TEXT NOT NULL UNIQUE,
    passenger_id BIGINT NOT NULL REFERENCES passengers(id) ON DELETE CASCADE,
    source TEXT NOT NULL,
    source_name TEXT NOT NULL DEFAULT '',
    destination TEXT NOT NULL,
    destination_name TEXT NOT NULL DEFAULT '',
    flight_date DATE NOT NULL,
    flight_time TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'booked'
        CHECK (status IN ('booked', 'checked_in', 'cancelled')),
    seat TEXT NOT NULL DEFAULT '',
    gate TEXT NOT NULL DEFAULT '',
    checked_in_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK ((status = 'checked_in') = (checked_in_at IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS tickets_passenger_status ON tickets (passenger_id, status);
CREATE INDEX IF NOT EXISTS tickets_checked_in_at ON tickets (checked_in_at) WHERE status = 'checked_in';
`

// InitPostgres connects to dsn, verifies the connection and applies Schema.
func InitPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}
