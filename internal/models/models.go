// Package models defines the core data structures for passengers, tickets
// and biometric embeddings.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Passenger is a traveller known to the kiosk.
type Passenger struct {
	// ID is the unique identifier for the passenger.
	ID int64 `json:"id"`
	// FirstName is the given name as printed in the passport.
	FirstName string `json:"first_name"`
	// LastName is the family name as printed in the passport.
	LastName string `json:"last_name"`
	// PassportNumber is unique across passengers, stored upper-case.
	PassportNumber string `json:"passport_number"`
	// TemplateKey references the encrypted biometric template blob.
	// Empty when the passenger never enrolled.
	TemplateKey string `json:"-"`
	// CreatedAt is the record creation time.
	CreatedAt time.Time `json:"created_at"`
}

// FullName returns "First Last".
func (p Passenger) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Enrolled reports whether the passenger has a biometric template.
func (p Passenger) Enrolled() bool {
	return p.TemplateKey != ""
}

// NormalizePassport trims and upper-cases a passport number.
func NormalizePassport(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Ticket is a flight booking for one passenger.
type Ticket struct {
	ID              int64        `json:"id"`
	Number          string       `json:"ticket_number"`
	PassengerID     int64        `json:"passenger_id"`
	Source          string       `json:"source"`
	SourceName      string       `json:"source_name,omitempty"`
	Destination     string       `json:"destination"`
	DestinationName string       `json:"destination_name,omitempty"`
	FlightDate      time.Time    `json:"flight_date"`
	FlightTime      string       `json:"flight_time"`
	Status          TicketStatus `json:"status"`
	// Seat, Gate and CheckedInAt are set only while Status is CheckedIn.
	Seat        string     `json:"seat,omitempty"`
	Gate        string     `json:"gate,omitempty"`
	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Route renders "SRC → DST".
func (t Ticket) Route() string {
	return t.Source + " → " + t.Destination
}

// Departure combines the flight date and "HH:MM" time in UTC.
// A malformed time yields midnight of the flight date.
func (t Ticket) Departure() time.Time {
	d := t.FlightDate
	base := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	if clock, err := time.Parse("15:04", t.FlightTime); err == nil {
		return base.Add(time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute)
	}
	return base
}

// Validate checks the seat/gate invariant against the status.
func (t Ticket) Validate() error {
	if !t.Status.Valid() {
		return fmt.Errorf("ticket %s: invalid status", t.Number)
	}
	assigned := t.Seat != "" || t.Gate != "" || t.CheckedInAt != nil
	if t.Status == StatusCheckedIn {
		if t.Seat == "" || t.Gate == "" || t.CheckedInAt == nil {
			return fmt.Errorf("ticket %s: checked in without seat, gate or time", t.Number)
		}
		return nil
	}
	if assigned {
		return fmt.Errorf("ticket %s: seat or gate set while %s", t.Number, t.Status)
	}
	return nil
}

// Embedding is a fixed-length face descriptor produced by the extractor.
type Embedding []float64

// Dim returns the number of components.
func (e Embedding) Dim() int { return len(e) }

// Distance returns the Euclidean distance to other. Vectors of different
// length are infinitely far apart.
func (e Embedding) Distance(other Embedding) float64 {
	if len(e) != len(other) || len(e) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range e {
		d := e[i] - other[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
