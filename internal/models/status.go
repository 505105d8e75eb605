package models

import (
	"database/sql/driver"
	"fmt"
)

// TicketStatus is the closed set of ticket states. The zero value is
// invalid; only the package-level Status values exist.
type TicketStatus struct {
	name string
}

var (
	// StatusBooked is a paid ticket awaiting check-in.
	StatusBooked = TicketStatus{"booked"}
	// StatusCheckedIn has a seat and gate assigned.
	StatusCheckedIn = TicketStatus{"checked_in"}
	// StatusCancelled is terminal.
	StatusCancelled = TicketStatus{"cancelled"}
)

// ParseTicketStatus maps the stored name back to a status.
func ParseTicketStatus(s string) (TicketStatus, error) {
	switch s {
	case StatusBooked.name:
		return StatusBooked, nil
	case StatusCheckedIn.name:
		return StatusCheckedIn, nil
	case StatusCancelled.name:
		return StatusCancelled, nil
	}
	return TicketStatus{}, fmt.Errorf("unknown ticket status %q", s)
}

// Valid reports whether s is one of the defined statuses.
func (s TicketStatus) Valid() bool { return s.name != "" }

func (s TicketStatus) String() string {
	if s.name == "" {
		return "invalid"
	}
	return s.name
}

// MarshalText implements encoding.TextMarshaler.
func (s TicketStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("marshal invalid ticket status")
	}
	return []byte(s.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TicketStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseTicketStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer.
func (s TicketStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("store invalid ticket status")
	}
	return s.name, nil
}

// Scan implements sql.Scanner.
func (s *TicketStatus) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	}
	return fmt.Errorf("scan ticket status from %T", src)
}
