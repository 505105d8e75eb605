// Package audit records security-relevant kiosk events: check-ins,
// administrative overrides and automatic reverts.
package audit

import (
	"context"
	"time"
)

// Action names an audited event.
type Action string

const (
	ActionCheckInSuccess  Action = "CHECKIN_SUCCESS"
	ActionCheckInFailed   Action = "CHECKIN_FAILED"
	ActionResetCheckIn    Action = "RESET_CHECKIN"
	ActionCancel          Action = "CANCEL"
	ActionSweep           Action = "SWEEP_EXPIRED"
	ActionAdminGranted    Action = "ADMIN_GRANTED"
	ActionAdminDenied     Action = "ADMIN_DENIED"
	ActionDeletePassenger Action = "DELETE_PASSENGER"
	ActionEnroll          Action = "ENROLL"
	ActionSessionTimeout  Action = "SESSION_TIMEOUT"
)

// Event is one audit record.
type Event struct {
	ID            string    `json:"id"`
	Time          time.Time `json:"time"`
	Action        Action    `json:"action"`
	TicketNumber  string    `json:"ticket_number,omitempty"`
	PassengerID   int64     `json:"passenger_id,omitempty"`
	PassengerName string    `json:"passenger_name,omitempty"`
	Success       bool      `json:"success"`
	Method        string    `json:"method,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	Count         int64     `json:"count,omitempty"`
}

// Sink persists events.
type Sink interface {
	Write(ctx context.Context, e Event) error
	Close() error
}

// Recorder accepts events without blocking the caller.
type Recorder interface {
	Record(e Event)
}

// Nop discards every event.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Event) {}
