package models

import (
	"errors"
	"fmt"
)

// Domain errors shared by stores and services. Callers compare with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicatePassport = errors.New("passport number already registered")
	ErrDuplicateTicket   = errors.New("ticket number already issued")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotCheckedIn      = errors.New("ticket is not checked in")

	// ErrNotBooked is the parent of every refused check-in.
	ErrNotBooked        = errors.New("ticket is not booked")
	ErrAlreadyCheckedIn = fmt.Errorf("%w: already checked in", ErrNotBooked)
	ErrAlreadyCancelled = fmt.Errorf("%w: already cancelled", ErrNotBooked)
)

// NotBookedError returns the refusal matching the ticket's current status.
func NotBookedError(current TicketStatus) error {
	switch current {
	case StatusCheckedIn:
		return ErrAlreadyCheckedIn
	case StatusCancelled:
		return ErrAlreadyCancelled
	}
	return ErrNotBooked
}
