// Package token reads and renders the QR codes printed on tickets.
package token

import (
	"encoding/json"
	"regexp"
)

// PayloadType is the only payload type the kiosk accepts.
const PayloadType = "flight_ticket"

// PayloadVersion is written into issued tokens.
const PayloadVersion = "1.0"

var ticketNumberRe = regexp.MustCompile(`^TK-[A-Z0-9]{6}$`)

// ValidTicketNumber reports whether s has the TK-XXXXXX shape.
func ValidTicketNumber(s string) bool {
	return ticketNumberRe.MatchString(s)
}

// Payload is the JSON document encoded in a ticket QR code.
type Payload struct {
	Type      string `json:"type"`
	Ticket    string `json:"ticket"`
	Passenger string `json:"passenger"`
	Route     string `json:"route"`
	Date      string `json:"date"`
	Version   string `json:"version"`
}

// Valid reports whether p is a flight ticket with a well-formed number.
func (p Payload) Valid() bool {
	return p.Type == PayloadType && ValidTicketNumber(p.Ticket)
}

// ParsePayload decodes text into a payload. The boolean is false for
// anything that is not a valid flight ticket.
func ParsePayload(text string) (Payload, bool) {
	var p Payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return Payload{}, false
	}
	if !p.Valid() {
		return Payload{}, false
	}
	return p, true
}
