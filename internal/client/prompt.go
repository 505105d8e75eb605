package client

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/atinyakov/gatekiosk/internal/service"
)

// PromptBooking asks for the booking fields one line at a time.
func PromptBooking(in *bufio.Scanner, out io.Writer) (service.BookingRequest, error) {
	ask := func(label string) string {
		fmt.Fprintf(out, "%s: ", label)
		if !in.Scan() {
			return ""
		}
		return strings.TrimSpace(in.Text())
	}

	req := service.BookingRequest{
		FirstName:       ask("First name"),
		LastName:        ask("Last name"),
		PassportNumber:  ask("Passport number"),
		Source:          strings.ToUpper(ask("From (IATA code)")),
		SourceName:      ask("From (city)"),
		Destination:     strings.ToUpper(ask("To (IATA code)")),
		DestinationName: ask("To (city)"),
	}
	date := ask("Flight date (YYYY-MM-DD)")
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return req, fmt.Errorf("invalid flight date %q: %w", date, err)
	}
	req.FlightDate = d
	req.FlightTime = ask("Flight time (HH:MM)")
	return req, req.Validate()
}
