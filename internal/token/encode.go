package token

import (
	"encoding/json"
	"errors"
	"fmt"

	qrgen "github.com/skip2/go-qrcode"

	"github.com/atinyakov/gatekiosk/internal/models"
)

// ErrInvalidPayload is returned when encoding a payload that Decode would
// reject.
var ErrInvalidPayload = errors.New("token: invalid payload")

// PayloadFor builds the payload printed for a ticket.
func PayloadFor(t *models.Ticket, p *models.Passenger) Payload {
	return Payload{
		Type:      PayloadType,
		Ticket:    t.Number,
		Passenger: p.FullName(),
		Route:     t.Route(),
		Date:      t.FlightDate.Format("2006-01-02"),
		Version:   PayloadVersion,
	}
}

// Encode renders p as a PNG QR code of size×size pixels with high error
// correction.
func Encode(p Payload, size int) ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPayload
	}
	if p.Version == "" {
		p.Version = PayloadVersion
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	png, err := qrgen.Encode(string(data), qrgen.High, size)
	if err != nil {
		return nil, fmt.Errorf("render QR: %w", err)
	}
	return png, nil
}
