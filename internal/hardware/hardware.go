// Package hardware drives the gate controller (LEDs, buzzer, gate motor)
// over whichever transport is reachable: an MQTT bus or a serial line.
package hardware

import (
	"context"
	"errors"
	"time"
)

// Command is an instruction understood by the gate controller firmware.
type Command string

const (
	OpenGate      Command = "OPEN_GATE"
	CloseGate     Command = "CLOSE_GATE"
	LEDGreen      Command = "LED_GREEN"
	LEDRed        Command = "LED_RED"
	LEDBlue       Command = "LED_BLUE"
	LEDOff        Command = "LED_OFF"
	BuzzerSuccess Command = "BUZZER_SUCCESS"
	BuzzerError   Command = "BUZZER_ERROR"
	Status        Command = "STATUS"
)

// Kind names a transport.
type Kind string

const (
	KindNone   Kind = "none"
	KindBus    Kind = "bus"
	KindSerial Kind = "serial"
)

// ErrNotConnected is returned by Send when no transport is up.
var ErrNotConnected = errors.New("gate controller not connected")

// State is the connection state reported to observers.
type State struct {
	Connected bool   `json:"connected"`
	Kind      Kind   `json:"kind"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// Telemetry is one status message received from the controller.
type Telemetry struct {
	Kind     Kind      `json:"kind"`
	Payload  string    `json:"payload"`
	Received time.Time `json:"received"`
}

// Transport delivers commands to the controller.
type Transport interface {
	Kind() Kind
	// Endpoint is the broker address or port name.
	Endpoint() string
	Send(ctx context.Context, cmd Command, payload map[string]any) error
	Close() error
}

// Handlers receive inbound events from a transport. Both may be called
// from the transport's own goroutines.
type Handlers struct {
	Telemetry func(payload string)
	Lost      func(err error)
}

func (h Handlers) telemetry(payload string) {
	if h.Telemetry != nil {
		h.Telemetry(payload)
	}
}

func (h Handlers) lost(err error) {
	if h.Lost != nil {
		h.Lost(err)
	}
}

// Dialer opens a transport.
type Dialer interface {
	Dial(ctx context.Context, h Handlers) (Transport, error)
}
