package orchestrator

import (
	"context"
	"time"

	"github.com/atinyakov/gatekiosk/internal/audit"
	"github.com/atinyakov/gatekiosk/internal/hardware"
)

// State is the check-in machine state.
type State int

const (
	Idle State = iota
	Scanning
	Matched
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Matched:
		return "matched"
	case Cooldown:
		return "cooldown"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Kind classifies an Outcome.
type Kind string

const (
	KindSuccess      Kind = "success"
	KindFailure      Kind = "failure"
	KindUnrecognized Kind = "unrecognized"
	KindReset        Kind = "reset"
	KindTimeout      Kind = "timeout"
)

// Outcome is what the kiosk display shows after a decision.
type Outcome struct {
	Kind          Kind      `json:"kind"`
	Method        string    `json:"method,omitempty"`
	TicketNumber  string    `json:"ticket,omitempty"`
	PassengerName string    `json:"passenger,omitempty"`
	Route         string    `json:"route,omitempty"`
	Seat          string    `json:"seat,omitempty"`
	Gate          string    `json:"gate,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Time          time.Time `json:"time"`
}

// led tracks the last indicator command so it is sent once per change.
type led int

const (
	ledUnknown led = iota
	ledOff
	ledScanning
	ledError
	ledActed
)

// session is the recognition state between activations. The epoch changes
// on every reset; analysis results carrying an older epoch are dropped.
type session struct {
	state State
	epoch uint64
	led   led

	// Subjects acted on in the current cooldown.
	lastPassenger int64
	lastTicket    string
	actedAt       time.Time
	suppressing   bool

	// lastSeen is the last time a subject was in front of the camera;
	// dirty marks a session with activity since its last reset.
	lastSeen time.Time
	dirty    bool
}

func (s *session) reset(now time.Time) {
	*s = session{epoch: s.epoch + 1, lastSeen: now}
}

// suppressed reports whether the subject was acted on within the display
// reset window.
func (s *session) suppressed(passengerID int64, ticket string) bool {
	if !s.suppressing {
		return false
	}
	return (passengerID != 0 && passengerID == s.lastPassenger) ||
		(ticket != "" && ticket == s.lastTicket)
}

// housekeep applies the time-driven transitions: end of the retrigger
// window, end of the display window and the inactivity reset.
func (o *Orchestrator) housekeep(ctx context.Context) {
	now := o.clock.Now()
	var (
		cmds []hardware.Command
		outs []Outcome
		idle bool
	)

	o.mu.Lock()
	s := &o.sess
	if s.state == Cooldown && !now.Before(s.actedAt.Add(o.cfg.RetriggerWindow)) {
		s.state = Scanning
		s.led = ledOff
		cmds = append(cmds, hardware.LEDOff)
	}
	if s.suppressing && !now.Before(s.actedAt.Add(o.cfg.DisplayResetWindow)) {
		s.suppressing = false
		s.lastPassenger, s.lastTicket = 0, ""
		outs = append(outs, Outcome{Kind: KindReset, Time: now})
	}
	if s.state == Scanning && s.dirty && !s.suppressing &&
		now.Sub(s.lastSeen) >= o.cfg.InactivityTimeout {
		if s.led != ledOff && s.led != ledUnknown {
			cmds = append(cmds, hardware.LEDOff)
		}
		s.reset(now)
		s.state = Scanning
		s.led = ledOff
		idle = true
		outs = append(outs, Outcome{Kind: KindTimeout, Reason: "no activity", Time: now})
	}
	o.mu.Unlock()

	o.send(ctx, cmds...)
	if idle {
		o.audit.Record(audit.Event{
			Action:  audit.ActionSessionTimeout,
			Success: true,
			Detail:  o.cfg.InactivityTimeout.String(),
		})
	}
	for _, out := range outs {
		o.publish(out)
	}
}
