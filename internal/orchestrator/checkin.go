package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/biometric"
	"github.com/atinyakov/gatekiosk/internal/camera"
	"github.com/atinyakov/gatekiosk/internal/hardware"
	"github.com/atinyakov/gatekiosk/internal/models"
	"github.com/atinyakov/gatekiosk/internal/replay"
	"github.com/atinyakov/gatekiosk/internal/token"
)

// observation is what one frame showed.
type observation struct {
	ticket  string
	face    bool
	matched bool
	match   biometric.Match
}

func (ob observation) empty() bool { return ob.ticket == "" && !ob.face }

// result of acting on a subject.
type result struct {
	out         Outcome
	passengerID int64
	ticket      string
}

func (o *Orchestrator) poll(ctx context.Context, epoch uint64) {
	frame, err := o.cam.Frame(ctx)
	if err != nil {
		if !errors.Is(err, camera.ErrNoFrame) && ctx.Err() == nil {
			o.log.Debug("frame unavailable", zap.Error(err))
		}
		return
	}
	start := time.Now()
	ob := o.analyze(ctx, frame)
	o.metrics.ObserveAnalysis(start)
	if ctx.Err() != nil {
		return
	}
	o.apply(ctx, epoch, ob)
}

// analyze looks for a boarding token first, then a face, as the mode allows.
func (o *Orchestrator) analyze(ctx context.Context, frame image.Image) observation {
	if o.cfg.Mode != ModeFace {
		if p, ok := o.tokens.Decode(frame); ok {
			return observation{ticket: p.Ticket}
		}
		if o.cfg.Mode == ModeQR {
			return observation{}
		}
	}
	probe, ok, err := o.faces.Extract(ctx, frame)
	if err != nil {
		o.log.Debug("face extraction failed", zap.Error(err))
		return observation{}
	}
	if !ok {
		return observation{}
	}
	m, ok := o.faces.Match(probe, o.gallery.Current())
	if ok {
		o.metrics.ObserveMatchDistance(m.Distance)
	}
	return observation{face: true, matched: ok, match: m}
}

// apply moves the session according to one analysed frame. Results from an
// older epoch are discarded.
func (o *Orchestrator) apply(ctx context.Context, epoch uint64, ob observation) {
	o.actMu.Lock()
	defer o.actMu.Unlock()

	now := o.clock.Now()
	var (
		cmds         []hardware.Command
		unrecognized bool
	)

	o.mu.Lock()
	s := &o.sess
	if s.epoch != epoch || s.state == Idle {
		o.mu.Unlock()
		o.log.Debug("stale analysis result dropped", zap.Uint64("epoch", epoch))
		return
	}
	if !ob.empty() {
		s.lastSeen = now
		s.dirty = true
	}
	if s.state != Scanning {
		o.mu.Unlock()
		return
	}

	switch {
	case ob.empty():
		if s.led != ledOff {
			s.led = ledOff
			cmds = append(cmds, hardware.LEDOff)
		}
	case ob.ticket != "":
		if !s.suppressed(0, ob.ticket) {
			s.state = Matched
		}
	default:
		if s.led != ledScanning && s.led != ledError {
			s.led = ledScanning
			cmds = append(cmds, hardware.LEDBlue)
		}
		switch {
		case !ob.matched:
			if s.led != ledError {
				s.led = ledError
				unrecognized = true
			}
		case !s.suppressed(ob.match.PassengerID, ""):
			s.state = Matched
		}
	}
	matched := s.state == Matched
	o.mu.Unlock()

	o.send(ctx, cmds...)
	switch {
	case unrecognized:
		if err := o.gate.OnCheckInFailure(ctx); err != nil {
			o.log.Debug("gate signalling incomplete", zap.Error(err))
		}
		o.metrics.CheckIn(MethodFace, "unrecognized")
		o.publish(Outcome{Kind: KindUnrecognized, Method: MethodFace, Reason: "face not recognized", Time: now})
	case matched && ob.ticket != "":
		r, _ := o.checkInTicket(ctx, MethodQR, ob.ticket)
		o.settle(epoch, r)
	case matched:
		r, _ := o.checkInPassenger(ctx, ob.match)
		o.settle(epoch, r)
	}
}

// settle moves a matched session into cooldown and publishes the outcome.
func (o *Orchestrator) settle(epoch uint64, r result) {
	o.mu.Lock()
	s := &o.sess
	if s.epoch == epoch && s.state == Matched {
		now := o.clock.Now()
		s.state = Cooldown
		s.led = ledActed
		s.actedAt = now
		s.suppressing = true
		s.lastPassenger = r.passengerID
		s.lastTicket = r.ticket
		s.lastSeen = now
		s.dirty = true
	}
	o.mu.Unlock()

	if r.out.Kind != "" {
		o.publish(r.out)
	}
}

// ManualCheckIn checks a ticket in by number as if its token had been
// scanned. The returned error is the ledger's refusal, if any.
func (o *Orchestrator) ManualCheckIn(ctx context.Context, number string) (Outcome, error) {
	number = strings.ToUpper(strings.TrimSpace(number))
	if !token.ValidTicketNumber(number) {
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidTicket, number)
	}

	o.actMu.Lock()
	defer o.actMu.Unlock()

	o.mu.Lock()
	epoch := o.sess.epoch
	if o.sess.state != Idle {
		o.sess.state = Matched
	}
	o.mu.Unlock()

	r, err := o.checkInTicket(ctx, MethodManual, number)
	o.settle(epoch, r)
	return r.out, err
}

func (o *Orchestrator) checkInPassenger(ctx context.Context, m biometric.Match) (result, error) {
	r := result{passengerID: m.PassengerID}
	base := Outcome{Method: MethodFace, PassengerName: m.Name, Confidence: m.Confidence}

	t, err := o.ledger.NextBooked(ctx, m.PassengerID)
	if err != nil {
		r.out = o.fail(ctx, base, reasonFor(err, "no booking"))
		return r, err
	}
	return o.checkIn(ctx, base, t, r)
}

func (o *Orchestrator) checkInTicket(ctx context.Context, method, number string) (result, error) {
	r := result{ticket: number}
	base := Outcome{Method: method, TicketNumber: number}

	t, err := o.ledger.Ticket(ctx, number)
	if err != nil {
		r.out = o.fail(ctx, base, reasonFor(err, "ticket not found"))
		return r, err
	}
	r.passengerID = t.PassengerID
	if o.passengers != nil {
		p, err := o.passengers.GetPassengerByID(ctx, t.PassengerID)
		if err != nil {
			o.log.Debug("ticket holder lookup failed", zap.Int64("passenger_id", t.PassengerID), zap.Error(err))
		} else {
			base.PassengerName = p.FullName()
		}
	}
	return o.checkIn(ctx, base, t, r)
}

// checkIn claims the ticket in the replay guard, then runs the ledger
// transition and signals the outcome.
func (o *Orchestrator) checkIn(ctx context.Context, base Outcome, t *models.Ticket, r result) (result, error) {
	base.TicketNumber = t.Number
	base.Route = t.Route()
	r.ticket = t.Number

	claimed, err := o.replay.Claim(ctx, replay.TicketKey(t.Number), o.cfg.DisplayResetWindow)
	switch {
	case err != nil:
		o.log.Warn("replay guard unavailable", zap.String("ticket", t.Number), zap.Error(err))
	case !claimed:
		o.metrics.IncReplaySuppressed()
		o.log.Debug("duplicate check-in suppressed", zap.String("ticket", t.Number), zap.String("method", base.Method))
		return r, ErrSuppressed
	}

	done, err := o.ledger.CheckIn(ctx, t.ID)
	if err != nil {
		r.out = o.fail(ctx, base, reasonFor(err, "ticket not found"))
		return r, err
	}

	if err := o.gate.OnCheckInSuccess(ctx); err != nil {
		o.log.Warn("gate signalling incomplete", zap.String("ticket", done.Number), zap.Error(err))
	}
	o.audit.LogCheckIn(done.Number, base.PassengerName, true)
	o.metrics.CheckIn(base.Method, "success")

	base.Kind = KindSuccess
	base.Seat = done.Seat
	base.Gate = done.Gate
	base.Time = o.clock.Now()
	r.out = base
	return r, nil
}

func (o *Orchestrator) fail(ctx context.Context, out Outcome, reason string) Outcome {
	if err := o.gate.OnCheckInFailure(ctx); err != nil {
		o.log.Debug("gate signalling incomplete", zap.Error(err))
	}
	o.audit.LogCheckIn(out.TicketNumber, out.PassengerName, false)
	o.metrics.CheckIn(out.Method, "failure")

	out.Kind = KindFailure
	out.Reason = reason
	out.Time = o.clock.Now()
	return out
}

func reasonFor(err error, notFound string) string {
	switch {
	case errors.Is(err, models.ErrAlreadyCheckedIn):
		return "already checked in"
	case errors.Is(err, models.ErrAlreadyCancelled):
		return "ticket cancelled"
	case errors.Is(err, models.ErrNotBooked):
		return "ticket not booked"
	case errors.Is(err, models.ErrNotFound):
		return notFound
	}
	return "check-in unavailable"
}
