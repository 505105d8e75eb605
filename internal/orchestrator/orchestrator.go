// Package orchestrator drives the check-in loop: it polls the camera, runs
// QR and face analysis on a worker, checks tickets in through the ledger and
// signals the gate hardware.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/audit"
	"github.com/atinyakov/gatekiosk/internal/biometric"
	"github.com/atinyakov/gatekiosk/internal/camera"
	"github.com/atinyakov/gatekiosk/internal/clock"
	"github.com/atinyakov/gatekiosk/internal/hardware"
	"github.com/atinyakov/gatekiosk/internal/metrics"
	"github.com/atinyakov/gatekiosk/internal/models"
	"github.com/atinyakov/gatekiosk/internal/replay"
	"github.com/atinyakov/gatekiosk/internal/token"
)

// FaceMatcher extracts a probe embedding and matches it against a gallery.
type FaceMatcher interface {
	Extract(ctx context.Context, frame image.Image) (models.Embedding, bool, error)
	Match(probe models.Embedding, g *biometric.Gallery) (biometric.Match, bool)
}

// Gallery exposes the known-template snapshot.
type Gallery interface {
	Current() *biometric.Gallery
	Reload(ctx context.Context) (*biometric.Gallery, error)
}

// TokenReader decodes a boarding QR token from a frame.
type TokenReader interface {
	Decode(frame image.Image) (token.Payload, bool)
}

// Ledger is the subset of ticket operations the check-in loop needs.
type Ledger interface {
	Ticket(ctx context.Context, number string) (*models.Ticket, error)
	NextBooked(ctx context.Context, passengerID int64) (*models.Ticket, error)
	CheckIn(ctx context.Context, ticketID int64) (*models.Ticket, error)
}

// Passengers resolves a ticket holder's name.
type Passengers interface {
	GetPassengerByID(ctx context.Context, id int64) (*models.Passenger, error)
}

// Gate signals the physical gate.
type Gate interface {
	Connected() bool
	Connect(ctx context.Context) error
	Send(ctx context.Context, cmd hardware.Command) error
	OnCheckInSuccess(ctx context.Context) error
	OnCheckInFailure(ctx context.Context) error
}

// AuditLog records check-in attempts and session events.
type AuditLog interface {
	LogCheckIn(ticketNumber, passengerName string, success bool)
	Record(e audit.Event)
}

// Mode restricts which recognizers run.
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeFace Mode = "face"
	ModeQR   Mode = "qr"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAuto, ModeFace, ModeQR:
		return m, nil
	case "":
		return ModeAuto, nil
	}
	return "", fmt.Errorf("unknown check-in mode %q", s)
}

// Check-in methods reported in outcomes, audit and metrics.
const (
	MethodFace   = "face"
	MethodQR     = "qr"
	MethodManual = "manual"
)

// Defaults applied by New to zero settings.
const (
	DefaultPollInterval       = 30 * time.Millisecond
	DefaultRetriggerWindow    = 5 * time.Second
	DefaultDisplayResetWindow = 10 * time.Second
	DefaultInactivityTimeout  = 120 * time.Second
)

var (
	// ErrInvalidTicket is returned by ManualCheckIn for a malformed number.
	ErrInvalidTicket = errors.New("invalid ticket number")
	// ErrSuppressed is returned when the ticket was processed moments ago.
	ErrSuppressed = errors.New("ticket recently processed")
)

// Deps are the collaborators of an Orchestrator. Camera, Faces, Gallery,
// Tokens, Ledger and Gate are required.
type Deps struct {
	Camera     camera.Source
	Faces      FaceMatcher
	Gallery    Gallery
	Tokens     TokenReader
	Ledger     Ledger
	Passengers Passengers
	Gate       Gate
	Audit      AuditLog
	Replay     replay.Guard
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Log        *zap.Logger
}

// Settings tune the loop timing and recognizers.
type Settings struct {
	Mode               Mode
	PollInterval       time.Duration
	RetriggerWindow    time.Duration
	DisplayResetWindow time.Duration
	InactivityTimeout  time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Mode == "" {
		s.Mode = ModeAuto
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.RetriggerWindow <= 0 {
		s.RetriggerWindow = DefaultRetriggerWindow
	}
	if s.DisplayResetWindow < s.RetriggerWindow {
		s.DisplayResetWindow = max(DefaultDisplayResetWindow, s.RetriggerWindow)
	}
	if s.InactivityTimeout <= 0 {
		s.InactivityTimeout = DefaultInactivityTimeout
	}
	return s
}

// Orchestrator is the check-in state machine.
type Orchestrator struct {
	cam        camera.Source
	faces      FaceMatcher
	gallery    Gallery
	tokens     TokenReader
	ledger     Ledger
	passengers Passengers
	gate       Gate
	audit      AuditLog
	replay     replay.Guard
	metrics    *metrics.Metrics
	clock      clock.Clock
	log        *zap.Logger
	cfg        Settings

	// actMu serializes acting on a subject between the worker and
	// ManualCheckIn; mu guards sess and is never held across I/O.
	actMu sync.Mutex
	mu    sync.Mutex
	sess  session

	busy atomic.Bool

	obsMu     sync.Mutex
	observers map[uint64]func(Outcome)
	obsOrder  []uint64
	obsNext   uint64
}

// New validates deps and returns an idle Orchestrator.
func New(d Deps, s Settings) (*Orchestrator, error) {
	switch {
	case d.Camera == nil:
		return nil, errors.New("orchestrator: camera is required")
	case d.Faces == nil || d.Gallery == nil:
		return nil, errors.New("orchestrator: face matcher and gallery are required")
	case d.Tokens == nil:
		return nil, errors.New("orchestrator: token reader is required")
	case d.Ledger == nil:
		return nil, errors.New("orchestrator: ledger is required")
	case d.Gate == nil:
		return nil, errors.New("orchestrator: gate is required")
	}
	s = s.withDefaults()
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o := &Orchestrator{
		cam:        d.Camera,
		faces:      d.Faces,
		gallery:    d.Gallery,
		tokens:     d.Tokens,
		ledger:     d.Ledger,
		passengers: d.Passengers,
		gate:       d.Gate,
		audit:      d.Audit,
		replay:     d.Replay,
		metrics:    d.Metrics,
		clock:      d.Clock,
		log:        d.Log,
		cfg:        s,
		observers:  make(map[uint64]func(Outcome)),
	}
	if o.audit == nil {
		o.audit = nopAudit{}
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.replay == nil {
		o.replay = replay.NewMemory(o.clock)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	return o, nil
}

type nopAudit struct{}

func (nopAudit) LogCheckIn(string, string, bool) {}
func (nopAudit) Record(audit.Event)              {}

// Mode returns the configured recognizer mode.
func (o *Orchestrator) Mode() Mode { return o.cfg.Mode }

// State returns the current machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.state
}

// Subscribe registers fn for every published outcome and returns a function
// removing it. Observers are called in registration order.
func (o *Orchestrator) Subscribe(fn func(Outcome)) (cancel func()) {
	o.obsMu.Lock()
	id := o.obsNext
	o.obsNext++
	o.observers[id] = fn
	o.obsOrder = append(o.obsOrder, id)
	o.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.obsMu.Lock()
			defer o.obsMu.Unlock()
			delete(o.observers, id)
			for i, v := range o.obsOrder {
				if v == id {
					o.obsOrder = append(o.obsOrder[:i:i], o.obsOrder[i+1:]...)
					break
				}
			}
		})
	}
}

func (o *Orchestrator) publish(out Outcome) {
	o.obsMu.Lock()
	fns := make([]func(Outcome), 0, len(o.obsOrder))
	for _, id := range o.obsOrder {
		fns = append(fns, o.observers[id])
	}
	o.obsMu.Unlock()

	o.log.Info("check-in outcome",
		zap.String("kind", string(out.Kind)),
		zap.String("method", out.Method),
		zap.String("ticket", out.TicketNumber),
		zap.String("reason", out.Reason),
	)
	for _, fn := range fns {
		fn(out)
	}
}

// Activate prepares a fresh session: it reloads the gallery, connects the
// gate when needed and turns the LED off. Gallery errors are returned after
// the session is ready; the previous snapshot stays in use.
func (o *Orchestrator) Activate(ctx context.Context) error {
	o.actMu.Lock()
	defer o.actMu.Unlock()

	var errs []error
	if g, err := o.gallery.Reload(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reload gallery: %w", err))
	} else {
		o.metrics.SetGallerySize(g.Len())
	}

	if !o.gate.Connected() {
		if err := o.gate.Connect(ctx); err != nil {
			o.log.Warn("gate hardware unavailable", zap.Error(err))
		}
	}
	o.send(ctx, hardware.LEDOff)

	now := o.clock.Now()
	o.mu.Lock()
	o.sess.reset(now)
	o.sess.state = Scanning
	o.sess.led = ledOff
	o.mu.Unlock()
	return errors.Join(errs...)
}

// deactivate invalidates in-flight results and turns the LED off.
func (o *Orchestrator) deactivate() {
	o.actMu.Lock()
	defer o.actMu.Unlock()
	o.mu.Lock()
	o.sess.reset(o.clock.Now())
	o.mu.Unlock()

	if o.gate.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		o.send(ctx, hardware.LEDOff)
	}
}

// Run activates the session and polls the camera every PollInterval until
// ctx is done. At most one analysis runs at a time. Before returning, Run
// waits for the running analysis and deactivates the session.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Activate(ctx); err != nil {
		o.log.Error("activation incomplete", zap.Error(err))
	}

	var wg sync.WaitGroup
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer func() {
		ticker.Stop()
		wg.Wait()
		o.deactivate()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.housekeep(ctx)
			if !o.busy.CompareAndSwap(false, true) {
				continue
			}
			epoch := o.epoch()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer o.busy.Store(false)
				o.poll(ctx, epoch)
			}()
		}
	}
}

func (o *Orchestrator) epoch() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.epoch
}

func (o *Orchestrator) send(ctx context.Context, cmds ...hardware.Command) {
	for _, cmd := range cmds {
		if err := o.gate.Send(ctx, cmd); err != nil && !errors.Is(err, hardware.ErrNotConnected) {
			o.log.Debug("gate command failed", zap.String("command", string(cmd)), zap.Error(err))
		}
	}
}
