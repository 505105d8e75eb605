package hardware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/metrics"
)

// DefaultSendTimeout bounds one command delivery.
const DefaultSendTimeout = 2 * time.Second

// Link owns the single active transport to the gate controller.
//
// Observers registered with Subscribe are called one at a time, in
// registration order, and must not call back into Subscribe.
type Link struct {
	dialers     []Dialer
	sendTimeout time.Duration
	log         *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	connectMu sync.Mutex
	notifyMu  sync.Mutex

	mu        sync.Mutex
	transport Transport
	gen       uint64
	state     State
	nextSub   int
	subs      []subscriber
	telemetry []func(Telemetry)
}

type subscriber struct {
	id int
	fn func(State)
}

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) LinkOption {
	return func(l *Link) {
		if d > 0 {
			l.sendTimeout = d
		}
	}
}

// WithLinkMetrics records connection state and send failures.
func WithLinkMetrics(m *metrics.Metrics) LinkOption { return func(l *Link) { l.metrics = m } }

// NewLink returns a disconnected Link that tries dialers in order.
func NewLink(log *zap.Logger, dialers []Dialer, opts ...LinkOption) *Link {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Link{
		dialers:     dialers,
		sendTimeout: DefaultSendTimeout,
		log:         log,
		now:         time.Now,
		state:       State{Kind: KindNone},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected reports whether a transport is up.
func (l *Link) Connected() bool { return l.State().Connected }

// Subscribe registers fn for state changes and immediately calls it with
// the current state. The returned func unregisters it.
func (l *Link) Subscribe(fn func(State)) (cancel func()) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	l.nextSub++
	id := l.nextSub
	l.subs = append(l.subs, subscriber{id: id, fn: fn})
	current := l.state
	l.mu.Unlock()

	fn(current)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

// OnTelemetry registers fn for every message received from the controller.
func (l *Link) OnTelemetry(fn func(Telemetry)) {
	l.mu.Lock()
	l.telemetry = append(l.telemetry, fn)
	l.mu.Unlock()
}

// setStateLocked installs t (nil when disconnected) and notifies
// observers. Callers must hold notifyMu.
func (l *Link) setStateLocked(t Transport) {
	l.mu.Lock()
	prev := l.state
	l.transport = t
	l.gen++
	if t == nil {
		l.state = State{Kind: KindNone}
	} else {
		l.state = State{Connected: true, Kind: t.Kind(), Endpoint: t.Endpoint()}
	}
	next := l.state
	subs := append([]subscriber(nil), l.subs...)
	l.mu.Unlock()

	l.metrics.SetHardwareConnected(string(next.Kind), next.Connected)
	if prev == next {
		return
	}
	for _, s := range subs {
		s.fn(next)
	}
}

func (l *Link) handlers(gen uint64) Handlers {
	return Handlers{
		Telemetry: func(payload string) {
			l.mu.Lock()
			fns := append([]func(Telemetry){}, l.telemetry...)
			kind := l.state.Kind
			l.mu.Unlock()
			tm := Telemetry{Kind: kind, Payload: payload, Received: l.now()}
			for _, fn := range fns {
				fn(tm)
			}
		},
		Lost: func(err error) { l.lost(gen, err) },
	}
}

// lost drops the transport of generation gen if it is still current.
func (l *Link) lost(gen uint64, err error) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	current := l.transport != nil && l.gen == gen
	t := l.transport
	l.mu.Unlock()
	if !current {
		return
	}
	l.log.Warn("gate controller connection lost", zap.String("kind", string(t.Kind())), zap.Error(err))
	l.setStateLocked(nil)
	go func() { _ = t.Close() }()
}

// Connect establishes a transport unless one is already up. Dialers are
// tried in order and the first success wins.
func (l *Link) Connect(ctx context.Context) error {
	l.connectMu.Lock()
	defer l.connectMu.Unlock()
	if l.Connected() {
		return nil
	}

	var errs []error
	for _, d := range l.dialers {
		l.mu.Lock()
		gen := l.gen + 1
		l.mu.Unlock()

		t, err := d.Dial(ctx, l.handlers(gen))
		if err != nil {
			errs = append(errs, err)
			continue
		}

		l.notifyMu.Lock()
		l.setStateLocked(t)
		l.notifyMu.Unlock()
		l.log.Info("gate controller connected",
			zap.String("kind", string(t.Kind())),
			zap.String("endpoint", t.Endpoint()))
		return nil
	}
	return fmt.Errorf("Connect: %w", errors.Join(append([]error{ErrNotConnected}, errs...)...))
}

// Disconnect closes the active transport, if any.
func (l *Link) Disconnect() {
	l.notifyMu.Lock()
	l.mu.Lock()
	t := l.transport
	l.mu.Unlock()
	if t == nil {
		l.notifyMu.Unlock()
		return
	}
	l.setStateLocked(nil)
	l.notifyMu.Unlock()

	// The serial reader may be reporting a loss; it needs notifyMu to finish.
	if err := t.Close(); err != nil {
		l.log.Warn("closing gate transport", zap.Error(err))
	}
}

// Send delivers cmd within the send timeout. Failures are logged and
// counted; callers treat them as best effort.
func (l *Link) Send(ctx context.Context, cmd Command) error {
	l.mu.Lock()
	t := l.transport
	l.mu.Unlock()
	if t == nil {
		l.metrics.HardwareSendFailed(string(cmd))
		return fmt.Errorf("send %s: %w", cmd, ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, l.sendTimeout)
	defer cancel()
	if err := t.Send(ctx, cmd, nil); err != nil {
		l.metrics.HardwareSendFailed(string(cmd))
		l.log.Warn("gate command failed", zap.String("command", string(cmd)), zap.Error(err))
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	l.log.Debug("gate command sent", zap.String("command", string(cmd)))
	return nil
}

func (l *Link) sendAll(ctx context.Context, cmds ...Command) error {
	var errs []error
	for _, c := range cmds {
		if err := l.Send(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnCheckInSuccess lights green, sounds the success tone and opens the gate.
// Each command is attempted regardless of the others.
func (l *Link) OnCheckInSuccess(ctx context.Context) error {
	return l.sendAll(ctx, LEDGreen, BuzzerSuccess, OpenGate)
}

// OnCheckInFailure lights red and sounds the error tone.
func (l *Link) OnCheckInFailure(ctx context.Context) error {
	return l.sendAll(ctx, LEDRed, BuzzerError)
}

// Run keeps the link connected, retrying every interval, until ctx is
// cancelled. The transport is closed before Run returns.
func (l *Link) Run(ctx context.Context, interval time.Duration) error {
	defer l.Disconnect()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !l.Connected() {
			if err := l.Connect(ctx); err != nil && ctx.Err() == nil {
				l.log.Debug("gate controller unreachable", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
