package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/clock"
)

// DefaultBuffer is the publisher queue length.
const DefaultBuffer = 256

// Publisher queues events and hands them to a sink from a single worker.
// Record never blocks; when the queue is full the event is dropped and
// counted.
type Publisher struct {
	sink    Sink
	inbox   chan Event
	clock   clock.Clock
	log     *zap.Logger
	dropped atomic.Uint64
	onDrop  func()
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock sets the time source for event timestamps.
func WithClock(c clock.Clock) Option { return func(p *Publisher) { p.clock = c } }

// WithDropHook is called for every dropped event.
func WithDropHook(fn func()) Option { return func(p *Publisher) { p.onDrop = fn } }

// NewPublisher returns a Publisher writing to sink with a queue of buffer
// events; a non-positive buffer uses DefaultBuffer.
func NewPublisher(sink Sink, buffer int, log *zap.Logger, opts ...Option) *Publisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{
		sink:  sink,
		inbox: make(chan Event, buffer),
		clock: clock.Real(),
		log:   log,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Record implements Recorder. ID and Time are filled in when empty.
func (p *Publisher) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = p.clock.Now()
	}
	select {
	case p.inbox <- e:
	default:
		p.dropped.Add(1)
		if p.onDrop != nil {
			p.onDrop()
		}
		p.log.Warn("audit queue full, event dropped", zap.String("action", string(e.Action)))
	}
}

// LogCheckIn records the outcome of a check-in attempt.
func (p *Publisher) LogCheckIn(ticketNumber, passengerName string, success bool) {
	action := ActionCheckInFailed
	if success {
		action = ActionCheckInSuccess
	}
	p.Record(Event{Action: action, TicketNumber: ticketNumber, PassengerName: passengerName, Success: success})
}

// Dropped returns how many events were discarded.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Run drains the queue into the sink until ctx is cancelled, then flushes
// what is left and closes the sink.
func (p *Publisher) Run(ctx context.Context) error {
	defer func() {
		if err := p.sink.Close(); err != nil {
			p.log.Error("closing audit sink", zap.Error(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return nil
		case e := <-p.inbox:
			p.write(ctx, e)
		}
	}
}

func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-p.inbox:
			p.write(ctx, e)
		default:
			return
		}
	}
}

func (p *Publisher) write(ctx context.Context, e Event) {
	if err := p.sink.Write(ctx, e); err != nil {
		p.log.Error("failed to write audit event",
			zap.String("action", string(e.Action)),
			zap.String("id", e.ID),
			zap.Error(err))
	}
}
