package hardware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/gatekiosk/internal/metrics"
)

type fakeTransport struct {
	kind     Kind
	endpoint string
	failOn   map[Command]error

	mu     sync.Mutex
	sent   []Command
	closed bool
}

func (f *fakeTransport) Kind() Kind       { return f.kind }
func (f *fakeTransport) Endpoint() string { return f.endpoint }

func (f *fakeTransport) Send(_ context.Context, cmd Command, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return f.failOn[cmd]
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.sent...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	transport *fakeTransport
	err       error

	mu       sync.Mutex
	dials    int
	handlers Handlers
}

type dialFunc func(ctx context.Context, h Handlers) (Transport, error)

func (f dialFunc) Dial(ctx context.Context, h Handlers) (Transport, error) { return f(ctx, h) }

// dialer returns a Dialer recording its calls into d.
func (d *fakeDialer) dialer() Dialer {
	return dialFunc(func(_ context.Context, h Handlers) (Transport, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.dials++
		d.handlers = h
		if d.err != nil {
			return nil, d.err
		}
		return d.transport, nil
	})
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestConnectTriesDialersInOrder(t *testing.T) {
	bus := &fakeDialer{err: errors.New("broker down")}
	serial := &fakeDialer{transport: &fakeTransport{kind: KindSerial, endpoint: "/dev/ttyUSB0"}}
	m := metrics.New(prometheus.NewRegistry())
	l := NewLink(nil, []Dialer{bus.dialer(), serial.dialer()}, WithLinkMetrics(m))

	require.NoError(t, l.Connect(context.Background()))
	assert.Equal(t, State{Connected: true, Kind: KindSerial, Endpoint: "/dev/ttyUSB0"}, l.State())
	assert.Equal(t, 1, bus.dialCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HardwareConnected.WithLabelValues("serial")))

	require.NoError(t, l.Connect(context.Background()), "no-op when connected")
	assert.Equal(t, 1, serial.dialCount())
}

func TestConnectAllFail(t *testing.T) {
	l := NewLink(nil, []Dialer{(&fakeDialer{err: errors.New("a")}).dialer(), (&fakeDialer{err: errors.New("b")}).dialer()})
	err := l.Connect(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorContains(t, err, "a")
	assert.ErrorContains(t, err, "b")
	assert.False(t, l.Connected())
}

func TestSubscribeOrderingAndCancel(t *testing.T) {
	tr := &fakeTransport{kind: KindBus, endpoint: "localhost:1883"}
	l := NewLink(nil, []Dialer{(&fakeDialer{transport: tr}).dialer()})

	var (
		mu  sync.Mutex
		log []string
	)
	record := func(name string) func(State) {
		return func(s State) {
			mu.Lock()
			defer mu.Unlock()
			state := "down"
			if s.Connected {
				state = "up:" + string(s.Kind)
			}
			log = append(log, name+"="+state)
		}
	}

	cancelFirst := l.Subscribe(record("first"))
	l.Subscribe(record("second"))
	require.NoError(t, l.Connect(context.Background()))
	cancelFirst()
	l.Disconnect()

	// A late subscriber sees the current state at once.
	l.Subscribe(record("late"))

	assert.Equal(t, []string{
		"first=down",
		"second=down",
		"first=up:bus",
		"second=up:bus",
		"second=down",
		"late=down",
	}, log)
	assert.True(t, tr.isClosed())
}

func TestLostConnection(t *testing.T) {
	first := &fakeTransport{kind: KindBus, endpoint: "b"}
	d := &fakeDialer{transport: first}
	l := NewLink(nil, []Dialer{d.dialer()})
	require.NoError(t, l.Connect(context.Background()))
	staleLost := d.handlers.Lost

	states := make(chan State, 4)
	l.Subscribe(func(s State) { states <- s })
	<-states

	staleLost(errors.New("keepalive timeout"))
	assert.Equal(t, State{Kind: KindNone}, <-states)
	assert.False(t, l.Connected())
	assert.Eventually(t, first.isClosed, time.Second, 10*time.Millisecond)

	second := &fakeTransport{kind: KindBus, endpoint: "b"}
	d.transport = second
	require.NoError(t, l.Connect(context.Background()))
	<-states

	staleLost(errors.New("late report from the old transport"))
	assert.True(t, l.Connected(), "a stale loss must not drop the new transport")
}

func TestTelemetryFanOut(t *testing.T) {
	d := &fakeDialer{transport: &fakeTransport{kind: KindSerial, endpoint: "/dev/ttyUSB0"}}
	l := NewLink(nil, []Dialer{d.dialer()})
	var got []Telemetry
	l.OnTelemetry(func(tm Telemetry) { got = append(got, tm) })
	require.NoError(t, l.Connect(context.Background()))

	d.handlers.Telemetry("GATE:CLOSED")
	require.Len(t, got, 1)
	assert.Equal(t, KindSerial, got[0].Kind)
	assert.Equal(t, "GATE:CLOSED", got[0].Payload)
	assert.False(t, got[0].Received.IsZero())
}

func TestSendNotConnected(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	l := NewLink(nil, nil, WithLinkMetrics(m))
	err := l.Send(context.Background(), OpenGate)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HardwareFailures.WithLabelValues("OPEN_GATE")))
}

func TestCompositesAreIndependent(t *testing.T) {
	tr := &fakeTransport{
		kind:   KindBus,
		failOn: map[Command]error{BuzzerSuccess: errors.New("buzzer jammed")},
	}
	m := metrics.New(prometheus.NewRegistry())
	l := NewLink(nil, []Dialer{(&fakeDialer{transport: tr}).dialer()}, WithLinkMetrics(m))
	require.NoError(t, l.Connect(context.Background()))

	err := l.OnCheckInSuccess(context.Background())
	assert.ErrorContains(t, err, "buzzer jammed")
	assert.Equal(t, []Command{LEDGreen, BuzzerSuccess, OpenGate}, tr.commands(), "gate still opens")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HardwareFailures.WithLabelValues("BUZZER_SUCCESS")))

	require.NoError(t, l.OnCheckInFailure(context.Background()))
	assert.Equal(t, []Command{LEDGreen, BuzzerSuccess, OpenGate, LEDRed, BuzzerError}, tr.commands())
}

func TestCompositeOverStalledBrokerReturnsPromptly(t *testing.T) {
	client := &fakeMQTT{stalled: true}
	l := NewLink(nil, []Dialer{newFakeBus(busConfig(), client)}, WithSendTimeout(2*time.Second))
	require.NoError(t, l.Connect(context.Background()))
	require.Equal(t, KindBus, l.State().Kind)

	start := time.Now()
	require.NoError(t, l.OnCheckInSuccess(context.Background()))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "no wait on broker acknowledgment")
	assert.Equal(t, 3, client.publishedCount())
}

func TestRunConnectsAndTearsDown(t *testing.T) {
	tr := &fakeTransport{kind: KindSerial, endpoint: "/dev/ttyUSB0"}
	d := &fakeDialer{err: errors.New("not yet")}
	l := NewLink(nil, []Dialer{d.dialer()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return d.dialCount() >= 2 }, time.Second, 5*time.Millisecond)
	d.mu.Lock()
	d.err, d.transport = nil, tr
	d.mu.Unlock()
	require.Eventually(t, l.Connected, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, l.Connected())
	assert.True(t, tr.isClosed())
}
