package hardware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"github.com/atinyakov/gatekiosk/internal/config"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	ch := make(chan struct{})
	close(ch)
	return &fakeToken{err: err, done: ch}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return statusQoS }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeMQTT struct {
	opts         *mqtt.ClientOptions
	connectErr   error
	publishErr   error
	// stalled leaves publish tokens incomplete, like a broker that never acks.
	stalled      bool
	mu           sync.Mutex
	published    []published
	onStatus     mqtt.MessageHandler
	subscribed   string
	disconnected bool
}

func (f *fakeMQTT) Connect() mqtt.Token { return doneToken(f.connectErr) }

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if f.stalled {
		return &fakeToken{done: make(chan struct{})}
	}
	return doneToken(f.publishErr)
}

func (f *fakeMQTT) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.subscribed, f.onStatus = topic, cb
	return doneToken(nil)
}

func (f *fakeMQTT) Disconnect(uint) { f.disconnected = true }

func busConfig() config.MQTT {
	return config.MQTT{Broker: "localhost:1883", GateTopic: "kiosk/gate", StatusTopic: "kiosk/status"}
}

func newFakeBus(cfg config.MQTT, client *fakeMQTT) *BusDialer {
	d := NewBusDialer(cfg)
	d.newClient = func(o *mqtt.ClientOptions) mqttClient {
		client.opts = o
		return client
	}
	return d
}

func TestBusDialAndSend(t *testing.T) {
	client := &fakeMQTT{}
	var (
		telemetry []string
		lost      error
	)
	h := Handlers{
		Telemetry: func(p string) { telemetry = append(telemetry, p) },
		Lost:      func(err error) { lost = err },
	}

	tr, err := newFakeBus(busConfig(), client).Dial(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, KindBus, tr.Kind())
	assert.Equal(t, "localhost:1883", tr.Endpoint())
	require.Len(t, client.opts.Servers, 1)
	assert.Equal(t, "tcp://localhost:1883", client.opts.Servers[0].String())
	assert.NotEmpty(t, client.opts.ClientID)
	assert.Equal(t, "kiosk/status", client.subscribed)

	require.NoError(t, tr.Send(context.Background(), OpenGate, map[string]any{"ticket": "TK-AB12CD"}))
	require.Len(t, client.published, 1)
	assert.Equal(t, "kiosk/gate", client.published[0].topic)
	assert.Equal(t, byte(0), client.published[0].qos, "commands are fire-and-forget")
	var body map[string]string
	require.NoError(t, json.Unmarshal(client.published[0].payload, &body))
	assert.Equal(t, map[string]string{"command": "OPEN_GATE", "ticket": "TK-AB12CD"}, body)

	client.onStatus(nil, fakeMessage{topic: "kiosk/status", payload: []byte(`{"gate":"open"}`)})
	assert.Equal(t, []string{`{"gate":"open"}`}, telemetry)

	client.opts.OnConnectionLost(nil, errors.New("broker gone"))
	assert.EqualError(t, lost, "broker gone")

	require.NoError(t, tr.Close())
	assert.True(t, client.disconnected)
}

func TestBusDialFailures(t *testing.T) {
	_, err := newFakeBus(config.MQTT{}, &fakeMQTT{}).Dial(context.Background(), Handlers{})
	assert.Error(t, err, "empty broker")

	_, err = newFakeBus(busConfig(), &fakeMQTT{connectErr: errors.New("refused")}).Dial(context.Background(), Handlers{})
	assert.ErrorContains(t, err, "refused")
}

func TestBusSendError(t *testing.T) {
	client := &fakeMQTT{publishErr: errors.New("not connected")}
	tr, err := newFakeBus(busConfig(), client).Dial(context.Background(), Handlers{})
	require.NoError(t, err)
	assert.ErrorContains(t, tr.Send(context.Background(), LEDRed, nil), "not connected")
}

func TestBusSendDoesNotWaitForAck(t *testing.T) {
	client := &fakeMQTT{stalled: true}
	tr, err := newFakeBus(busConfig(), client).Dial(context.Background(), Handlers{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, tr.Send(ctx, LEDGreen, nil))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 1, client.publishedCount())
}

type pipePort struct {
	r        *io.PipeReader
	feed     *io.PipeWriter
	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, feed: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

func (p *pipePort) Close() error { return p.r.Close() }

func (p *pipePort) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func TestSerialTransportLinesAndCommands(t *testing.T) {
	port := newPipePort()
	lines := make(chan string, 8)
	lostCalled := make(chan error, 1)
	tr := newSerialTransport(port, "/dev/ttyUSB0", Handlers{
		Telemetry: func(s string) { lines <- s },
		Lost:      func(err error) { lostCalled <- err },
	})

	_, err := port.feed.Write([]byte("STATUS:OK\r\n\n  BAT 3.7V \nGATE:"))
	require.NoError(t, err)
	_, err = port.feed.Write([]byte("OPEN\n"))
	require.NoError(t, err)

	assert.Equal(t, "STATUS:OK", <-lines)
	assert.Equal(t, "  BAT 3.7V ", <-lines, "only the line terminator is stripped")
	assert.Equal(t, "GATE:OPEN", <-lines)

	require.NoError(t, tr.Send(context.Background(), BuzzerSuccess, nil))
	require.NoError(t, tr.Send(context.Background(), OpenGate, map[string]any{"ignored": true}))
	assert.Equal(t, "BUZZER_SUCCESS\nOPEN_GATE\n", port.output())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "Close is idempotent")
	select {
	case err := <-lostCalled:
		t.Fatalf("Close reported a loss: %v", err)
	default:
	}
	assert.Empty(t, lines)
}

func TestSerialTransportReadErrorReportsLoss(t *testing.T) {
	port := newPipePort()
	lostCalled := make(chan error, 1)
	tr := newSerialTransport(port, "/dev/ttyUSB0", Handlers{Lost: func(err error) { lostCalled <- err }})

	port.feed.CloseWithError(errors.New("device unplugged"))
	select {
	case err := <-lostCalled:
		assert.ErrorContains(t, err, "device unplugged")
	case <-time.After(time.Second):
		t.Fatal("read error not reported")
	}
	_ = tr.Close()
}

func TestSerialTransportWriteError(t *testing.T) {
	port := newPipePort()
	port.writeErr = errors.New("io error")
	tr := newSerialTransport(port, "/dev/ttyUSB0", Handlers{})
	defer tr.Close()
	assert.ErrorContains(t, tr.Send(context.Background(), LEDOff, nil), "io error")
}

func TestSerialDialerProbeOrder(t *testing.T) {
	cfg := config.Serial{Port: "/dev/ttyS9", Baud: 9600, Hints: []string{"usb", "CP210"}}
	d := NewSerialDialer(cfg, nil)
	d.list = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyS0", Product: "16550A"},
			{Name: "/dev/ttyS9", Product: "configured twice"},
			{Name: "/dev/ttyACM0", Product: "Silicon Labs CP2102 CP210x bridge"},
			{Name: "/dev/ttyUSB1", Product: ""},
		}, nil
	}
	assert.Equal(t, []string{"/dev/ttyS9", "/dev/ttyACM0", "/dev/ttyUSB1"}, d.candidates())

	var tried []string
	port := newPipePort()
	d.open = func(name string, baud int) (io.ReadWriteCloser, error) {
		assert.Equal(t, 9600, baud)
		tried = append(tried, name)
		if name == "/dev/ttyACM0" {
			return port, nil
		}
		return nil, errors.New("busy")
	}
	tr, err := d.Dial(context.Background(), Handlers{})
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, []string{"/dev/ttyS9", "/dev/ttyACM0"}, tried)
	assert.Equal(t, "/dev/ttyACM0", tr.Endpoint())
	assert.Equal(t, KindSerial, tr.Kind())
}

func TestSerialDialerNothingToTry(t *testing.T) {
	d := NewSerialDialer(config.Serial{Hints: []string{"ESP"}}, nil)
	d.list = func() ([]*enumerator.PortDetails, error) { return nil, errors.New("no sysfs") }
	_, err := d.Dial(context.Background(), Handlers{})
	assert.Error(t, err)
}
