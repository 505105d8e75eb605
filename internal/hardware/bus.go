package hardware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/atinyakov/gatekiosk/internal/config"
)

const (
	// statusQoS applies to the telemetry subscription; commands are
	// published at most once.
	statusQoS         = 1
	commandQoS        = 0
	busConnectTimeout = 5 * time.Second
)

type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// BusDialer connects to the controller through an MQTT broker.
type BusDialer struct {
	cfg       config.MQTT
	newClient func(*mqtt.ClientOptions) mqttClient
}

// NewBusDialer returns a dialer for cfg. An empty broker disables it.
func NewBusDialer(cfg config.MQTT) *BusDialer {
	return &BusDialer{
		cfg:       cfg,
		newClient: func(o *mqtt.ClientOptions) mqttClient { return mqtt.NewClient(o) },
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// waitToken blocks until tok completes or ctx is done.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dial implements Dialer.
func (d *BusDialer) Dial(ctx context.Context, h Handlers) (Transport, error) {
	if d.cfg.Broker == "" {
		return nil, errors.New("bus: no broker configured")
	}
	clientID := d.cfg.ClientID
	if clientID == "" {
		clientID = "kiosk-" + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL(d.cfg.Broker)).
		SetClientID(clientID).
		SetUsername(d.cfg.Username).
		SetPassword(d.cfg.Password).
		SetAutoReconnect(false).
		SetConnectTimeout(busConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { h.lost(err) })

	client := d.newClient(opts)
	cctx, cancel := context.WithTimeout(ctx, busConnectTimeout)
	defer cancel()
	if err := waitToken(cctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", d.cfg.Broker, err)
	}

	if d.cfg.StatusTopic != "" {
		onStatus := func(_ mqtt.Client, msg mqtt.Message) { h.telemetry(string(msg.Payload())) }
		if err := waitToken(cctx, client.Subscribe(d.cfg.StatusTopic, statusQoS, onStatus)); err != nil {
			client.Disconnect(250)
			return nil, fmt.Errorf("bus: subscribe %s: %w", d.cfg.StatusTopic, err)
		}
	}
	return &busTransport{client: client, broker: d.cfg.Broker, topic: d.cfg.GateTopic}, nil
}

type busTransport struct {
	client mqttClient
	broker string
	topic  string
}

func (t *busTransport) Kind() Kind       { return KindBus }
func (t *busTransport) Endpoint() string { return t.broker }

// Send publishes {"command": cmd, ...payload} to the gate topic without
// waiting for delivery. Only a publish the client rejects outright (for
// example while disconnected) is reported.
func (t *busTransport) Send(ctx context.Context, cmd Command, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", cmd, err)
	}
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["command"] = string(cmd)
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", cmd, err)
	}
	tok := t.client.Publish(t.topic, commandQoS, false, b)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("bus: publish %s: %w", cmd, err)
		}
	default:
	}
	return nil
}

func (t *busTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}
