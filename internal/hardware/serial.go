package hardware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/config"
)

const (
	serialReadTimeout = 200 * time.Millisecond
	maxLineLen        = 4096
)

// SerialDialer probes the configured port first, then every enumerated
// port whose name or product matches one of the hints.
type SerialDialer struct {
	cfg  config.Serial
	log  *zap.Logger
	open func(name string, baud int) (io.ReadWriteCloser, error)
	list func() ([]*enumerator.PortDetails, error)
}

// NewSerialDialer returns a dialer for cfg.
func NewSerialDialer(cfg config.Serial, log *zap.Logger) *SerialDialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &SerialDialer{
		cfg:  cfg,
		log:  log,
		open: openPort,
		list: enumerator.GetDetailedPortsList,
	}
}

func openPort(name string, baud int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, err
	}
	return port, nil
}

// candidates lists port names in probe order without duplicates.
func (d *SerialDialer) candidates() []string {
	var names []string
	if d.cfg.Port != "" {
		names = append(names, d.cfg.Port)
	}
	ports, err := d.list()
	if err != nil {
		d.log.Debug("serial port enumeration failed", zap.Error(err))
		return names
	}
	for _, p := range ports {
		if slices.Contains(names, p.Name) || !matchesHint(p, d.cfg.Hints) {
			continue
		}
		names = append(names, p.Name)
	}
	return names
}

func matchesHint(p *enumerator.PortDetails, hints []string) bool {
	haystack := strings.ToUpper(p.Name + " " + p.Product)
	for _, h := range hints {
		if h != "" && strings.Contains(haystack, strings.ToUpper(h)) {
			return true
		}
	}
	return false
}

// Dial implements Dialer.
func (d *SerialDialer) Dial(ctx context.Context, h Handlers) (Transport, error) {
	names := d.candidates()
	if len(names) == 0 {
		return nil, errors.New("serial: no candidate ports")
	}
	var errs []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port, err := d.open(name, d.cfg.Baud)
		if err != nil {
			errs = append(errs, fmt.Errorf("serial: open %s: %w", name, err))
			continue
		}
		return newSerialTransport(port, name, h), nil
	}
	return nil, errors.Join(errs...)
}

type serialTransport struct {
	port io.ReadWriteCloser
	name string
	h    Handlers

	writeMu   sync.Mutex
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSerialTransport(port io.ReadWriteCloser, name string, h Handlers) *serialTransport {
	t := &serialTransport{
		port: port,
		name: name,
		h:    h,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *serialTransport) Kind() Kind       { return KindSerial }
func (t *serialTransport) Endpoint() string { return t.name }

func (t *serialTransport) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// readLoop forwards newline-terminated lines as telemetry. A read that
// returns no data is a timeout, not end of stream.
func (t *serialTransport) readLoop() {
	defer close(t.done)
	buf := make([]byte, 256)
	var pending []byte
	for {
		n, err := t.port.Read(buf)
		if t.stopped() {
			return
		}
		if err != nil {
			t.h.lost(fmt.Errorf("serial: read %s: %w", t.name, err))
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			if line := strings.TrimSuffix(string(pending[:i]), "\r"); line != "" {
				t.h.telemetry(line)
			}
			pending = pending[i+1:]
		}
		if len(pending) > maxLineLen {
			pending = pending[:0]
		}
	}
}

// Send writes "CMD\n". The payload is not representable on the serial
// protocol and is ignored.
func (t *serialTransport) Send(ctx context.Context, cmd Command, _ map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := io.WriteString(t.port, string(cmd)+"\n"); err != nil {
		return fmt.Errorf("serial: write %s: %w", cmd, err)
	}
	return nil
}

// Close stops the reader and waits for it.
func (t *serialTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		t.closeErr = t.port.Close()
		<-t.done
	})
	return t.closeErr
}
