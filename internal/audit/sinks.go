package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FileSink appends events as JSON lines using a dedicated zap core.
type FileSink struct {
	file *os.File
	log  *zap.Logger
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "logged_at"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.LevelKey = ""
	enc.CallerKey = ""
	enc.MessageKey = "msg"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(f), zapcore.InfoLevel)
	return &FileSink{file: f, log: zap.New(core)}, nil
}

// Write implements Sink.
func (s *FileSink) Write(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("id", e.ID),
		zap.Time("time", e.Time),
		zap.String("action", string(e.Action)),
		zap.Bool("success", e.Success),
	}
	if e.TicketNumber != "" {
		fields = append(fields, zap.String("ticket_number", e.TicketNumber))
	}
	if e.PassengerID != 0 {
		fields = append(fields, zap.Int64("passenger_id", e.PassengerID))
	}
	if e.PassengerName != "" {
		fields = append(fields, zap.String("passenger_name", e.PassengerName))
	}
	if e.Method != "" {
		fields = append(fields, zap.String("method", e.Method))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	if e.Count != 0 {
		fields = append(fields, zap.Int64("count", e.Count))
	}
	s.log.Info("audit", fields...)
	return nil
}

// Close implements Sink.
func (s *FileSink) Close() error {
	_ = s.log.Sync()
	return s.file.Close()
}

type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaSink publishes events to a Kafka topic keyed by ticket number.
type KafkaSink struct {
	client producer
	topic  string
	log    *zap.Logger
}

// NewKafkaSink connects to brokers and produces to topic.
func NewKafkaSink(brokers []string, topic string, log *zap.Logger) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID("gatekiosk"),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return newKafkaSink(client, topic, log), nil
}

func newKafkaSink(client producer, topic string, log *zap.Logger) *KafkaSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaSink{client: client, topic: topic, log: log}
}

// Write implements Sink. Delivery is asynchronous; failures are logged by
// the produce callback.
func (s *KafkaSink) Write(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	rec := &kgo.Record{Topic: s.topic, Key: []byte(e.TicketNumber), Value: value}
	s.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			s.log.Error("kafka audit delivery failed", zap.String("id", e.ID), zap.Error(err))
		}
	})
	return nil
}

// Close flushes buffered records and closes the client.
func (s *KafkaSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Flush(ctx)
	s.client.Close()
	return err
}

// Multi fans events out to several sinks.
type Multi []Sink

// Write implements Sink; every sink is attempted.
func (m Multi) Write(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
