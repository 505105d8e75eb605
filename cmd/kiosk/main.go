// Package main starts the check-in kiosk: it wires configuration, logging,
// the ticket store, biometric matching, gate hardware, the check-in loop and
// the admin/status API, and supervises them until a signal arrives.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atinyakov/gatekiosk/internal/audit"
	"github.com/atinyakov/gatekiosk/internal/biometric"
	"github.com/atinyakov/gatekiosk/internal/camera"
	"github.com/atinyakov/gatekiosk/internal/clock"
	"github.com/atinyakov/gatekiosk/internal/config"
	"github.com/atinyakov/gatekiosk/internal/db"
	"github.com/atinyakov/gatekiosk/internal/hardware"
	"github.com/atinyakov/gatekiosk/internal/logger"
	"github.com/atinyakov/gatekiosk/internal/metrics"
	"github.com/atinyakov/gatekiosk/internal/orchestrator"
	"github.com/atinyakov/gatekiosk/internal/replay"
	"github.com/atinyakov/gatekiosk/internal/repository"
	"github.com/atinyakov/gatekiosk/internal/server/handler/http"
	"github.com/atinyakov/gatekiosk/internal/service"
	"github.com/atinyakov/gatekiosk/internal/token"
	"github.com/atinyakov/gatekiosk/internal/vault"
	"github.com/atinyakov/gatekiosk/internal/websocket"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

// store is everything the kiosk needs from the passenger/ticket backend.
type store interface {
	service.TicketRepository
	service.PassengerRepository
	service.TicketWriter
	biometric.PassengerStore
	biometric.PassengerLister
}

func main() {
	// Parse command-line and environment configuration.
	options, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, options, zapLogger); err != nil {
		zapLogger.Fatal("kiosk stopped", zap.Error(err))
	}
	zapLogger.Info("kiosk stopped")
}

func openStore(options *config.Options, clk clock.Clock, log *zap.Logger) (store, func(), error) {
	if options.Store == "memory" {
		log.Warn("using in-memory ticket store; data is lost on exit")
		return repository.NewMemory(clk), func() {}, nil
	}
	pg, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewPostgres(pg), func() { _ = pg.Close() }, nil
}

func openAuditSink(options *config.Options, log *zap.Logger) (audit.Sink, error) {
	file, err := audit.NewFileSink(options.AuditLog)
	if err != nil {
		return nil, err
	}
	if len(options.KafkaBrokers) == 0 {
		return file, nil
	}
	kafka, err := audit.NewKafkaSink(options.KafkaBrokers, options.AuditTopic, log)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return audit.Multi{file, kafka}, nil
}

func openReplayGuard(options *config.Options, clk clock.Clock) (replay.Guard, func(), error) {
	if options.RedisURL == "" {
		return replay.NewMemory(clk), func() {}, nil
	}
	opt, err := redis.ParseURL(options.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	return replay.NewRedis(client), func() { _ = client.Close() }, nil
}

type loopRunner interface {
	Run(ctx context.Context) error
}

type linkRunner interface {
	Run(ctx context.Context, interval time.Duration) error
}

// runCheckIn runs the check-in loop and keeps the hardware link up until
// the loop has returned, so its final LED_OFF still reaches the gate.
func runCheckIn(ctx context.Context, loop loopRunner, link linkRunner, interval time.Duration) error {
	linkCtx, stopLink := context.WithCancel(context.WithoutCancel(ctx))
	linkDone := make(chan error, 1)
	go func() { linkDone <- link.Run(linkCtx, interval) }()

	err := loop.Run(ctx)
	stopLink()
	return errors.Join(err, <-linkDone)
}

func run(ctx context.Context, options *config.Options, log *zap.Logger) error {
	clk := clock.Real()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, closeStore, err := openStore(options, clk, log)
	if err != nil {
		return fmt.Errorf("cannot init ticket store: %w", err)
	}
	defer closeStore()

	sink, err := openAuditSink(options, log)
	if err != nil {
		return fmt.Errorf("cannot open audit sink: %w", err)
	}
	pub := audit.NewPublisher(sink, 256, log.Named("audit"),
		audit.WithClock(clk),
		audit.WithDropHook(m.IncAuditDropped),
	)

	guard, closeGuard, err := openReplayGuard(options, clk)
	if err != nil {
		return err
	}
	defer closeGuard()

	templates, err := vault.Open(options.FacesDir, options.KeyFile, log.Named("vault"))
	if err != nil {
		return fmt.Errorf("cannot open template vault: %w", err)
	}

	pinHash := options.AdminPINHash
	if pinHash == "" {
		if pinHash, err = service.HashPIN(options.AdminPIN); err != nil {
			return err
		}
	}
	auth, err := service.NewAdminAuth(pinHash, []byte(options.JWTSigningKey), options.AdminTokenTTL.D(), clk, pub, log.Named("auth"))
	if err != nil {
		return fmt.Errorf("cannot init admin auth: %w", err)
	}

	// Biometrics.
	matcher := biometric.NewMatcher(biometric.NewRemoteExtractor(options.ExtractorURL, nil), options.MatchThreshold, options.EmbeddingDim, log.Named("match"))
	loader := biometric.NewLoader(templates, options.EmbeddingDim, log.Named("gallery"))
	catalog := biometric.NewCatalog(biometric.NewGalleryStore(), loader, st, log.Named("gallery"))
	enroller := biometric.NewEnroller(matcher, templates, st, catalog, log.Named("enroll"))

	// Business services.
	ledger := service.NewLedger(st, auth, log.Named("ledger"),
		service.WithLedgerClock(clk),
		service.WithLedgerAudit(pub),
		service.WithLedgerMetrics(m),
	)
	booking := service.NewBooking(st, st, templates, catalog, pub, log.Named("booking"))

	// Gate hardware: bus first when configured, then serial.
	var dialers []hardware.Dialer
	if options.MQTT.Broker != "" {
		dialers = append(dialers, hardware.NewBusDialer(options.MQTT))
	}
	dialers = append(dialers, hardware.NewSerialDialer(options.Serial, log.Named("serial")))
	link := hardware.NewLink(log.Named("hardware"), dialers,
		hardware.WithSendTimeout(options.SendTimeout.D()),
		hardware.WithLinkMetrics(m),
	)

	hub := websocket.NewHub(log.Named("ws"))
	cancelState := link.Subscribe(func(s hardware.State) { hub.Publish("hardware", s) })
	defer cancelState()
	link.OnTelemetry(func(t hardware.Telemetry) { hub.Publish("telemetry", t) })

	mode, err := orchestrator.ParseMode(options.Mode)
	if err != nil {
		return err
	}
	kiosk, err := orchestrator.New(orchestrator.Deps{
		Camera:     camera.NewHTTPSnapshot(options.CameraURL, nil),
		Faces:      matcher,
		Gallery:    catalog,
		Tokens:     token.NewDecoder(log.Named("qr")),
		Ledger:     ledger,
		Passengers: st,
		Gate:       link,
		Audit:      pub,
		Replay:     guard,
		Metrics:    m,
		Clock:      clk,
		Log:        log.Named("checkin"),
	}, orchestrator.Settings{
		Mode:               mode,
		PollInterval:       options.PollInterval.D(),
		RetriggerWindow:    options.RetriggerWindow.D(),
		DisplayResetWindow: options.DisplayResetWindow.D(),
		InactivityTimeout:  options.InactivityTimeout.D(),
	})
	if err != nil {
		return err
	}
	cancelOutcomes := kiosk.Subscribe(func(o orchestrator.Outcome) { hub.Publish("outcome", o) })
	defer cancelOutcomes()

	// Create HTTP handlers and build the router with middleware and routes.
	router := http.NewRouter(http.Handlers{
		Admin:  &http.AdminHandler{Auth: auth},
		Status: &http.StatusHandler{Hardware: link, Gallery: catalog, Kiosk: kiosk},
		Tickets: &http.TicketHandler{
			Tickets:    ledger,
			Kiosk:      kiosk,
			Passengers: st,
			Log:        log.Named("api"),
		},
		Passengers: &http.PassengerHandler{
			Auth:     auth,
			Booking:  booking,
			Enroller: enroller,
			Gallery:  catalog,
			Audit:    pub,
		},
		Events:  hub,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, log.Named("api"))
	server := &nethttp.Server{
		Addr:              options.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The audit publisher outlives the other loops so their last events
	// are flushed.
	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		_ = pub.Run(auditCtx)
	}()
	defer func() {
		stopAudit()
		<-auditDone
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return runCheckIn(gctx, kiosk, link, options.ReconnectInterval.D()) })
	g.Go(func() error {
		<-ledger.StartSweeper(gctx, options.SweepInterval.D(), options.SweepMaxAge.D())
		return nil
	})
	g.Go(func() error {
		log.Info("starting admin API", zap.String("addr", options.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("admin API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
