package settled

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"folio/config"
	"folio/observability/logging"
	telemetry "folio/observability/otel"
	"folio/settlement"
)

// Main initialises and runs the settlement daemon until SIGINT or SIGTERM.
func Main(passphrase PassphraseProvider) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "settled.yaml", "path to settled configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(cfg.Service, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.Service,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	auth, err := NewAuthenticator(AuthConfig{
		Secret:   cfg.Admin.JWTSecret,
		Issuer:   cfg.Admin.Issuer,
		Audience: cfg.Admin.Audience,
	}, logger)
	if err != nil {
		return err
	}

	buildCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	var pass PassphraseFunc
	if passphrase != nil {
		pass = passphrase(cfg.Treasury.PassphraseEnv)
	}
	app, err := Build(buildCtx, cfg, pass, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close", slog.Any("error", err))
		}
	}()

	admin := NewAdminServer(AdminConfig{
		Cycle:   app.Worker,
		Sweeper: app.Sweeper,
		Status:  app.Status,
		Health:  app.Health,
		Auth:    auth,
		Logger:  logger,
	})
	scheduler := settlement.NewScheduler(settlement.SchedulerConfig{
		Logger: logger,
		Jobs: []settlement.Job{
			{Name: "settle", Interval: cfg.Settlement.Interval.Duration, RunOnStart: true, Run: admin.RunCycle},
			{Name: "deposit-sweep", Interval: cfg.Deposits.SweepInterval.Duration, RunOnStart: true, Run: admin.RunSweep},
		},
	})

	httpServer := &http.Server{
		Addr:         cfg.Admin.Listen,
		Handler:      admin.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan struct{})
	go func() {
		scheduler.Start(stopCtx)
		close(schedDone)
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("settled admin listening", slog.String("addr", cfg.Admin.Listen))
		errs <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		stop()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
	}
	<-schedDone
	logger.Info("settled stopped")
	return runErr
}
