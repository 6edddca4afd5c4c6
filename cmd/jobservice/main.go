package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nadmax/opsconsole/internal/auth"
	"github.com/nadmax/opsconsole/internal/config"
	"github.com/nadmax/opsconsole/internal/jobapi"
	"github.com/nadmax/opsconsole/internal/logging"
	"github.com/nadmax/opsconsole/internal/notify"
	"github.com/nadmax/opsconsole/internal/repository"
	"github.com/nadmax/opsconsole/internal/runner"
	"github.com/nadmax/opsconsole/internal/store"
	"github.com/nadmax/opsconsole/internal/supervisor"
	"github.com/nadmax/opsconsole/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.Logger()
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(cfg.Logging)
	log := logging.Component("jobservice")
	for _, w := range cfg.Warnings {
		log.Warn().Msg(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var history repository.OperationRepository
	if cfg.Postgres.DSN != "" {
		repo, err := repository.NewPostgresOperationRepository(cfg.Postgres.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Postgres")
		}
		defer func() {
			if err := repo.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close Postgres repository")
			}
		}()
		if err := repo.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate Postgres schema")
		}
		history = repo
	} else {
		log.Info().Msg("postgres.dsn not set, operation history disabled")
	}

	st, err := store.New(ctx, store.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, history)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}()

	authSvc, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise auth")
	}

	requests := telemetry.NewRequestCounter()
	collector := telemetry.NewCollector(telemetry.CollectorConfig{
		DiskPath:      cfg.Telemetry.DiskPath,
		LinkSpeedMbps: int(cfg.Telemetry.LinkSpeedMbps),
	}, requests, logging.Component("telemetry"))

	notifier := notify.New(notify.Config{
		APIKey:     cfg.Notify.SendGridAPIKey,
		FromEmail:  cfg.Notify.FromEmail,
		FromName:   cfg.Notify.FromName,
		Recipients: cfg.Notify.Recipients,
	}, logging.Component("notify"))
	if notifier == nil {
		log.Info().Msg("failure emails disabled")
	}

	tree := supervisor.New("jobservice", supervisor.Config{ShutdownTimeout: cfg.JobService.ShutdownTimeout}, logging.Component("supervisor"))

	for i := range cfg.JobService.Workers {
		r := runner.New(strconv.Itoa(i+1), st, runner.Options{PollInterval: cfg.JobService.DequeueInterval}, notifier, logging.Component("runner"))
		runner.RegisterDefaults(r, collector, cfg.JobService.StepDelay)
		tree.AddBackground(r)
	}
	tree.AddBackground(supervisor.NewPeriodic("queue-janitor", janitorInterval, newJanitor(st, cfg.JobService.RetentionPeriod).run))

	server := &http.Server{
		Addr:              cfg.JobService.Addr,
		Handler:           jobapi.NewAPI(st, collector, requests, authSvc, logging.Component("jobapi")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPI(supervisor.NewHTTPService("jobservice-http", server, cfg.JobService.ShutdownTimeout))

	log.Info().
		Str("addr", cfg.JobService.Addr).
		Str("redis", cfg.Redis.Addr).
		Int("workers", cfg.JobService.Workers).
		Dur("step_delay", cfg.JobService.StepDelay).
		Msg("job service starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("supervisor stopped with error")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("job service stopped")
}
