package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/opsconsole/internal/api"
	"github.com/nadmax/opsconsole/internal/auth"
	"github.com/nadmax/opsconsole/internal/config"
	"github.com/nadmax/opsconsole/internal/jobclient"
	"github.com/nadmax/opsconsole/internal/launcher"
	"github.com/nadmax/opsconsole/internal/logging"
	"github.com/nadmax/opsconsole/internal/poller"
	"github.com/nadmax/opsconsole/internal/presenter"
	"github.com/nadmax/opsconsole/internal/registry"
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
	log := logging.Component("console")
	for _, w := range cfg.Warnings {
		log.Warn().Msg(w)
	}

	authSvc, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise auth")
	}

	client, err := jobclient.New(jobclient.Config{
		BaseURL:         cfg.JobClient.BaseURL,
		Token:           cfg.JobClient.Token,
		Timeout:         cfg.JobClient.Timeout,
		BreakerFailures: cfg.JobClient.BreakerFailures,
		BreakerCooldown: cfg.JobClient.BreakerCooldown,
	}, logging.Component("jobclient"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create job service client")
	}

	reg := registry.New(cfg.Console.AbandonAfter)
	holder := telemetry.NewHolder()
	notes := presenter.NewNotifications(cfg.Console.NotificationCapacity)

	p := poller.New(poller.Config{
		Enabled:      cfg.Console.AutoRefresh,
		Interval:     cfg.Console.PollInterval,
		MinInterval:  cfg.Console.MinPollInterval,
		FetchTimeout: cfg.Console.FetchTimeout,
	}, client, reg, holder, presenter.PollerHooks(notes), logging.Component("poller"))

	l := launcher.New(client, reg, logging.Component("launcher"))

	pres := presenter.New(presenter.Config{
		LogTail:    cfg.Console.LogTail,
		StaleAfter: cfg.Console.StaleAfter,
	}, reg, holder, p, l, notes, logging.Component("presenter"))

	handler := api.NewAPI(pres, authSvc, api.Options{
		RateLimit:       cfg.Console.RateLimit,
		RateLimitWindow: cfg.Console.RateLimitWindow,
	}, logging.Component("api"))

	server := &http.Server{
		Addr:              cfg.Console.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.New("opsconsole", supervisor.Config{ShutdownTimeout: cfg.Console.ShutdownTimeout}, logging.Component("supervisor"))
	tree.AddBackground(p)
	tree.AddAPI(supervisor.NewHTTPService("console-http", server, cfg.Console.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("addr", cfg.Console.Addr).
		Str("job_service", cfg.JobClient.BaseURL).
		Bool("auto_refresh", cfg.Console.AutoRefresh).
		Dur("poll_interval", cfg.Console.PollInterval).
		Msg("console starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("supervisor stopped with error")
		stop()
		os.Exit(1)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		log.Warn().Int("services", len(report)).Msg("some services did not stop in time")
	}
	log.Info().Msg("console stopped")
}
