package main

import (
	"context"
	"fmt"
	"time"

	"parkd/internal/clock"
	"parkd/internal/config"
	"parkd/internal/db"
	"parkd/internal/gatewayclient"
	"parkd/internal/lease"
	"parkd/internal/logging"
	"parkd/internal/queue"
	"parkd/internal/repo"
	"parkd/internal/services"

	"go.uber.org/zap"
)

// app holds the wired dependencies shared by the subcommands.
type app struct {
	cfg        config.Config
	log        *zap.Logger
	db         *db.DB
	store      *repo.PgStore
	events     *repo.EventsRepo
	gateway    *gatewayclient.Client
	sessions   *services.SessionManager
	reconciler *services.Reconciler
	closers    []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	d, err := db.Connect(cctx, cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.db = d
	a.closers = append(a.closers, d.Close)

	a.store = repo.NewPgStore(d.Pool)
	a.events = repo.NewEventsRepo(d.Pool)
	a.gateway = gatewayclient.New(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)

	var publisher queue.Publisher = queue.Noop{}
	if cfg.AMQPURL != "" {
		p := queue.NewAMQPPublisher(cfg.AMQPURL, log)
		publisher = p
		a.closers = append(a.closers, func() { _ = p.Close() })
	} else {
		log.Info("AMQP_URL not set, engine events are not published")
	}

	var l services.Lease
	var alerts services.AlertStore
	if rdb := lease.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTLS); rdb != nil {
		l = lease.NewRedis(rdb, "parkd:reconcile:lease", cfg.ReconcileLeaseTTL)
		alerts = lease.NewAlerts(rdb, "parkd:reconcile:alerts", 2*cfg.AnomalyRealertAfter)
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	} else if cfg.RedisAddr != "" {
		log.Warn("redis unreachable, reconciling without a lease", zap.String("addr", cfg.RedisAddr))
	}

	clk := clock.SystemClock{}
	a.sessions = services.NewSessionManager(a.store, a.gateway, a.events, publisher, clk, log, cfg.GatewayTimeout)
	a.reconciler = services.NewReconciler(a.store, a.gateway, a.events, publisher, l, clk, log, services.ReconcilerConfig{
		Interval:      cfg.ReconcileInterval,
		RealertAfter:  cfg.AnomalyRealertAfter,
		StatusTimeout: cfg.GatewayTimeout,
	})
	if alerts != nil {
		a.reconciler.WithAlertStore(alerts)
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
