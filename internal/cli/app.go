package cli

import (
	"context"
	"fmt"

	"taskd/internal/config"
	"taskd/internal/delivery"
	"taskd/internal/engine"
	"taskd/internal/eventbus"
	"taskd/internal/handler"
	"taskd/internal/storage"
	logx "taskd/pkg/logx"
)

// app holds the wired components shared by the daemon, tick and task
// commands. Opening it fails hard when the store is unreachable.
type app struct {
	cfg      config.Config
	log      logx.Logger
	closeLog func() error
	store    *storage.Store
	registry *handler.Registry
	router   *delivery.Router
	bus      eventbus.Bus
	engine   *engine.Engine
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, closeLog := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: true,
		File:    logx.FileConfig{Enabled: cfg.Log.File != "", Path: cfg.Log.File},
	})

	store, err := storage.Open(storage.Config{Path: cfg.Store.Path}, log)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		_ = closeLog()
		return nil, fmt.Errorf("task store unreachable: %w", err)
	}

	registry := handler.NewRegistry(log)

	router := delivery.NewRouter(cfg.Delivery.RatePerMinute, log)
	router.Register(delivery.NewWebhookAdapter(log))
	if cfg.Delivery.TelegramConfigured() {
		tg, err := delivery.NewTelegramAdapter(delivery.TelegramConfig{
			Token:         cfg.Delivery.TelegramToken,
			DefaultChatID: cfg.Delivery.TelegramChatID,
		}, log)
		if err != nil {
			log.Warn("telegram channel unavailable", logx.Err(err))
		} else {
			router.Register(tg)
		}
	}
	if cfg.Delivery.SMTPConfigured() {
		em, err := delivery.NewEmailAdapter(delivery.SMTPConfig{
			Host:     cfg.Delivery.SMTPHost,
			Port:     cfg.Delivery.SMTPPort,
			Username: cfg.Delivery.SMTPUsername,
			Password: cfg.Delivery.SMTPPassword,
			From:     cfg.Delivery.SMTPFrom,
		}, log)
		if err != nil {
			log.Warn("email channel unavailable", logx.Err(err))
		} else {
			router.Register(em)
		}
	}

	bus := eventbus.New()
	eng := engine.New(engine.Config{HandlerTimeout: cfg.Scheduler.HandlerTimeout()},
		store, registry, router, bus, log)

	return &app{
		cfg:      cfg,
		log:      log,
		closeLog: closeLog,
		store:    store,
		registry: registry,
		router:   router,
		bus:      bus,
		engine:   eng,
	}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
	_ = a.closeLog()
}
