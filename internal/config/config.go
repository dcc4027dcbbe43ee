// Package config loads runtime settings from the environment. A .env file,
// if present, is loaded by the entrypoint before parsing.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration.
type Config struct {
	Scheduler Scheduler
	Store     Store
	Log       Log
	Delivery  Delivery
	Seed      Seed
}

// Scheduler controls the engine and the daemon tick loop.
type Scheduler struct {
	Enabled               bool `env:"SCHEDULER_ENABLED" envDefault:"true"`
	HandlerTimeoutSeconds int  `env:"SCHEDULER_HANDLER_TIMEOUT_SECONDS" envDefault:"300"`
	TickIntervalSeconds   int  `env:"DAEMON_TICK_INTERVAL_SECONDS" envDefault:"60"`
}

// Store points at the SQLite database file.
type Store struct {
	Path string `env:"TASKD_DB_PATH" envDefault:"./taskd.db"`
}

// Log mirrors the logger setup: level plus optional file sink.
type Log struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	File  string `env:"LOG_FILE"`
}

// Delivery holds channel-level credentials; per-task settings live in each
// task's delivery_config.
type Delivery struct {
	RatePerMinute int `env:"DELIVERY_RATE_PER_MINUTE" envDefault:"20"`

	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM"`
}

// Seed configures the optional YAML task definitions file.
type Seed struct {
	Path  string `env:"TASKD_SEED_FILE"`
	Watch bool   `env:"TASKD_SEED_WATCH" envDefault:"true"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if c.Scheduler.HandlerTimeoutSeconds <= 0 {
		return Config{}, fmt.Errorf("SCHEDULER_HANDLER_TIMEOUT_SECONDS must be positive, got %d", c.Scheduler.HandlerTimeoutSeconds)
	}
	if c.Scheduler.TickIntervalSeconds <= 0 {
		return Config{}, fmt.Errorf("DAEMON_TICK_INTERVAL_SECONDS must be positive, got %d", c.Scheduler.TickIntervalSeconds)
	}
	return c, nil
}

func (s Scheduler) HandlerTimeout() time.Duration {
	return time.Duration(s.HandlerTimeoutSeconds) * time.Second
}

func (s Scheduler) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

// TelegramConfigured reports whether the telegram channel can be registered.
func (d Delivery) TelegramConfigured() bool { return d.TelegramToken != "" }

// SMTPConfigured reports whether the email channel can be registered.
func (d Delivery) SMTPConfigured() bool { return d.SMTPHost != "" && d.SMTPFrom != "" }
