// Package config содержит логику чтения конфигурации сервиса учёта FIT.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса учёта FIT.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	MirrorAddress string `env:"MIRROR_ADDRESS"`

	AuthSecret    string `env:"AUTH_SECRET"`
	InternalToken string `env:"INTERNAL_TOKEN"`

	MirrorRewardChannel   string        `env:"MIRROR_REWARD_CHANNEL" envDefault:"fit.rewards"`
	MirrorPurchaseChannel string        `env:"MIRROR_PURCHASE_CHANNEL" envDefault:"fit.purchases"`
	MirrorTimeout         time.Duration `env:"MIRROR_TIMEOUT" envDefault:"5s"`
	MirrorWorkers         int           `env:"MIRROR_WORKERS" envDefault:"4"`
	MirrorQueueSize       int           `env:"MIRROR_QUEUE_SIZE" envDefault:"1024"`

	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	SweepGrace       time.Duration `env:"SWEEP_GRACE" envDefault:"1m"`
	SweepBatch       int           `env:"SWEEP_BATCH" envDefault:"100"`
	SweepMaxRetries  int           `env:"SWEEP_MAX_RETRIES" envDefault:"8"`
	SweepBackoffBase time.Duration `env:"SWEEP_BACKOFF_BASE" envDefault:"10s"`
	SweepBackoffMax  time.Duration `env:"SWEEP_BACKOFF_MAX" envDefault:"30m"`

	RewardRatePerMinute int `env:"REWARD_RATE_PER_MINUTE" envDefault:"30"`
	RewardBurst         int `env:"REWARD_BURST" envDefault:"10"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envMirrorAddress := cfg.MirrorAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI (postgres:// or sqlite://)")
	flag.StringVar(&cfg.MirrorAddress, "m", "", "audit mirror address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envMirrorAddress != "" {
		cfg.MirrorAddress = envMirrorAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
