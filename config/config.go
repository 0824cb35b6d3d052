// Package config loads broker and worker process configuration: defaults,
// then an optional TOML file, then environment variables (env wins).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for a broker or worker process.
type Config struct {
	Broker BrokerConfig `toml:"broker"`
	Worker WorkerConfig `toml:"worker"`
	Store  StoreConfig  `toml:"store"`
}

// BrokerConfig configures the `broker serve` command.
type BrokerConfig struct {
	ListenAddr      string        `toml:"listen_addr"`
	DefaultDeadline time.Duration `toml:"default_deadline"`
	WorkerTTL       time.Duration `toml:"worker_ttl"`
	ReaperInterval  time.Duration `toml:"reaper_interval"`
}

// WorkerConfig configures the `worker <module>:<object>` command.
type WorkerConfig struct {
	BrokerURL      string        `toml:"broker_url"`
	Processes      int           `toml:"processes"`
	PollInterval   time.Duration `toml:"poll_interval"`
	KeepAliveEvery int           `toml:"keep_alive_every"`
	// MetricsAddr, if set, serves Prometheus metrics over HTTP on this
	// address. Empty disables the metrics listener.
	MetricsAddr string `toml:"metrics_addr"`
}

// StoreConfig selects and configures the storage.Store backend.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver string `toml:"driver"`
	// DSN is the backend-specific connection string (sqlite file path,
	// postgres connection URL). Unused for the memory driver.
	DSN string `toml:"dsn"`
}

// Default returns a Config with every field set to its default value.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			ListenAddr:      ":8080",
			DefaultDeadline: 5 * time.Minute,
			WorkerTTL:       90 * time.Second,
			ReaperInterval:  10 * time.Second,
		},
		Worker: WorkerConfig{
			BrokerURL:      "http://localhost:8080",
			Processes:      1,
			PollInterval:   500 * time.Millisecond,
			KeepAliveEvery: 10,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
	}
}

// Load reads configuration: defaults -> TOML file at path (if it exists)
// -> environment variables. An unreadable or absent file is not an
// error — it just leaves the defaults (or the TOML-layer's values) in
// place, matching the teacher's config.Load tolerance for a missing
// file in development.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "conduit.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("BROKER_URL"); v != "" {
		cfg.Worker.BrokerURL = v
	}
	if v := os.Getenv("WORKER_PROCESSES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.Processes = n
		}
	}
	if v := os.Getenv("BROKER_ADDR"); v != "" {
		cfg.Broker.ListenAddr = v
	}
	if v := os.Getenv("BROKER_DB_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("BROKER_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broker.DefaultDeadline = d
		}
	}
	if v := os.Getenv("BROKER_WORKER_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broker.WorkerTTL = d
		}
	}
	if v := os.Getenv("BROKER_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("BROKER_WORKER_METRICS_ADDR"); v != "" {
		cfg.Worker.MetricsAddr = v
	}

	return cfg
}
