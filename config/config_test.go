package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Broker.ListenAddr != ":8080" {
		t.Errorf("Broker.ListenAddr = %q, want %q", cfg.Broker.ListenAddr, ":8080")
	}
	if cfg.Broker.DefaultDeadline != 5*time.Minute {
		t.Errorf("Broker.DefaultDeadline = %v, want 5m", cfg.Broker.DefaultDeadline)
	}
	if cfg.Worker.BrokerURL != "http://localhost:8080" {
		t.Errorf("Worker.BrokerURL = %q, want %q", cfg.Worker.BrokerURL, "http://localhost:8080")
	}
	if cfg.Worker.Processes != 1 {
		t.Errorf("Worker.Processes = %d, want 1", cfg.Worker.Processes)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, "memory")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if cfg != Default() {
		t.Errorf("Load(missing file) = %+v, want Default()", cfg)
	}
}

func TestLoadAppliesTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.toml")
	const body = `
[broker]
listen_addr = "0.0.0.0:9090"
default_deadline = "45s"

[worker]
broker_url = "http://broker.internal:9090"
processes = 4

[store]
driver = "postgres"
dsn = "postgres://localhost/conduit"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Broker.ListenAddr != "0.0.0.0:9090" {
		t.Errorf("Broker.ListenAddr = %q, want %q", cfg.Broker.ListenAddr, "0.0.0.0:9090")
	}
	if cfg.Broker.DefaultDeadline != 45*time.Second {
		t.Errorf("Broker.DefaultDeadline = %v, want 45s", cfg.Broker.DefaultDeadline)
	}
	if cfg.Worker.Processes != 4 {
		t.Errorf("Worker.Processes = %d, want 4", cfg.Worker.Processes)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://localhost/conduit" {
		t.Errorf("Store = %+v, want postgres driver with the configured DSN", cfg.Store)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Worker.PollInterval != 500*time.Millisecond {
		t.Errorf("Worker.PollInterval = %v, want the unset default of 500ms", cfg.Worker.PollInterval)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.toml")
	const body = `
[worker]
broker_url = "http://from-file:8080"
processes = 2

[store]
driver = "sqlite"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BROKER_URL", "http://from-env:8080")
	t.Setenv("WORKER_PROCESSES", "7")
	t.Setenv("BROKER_STORE_DRIVER", "postgres")
	t.Setenv("BROKER_DB_DSN", "postgres://from-env/conduit")
	t.Setenv("BROKER_ADDR", "0.0.0.0:9999")
	t.Setenv("BROKER_LEASE_TTL", "90s")
	t.Setenv("BROKER_WORKER_TTL", "3m")
	t.Setenv("BROKER_WORKER_METRICS_ADDR", ":9091")

	cfg := Load(path)
	if cfg.Worker.BrokerURL != "http://from-env:8080" {
		t.Errorf("Worker.BrokerURL = %q, want the env override", cfg.Worker.BrokerURL)
	}
	if cfg.Worker.Processes != 7 {
		t.Errorf("Worker.Processes = %d, want the env override of 7", cfg.Worker.Processes)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Store.Driver = %q, want the env override, not the file's %q", cfg.Store.Driver, "sqlite")
	}
	if cfg.Store.DSN != "postgres://from-env/conduit" {
		t.Errorf("Store.DSN = %q, want the env override", cfg.Store.DSN)
	}
	if cfg.Broker.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("Broker.ListenAddr = %q, want the env override", cfg.Broker.ListenAddr)
	}
	if cfg.Broker.DefaultDeadline != 90*time.Second {
		t.Errorf("Broker.DefaultDeadline = %v, want the env override of 90s", cfg.Broker.DefaultDeadline)
	}
	if cfg.Broker.WorkerTTL != 3*time.Minute {
		t.Errorf("Broker.WorkerTTL = %v, want the env override of 3m", cfg.Broker.WorkerTTL)
	}
	if cfg.Worker.MetricsAddr != ":9091" {
		t.Errorf("Worker.MetricsAddr = %q, want the env override", cfg.Worker.MetricsAddr)
	}
}

func TestLoadIgnoresInvalidDurationEnv(t *testing.T) {
	t.Setenv("BROKER_LEASE_TTL", "not-a-duration")
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Broker.DefaultDeadline != Default().Broker.DefaultDeadline {
		t.Errorf("Broker.DefaultDeadline = %v, want the default preserved on an unparsable env value", cfg.Broker.DefaultDeadline)
	}
}

func TestLoadIgnoresInvalidWorkerProcessesEnv(t *testing.T) {
	t.Setenv("WORKER_PROCESSES", "not-a-number")
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Worker.Processes != Default().Worker.Processes {
		t.Errorf("Worker.Processes = %d, want the default preserved on an unparsable env value", cfg.Worker.Processes)
	}
}
