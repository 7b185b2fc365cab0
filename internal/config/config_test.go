package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runner.Workers != 4 {
		t.Fatalf("expected default workers 4, got %d", cfg.Runner.Workers)
	}
	if cfg.Dispatch.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Server.Address != ":8092" {
		t.Fatalf("unexpected default address %q", cfg.Server.Address)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
server:
  address: ":9900"
runner:
  workers: 8
  runTimeout: 30s
connections:
  warehouse:
    type: postgres
    host: db.internal
    port: 5432
    user: reader
    database: analytics
logging:
  level: debug
  json: true
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9900" {
		t.Fatalf("server address not applied: %q", cfg.Server.Address)
	}
	if cfg.Runner.Workers != 8 || cfg.Runner.RunTimeout != 30*time.Second {
		t.Fatalf("runner config not applied: %+v", cfg.Runner)
	}
	conn, ok := cfg.Connections["warehouse"]
	if !ok {
		t.Fatal("expected warehouse connection")
	}
	if conn.Type != "postgres" || conn.Host != "db.internal" {
		t.Fatalf("unexpected connection config: %+v", conn)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging level not applied: %q", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@host:5432/dq")
	t.Setenv("WORKER_COUNT", "12")
	t.Setenv("PORT", "7001")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://u:p@host:5432/dq" {
		t.Fatalf("database override missing: %q", cfg.Database.DSN)
	}
	if cfg.Runner.Workers != 12 {
		t.Fatalf("worker override missing: %d", cfg.Runner.Workers)
	}
	if cfg.Server.Address != ":7001" {
		t.Fatalf("port override missing: %q", cfg.Server.Address)
	}
}
