package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

// go test -v --run TestLoadAppliesDefaults
func TestLoadAppliesDefaults(t *testing.T) {
	p := writeConfig(t, `
stream:
  url: "ws://localhost:8080/ws"
  routes: ["auto:BTC"]
log:
  level: "debug"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Stream.URL != "ws://localhost:8080/ws" || len(cfg.Stream.Routes) != 1 {
		t.Errorf("unexpected stream config %+v", cfg.Stream)
	}
	if cfg.Stream.IdleTimeout != 45*time.Second || cfg.Stream.MaxDelay != 30*time.Second {
		t.Errorf("stream defaults not applied: %+v", cfg.Stream)
	}
	if cfg.Buffer.RingCapacity != 5000 {
		t.Errorf("ring capacity = %d", cfg.Buffer.RingCapacity)
	}
	if cfg.Freshness.MaxSkew != 15*time.Second {
		t.Errorf("max skew = %s", cfg.Freshness.MaxSkew)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Archive.Timeframe != "1m" || cfg.Postgres.Port != 5432 {
		t.Errorf("archive/postgres defaults not applied: %+v %+v", cfg.Archive, cfg.Postgres)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	p := writeConfig(t, `
buffer:
  ring_capacity: 0
`)
	if _, err := Load(p); err == nil {
		t.Error("expected validation error for zero ring capacity")
	}

	p = writeConfig(t, `
archive:
  timeframe: "7m"
`)
	if _, err := Load(p); err == nil {
		t.Error("expected validation error for unknown timeframe")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	p := writeConfig(t, `
stream:
  url: "ws://from-file"
`)
	t.Setenv("STREAM_URL", "ws://from-env")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Stream.URL != "ws://from-env" {
		t.Errorf("env override ignored, url = %q", cfg.Stream.URL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestDSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "tickstream", SSLMode: "disable", TimeZone: "UTC"}
	want := "host=db port=5432 user=u password=p dbname=tickstream sslmode=disable TimeZone=UTC"
	if got := cfg.DSN("dev"); got != want {
		t.Errorf("DSN = %q", got)
	}
}
