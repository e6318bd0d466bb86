package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir()) // keep a developer .env out of the test

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Database.Host != "localhost" || cfg.Database.Port != 5432 {
		t.Errorf("database = %s:%d, want localhost:5432", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Database.Schema != "meteorology" {
		t.Errorf("schema = %q, want meteorology", cfg.Database.Schema)
	}
	if cfg.Ingestion.PollInterval != 10*time.Minute {
		t.Errorf("poll interval = %v, want 10m", cfg.Ingestion.PollInterval)
	}
	if cfg.Ingestion.RestartDelay != 3*time.Second {
		t.Errorf("restart delay = %v, want 3s", cfg.Ingestion.RestartDelay)
	}
	if cfg.Remote.RetryDelay != 10*time.Second {
		t.Errorf("retry delay = %v, want 10s", cfg.Remote.RetryDelay)
	}
	if len(cfg.Stations) != 2 || cfg.Stations[0] != "mythenquai" {
		t.Errorf("stations = %v", cfg.Stations)
	}
	if !cfg.Ingestion.EmptyStationStart.IsZero() {
		t.Errorf("EmptyStationStart should default to zero, got %v", cfg.Ingestion.EmptyStationStart)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DB_HOST", "influx.internal")
	t.Setenv("DB_PORT", "15432")
	t.Setenv("POLL_INTERVAL", "1m")
	t.Setenv("FORCE_QUERY_LAST_ENTRY", "true")
	t.Setenv("BACKFILL_START", "2022-10-01")
	t.Setenv("REMOTE_BASE_URL", "http://localhost:8080/")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Database.Host != "influx.internal" || cfg.Database.Port != 15432 {
		t.Errorf("database = %s:%d", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Ingestion.PollInterval != time.Minute {
		t.Errorf("poll interval = %v", cfg.Ingestion.PollInterval)
	}
	if !cfg.Ingestion.ForceQueryLastEntry {
		t.Error("ForceQueryLastEntry should be true")
	}
	if want := time.Date(2022, 10, 1, 0, 0, 0, 0, time.UTC); !cfg.Ingestion.EmptyStationStart.Equal(want) {
		t.Errorf("EmptyStationStart = %v, want %v", cfg.Ingestion.EmptyStationStart, want)
	}
	if cfg.Remote.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q, trailing slash should be trimmed", cfg.Remote.BaseURL)
	}
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DB_PORT", "not-a-port")
	t.Setenv("POLL_INTERVAL", "soon")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("expected error for invalid values")
	}
	for _, key := range []string{"DB_PORT", "POLL_INTERVAL"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q should mention %s", err, key)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	chdir(t, t.TempDir())
	base, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no stations", func(c *Config) { c.Stations = nil }},
		{"bad db port", func(c *Config) { c.Database.Port = 0 }},
		{"no schema", func(c *Config) { c.Database.Schema = "" }},
		{"zero poll interval", func(c *Config) { c.Ingestion.PollInterval = 0 }},
		{"zero retry delay", func(c *Config) { c.Remote.RetryDelay = 0 }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestConfig_HasStation(t *testing.T) {
	cfg := &Config{Stations: []string{"mythenquai"}}
	if !cfg.HasStation("mythenquai") || cfg.HasStation("zurich") {
		t.Error("HasStation mismatch")
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%q): %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore Chdir(%q): %v", prev, err)
		}
	})
}
