package config

import (
	"os"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GATEWAY_URL", "http://localhost:3001")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.LedgerBackend != LedgerBackendFile {
		t.Errorf("LedgerBackend = %s, want file", cfg.LedgerBackend)
	}
	if cfg.DelayMin != 25*time.Second || cfg.DelayMax != 35*time.Second {
		t.Errorf("delay range = [%s, %s], want [25s, 35s]", cfg.DelayMin, cfg.DelayMax)
	}
	if cfg.LongBreakEveryMin != 93 || cfg.LongBreakEveryMax != 100 {
		t.Errorf("long break every = [%d, %d], want [93, 100]", cfg.LongBreakEveryMin, cfg.LongBreakEveryMax)
	}
	if cfg.LongBreakMin != 10*time.Minute || cfg.LongBreakMax != 15*time.Minute {
		t.Errorf("long break = [%s, %s], want [10m, 15m]", cfg.LongBreakMin, cfg.LongBreakMax)
	}
	if cfg.SendCapPerWindow != 0 {
		t.Errorf("SendCapPerWindow = %d, want 0", cfg.SendCapPerWindow)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DELAY_MIN", "1s")
	t.Setenv("DELAY_MAX", "2s")
	t.Setenv("LEDGER_BACKEND", " Redis ")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.APIPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.DelayMin != time.Second || cfg.DelayMax != 2*time.Second {
		t.Errorf("delay range = [%s, %s], want [1s, 2s]", cfg.DelayMin, cfg.DelayMax)
	}
	if cfg.LedgerBackend != LedgerBackendRedis {
		t.Errorf("LedgerBackend = %s, want redis", cfg.LedgerBackend)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("GATEWAY_URL", "placeholder")
	if err := os.Unsetenv("GATEWAY_URL"); err != nil {
		t.Fatalf("Unsetenv() error = %v", err)
	}

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
}

func TestLoad_BackendRequiresConnection(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LEDGER_BACKEND", "postgres")
	t.Setenv("DATABASE_DSN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for postgres ledger without DATABASE_DSN")
	}
}

func TestValidate_Ranges(t *testing.T) {
	base := Config{
		GatewayURL:        "http://localhost:3001",
		LedgerBackend:     LedgerBackendFile,
		LedgerPath:        "sent.json",
		DelayMin:          time.Second,
		DelayMax:          2 * time.Second,
		LongBreakEveryMin: 1,
		LongBreakEveryMax: 2,
		LongBreakMin:      time.Second,
		LongBreakMax:      time.Second,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "inverted delay", mutate: func(c *Config) { c.DelayMax = 0 }},
		{name: "zero break threshold", mutate: func(c *Config) { c.LongBreakEveryMin = 0 }},
		{name: "inverted long break", mutate: func(c *Config) { c.LongBreakMin = time.Hour }},
		{name: "blank gateway", mutate: func(c *Config) { c.GatewayURL = " " }},
		{name: "unknown backend", mutate: func(c *Config) { c.LedgerBackend = "s3" }},
		{name: "cap without window", mutate: func(c *Config) { c.SendCapPerWindow = 5; c.SendCapWindow = 0 }},
	}

	for _, tt := range tests {
		cfg := base
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}
