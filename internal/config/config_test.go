package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
dry_run: true
strategies:
  zero_dte: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.Timeout != 10*time.Second {
		t.Errorf("broker timeout default = %v", cfg.Broker.Timeout)
	}
	if cfg.Engine.PersistSpec != "@every 1m" {
		t.Errorf("persist spec default = %q", cfg.Engine.PersistSpec)
	}
	if len(cfg.MarketData.Symbols) == 0 {
		t.Error("symbols default missing")
	}
	if !cfg.Strategies.ZeroDTE {
		t.Error("zero_dte flag lost")
	}
}

func TestValidateRequiresBrokerOutsideDryRun(t *testing.T) {
	path := writeConfig(t, `
dry_run: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure without broker endpoint")
	}
}

func TestEnvOverridesToken(t *testing.T) {
	t.Setenv("CONDOR_API_TOKEN", "tok-from-env")
	path := writeConfig(t, `
dry_run: true
broker:
  api_token: tok-from-file
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.APIToken != "tok-from-env" {
		t.Errorf("token = %q, want env override", cfg.Broker.APIToken)
	}
}
