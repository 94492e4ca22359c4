package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAgentDefaults(t *testing.T) {
	cfg, err := LoadAgent(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadAgent() error: %v", err)
	}
	if cfg.Schedule.IntervalS != 900 {
		t.Errorf("default interval = %d, want 900", cfg.Schedule.IntervalS)
	}
	if cfg.Gateway.RetryMaxRetries != 3 {
		t.Errorf("default retry attempts = %d, want 3", cfg.Gateway.RetryMaxRetries)
	}
	if cfg.Gateway.RequestTimeout != 30 {
		t.Errorf("default request timeout = %d, want 30", cfg.Gateway.RequestTimeout)
	}
}

func TestLoadAgentFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	doc := `
gateway:
  url: https://gw.internal:9443
  ingest_token: file-token
schedule:
  interval_s: 120
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEDGER_INGEST_TOKEN", "env-token")

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() error: %v", err)
	}
	if cfg.Gateway.URL != "https://gw.internal:9443" {
		t.Errorf("url = %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.IngestToken != "env-token" {
		t.Errorf("env override lost: token = %q", cfg.Gateway.IngestToken)
	}
	if cfg.Schedule.IntervalS != 120 {
		t.Errorf("interval = %d, want 120", cfg.Schedule.IntervalS)
	}
}

func TestAgentValidate(t *testing.T) {
	cfg := DefaultAgentConfig()
	cfg.Gateway.URL = ""
	if err := cfg.Validate(); err != ErrMissingGatewayURL {
		t.Errorf("Validate() = %v, want ErrMissingGatewayURL", err)
	}

	cfg = DefaultAgentConfig()
	cfg.Schedule.IntervalS = 1
	if err := cfg.Validate(); err != ErrInvalidInterval {
		t.Errorf("Validate() = %v, want ErrInvalidInterval", err)
	}

	cfg = DefaultAgentConfig()
	cfg.Gateway.RetryMaxMs = 1 // below initial, must be repaired
	cfg.Schedule.BackoffMaxFactor = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.Gateway.RetryMaxMs < cfg.Gateway.RetryInitialMs {
		t.Error("retry max not clamped to initial")
	}
	if cfg.Schedule.BackoffMaxFactor != 4 {
		t.Errorf("backoff factor = %d, want repaired to 4", cfg.Schedule.BackoffMaxFactor)
	}
}

func TestServerValidateClampsStatusTTL(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Status.CacheTTLS = 600 // staleness bound is 60s
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.Status.CacheTTLS > 60 {
		t.Errorf("status TTL = %d, want <= 60", cfg.Status.CacheTTLS)
	}
}

func TestLoadPolicyFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file uses defaults", func(t *testing.T) {
		policy, err := LoadPolicyFile(filepath.Join(dir, "nope.yaml"))
		if err != nil {
			t.Fatalf("LoadPolicyFile() error: %v", err)
		}
		if policy.MinBatteryPercent != 70 || policy.MaxCPUTemperature != 45.0 || !policy.RequireScreenOff {
			t.Errorf("unexpected defaults: %+v", policy)
		}
		if !policy.RequireChargingOrHighBattery {
			t.Error("battery gate should default to enabled")
		}
	})

	t.Run("custom thresholds", func(t *testing.T) {
		path := filepath.Join(dir, "policy.yaml")
		doc := "min_battery_percent: 40\nmax_cpu_temperature: 50\nrequire_screen_off: false\n"
		if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
			t.Fatal(err)
		}
		policy, err := LoadPolicyFile(path)
		if err != nil {
			t.Fatalf("LoadPolicyFile() error: %v", err)
		}
		if policy.MinBatteryPercent != 40 || policy.MaxCPUTemperature != 50 || policy.RequireScreenOff {
			t.Errorf("policy = %+v", policy)
		}
	})

	t.Run("out of range battery rejected", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte("min_battery_percent: 150\n"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadPolicyFile(path); err == nil {
			t.Error("expected error for battery > 100")
		}
	})
}

func TestPolicyStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("min_battery_percent: 60\nmax_cpu_temperature: 45\n"), 0600); err != nil {
		t.Fatal(err)
	}

	store, err := NewPolicyStore(path)
	if err != nil {
		t.Fatalf("NewPolicyStore() error: %v", err)
	}
	if got := store.Current().MinBatteryPercent; got != 60 {
		t.Fatalf("initial min battery = %d, want 60", got)
	}

	if err := os.WriteFile(path, []byte("min_battery_percent: 30\nmax_cpu_temperature: 45\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if got := store.Current().MinBatteryPercent; got != 30 {
		t.Errorf("reloaded min battery = %d, want 30", got)
	}
}
