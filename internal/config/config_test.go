package config

import (
	"os"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "coinflow-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

func clearEnv() {
	os.Unsetenv("ALPACA_API_KEY")
	os.Unsetenv("ALPACA_API_SECRET")
	os.Unsetenv("APCA_API_KEY_ID")
	os.Unsetenv("APCA_API_SECRET_KEY")
	os.Unsetenv("SQLITE_PATH")
	os.Unsetenv("AUDIT_DIR")
	os.Unsetenv("LOG_LEVEL")
}

func TestLoadFull(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  sqlite_path: "/tmp/coinflow/coinflow.db"
  audit_dir: "/tmp/coinflow/audit"
logging:
  level: "debug"
  format: "json"
venues:
  alpaca:
    enabled: true
    api_key: "test-key"
    api_secret: "test-secret"
    base_url: "https://paper-api.alpaca.markets"
  simulator:
    enabled: true
    rate: "45000"
  fees:
    alpaca:
      taker_pct: "0.6"
      maker_pct: "0.3"
  priority: ["alpaca", "simulator"]
  auto_select: true
  rate_cache_ttl: 45s
  call_timeout: 10s
  alert_threshold: 3
conversion:
  spread_pct: "0.5"
  processing_fee_pct: "0.25"
  processing_fee_min: "0.23"
  max_amount: "50000"
  auto_approve_limit: "5000"
  max_slippage_pct: "2.0"
  retry_max_attempts: 3
  retry_delay: 30s
risk:
  amount_weight: 0.35
  volatility_weight: 0.25
  user_history_weight: 0.20
  venue_health_weight: 0.20
  medium_threshold: 40
  high_threshold: 70
  volatility_threshold: 5.0
  approve_by_amount: true
  approve_high_risk: true
`)

	clearEnv()
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.SQLitePath != "/tmp/coinflow/coinflow.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/coinflow/coinflow.db")
	}
	if cfg.Storage.AuditDir != "/tmp/coinflow/audit" {
		t.Errorf("Storage.AuditDir = %q, want %q", cfg.Storage.AuditDir, "/tmp/coinflow/audit")
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}

	// -- Venues --
	if !cfg.Venues.Alpaca.Enabled {
		t.Error("Venues.Alpaca.Enabled = false, want true")
	}
	if cfg.Venues.Alpaca.APIKey != "test-key" {
		t.Errorf("Venues.Alpaca.APIKey = %q, want %q", cfg.Venues.Alpaca.APIKey, "test-key")
	}
	if cfg.Venues.RateCacheTTL != 45*time.Second {
		t.Errorf("Venues.RateCacheTTL = %v, want 45s", cfg.Venues.RateCacheTTL)
	}
	if got := cfg.Venues.Fees["alpaca"].TakerPct; got != "0.6" {
		t.Errorf("Venues.Fees[alpaca].TakerPct = %q, want %q", got, "0.6")
	}
	if len(cfg.Venues.Priority) != 2 || cfg.Venues.Priority[0] != "alpaca" {
		t.Errorf("Venues.Priority = %v, want [alpaca simulator]", cfg.Venues.Priority)
	}

	// -- Conversion --
	if cfg.Conversion.AutoApproveLimit != "5000" {
		t.Errorf("Conversion.AutoApproveLimit = %q, want %q", cfg.Conversion.AutoApproveLimit, "5000")
	}
	if cfg.Conversion.RetryMaxAttempts != 3 {
		t.Errorf("Conversion.RetryMaxAttempts = %d, want 3", cfg.Conversion.RetryMaxAttempts)
	}
	if cfg.Conversion.RetryDelay != 30*time.Second {
		t.Errorf("Conversion.RetryDelay = %v, want 30s", cfg.Conversion.RetryDelay)
	}

	// -- Risk --
	if cfg.Risk.HighThreshold != 70 {
		t.Errorf("Risk.HighThreshold = %f, want 70", cfg.Risk.HighThreshold)
	}
	if !cfg.Risk.ApproveHighRisk {
		t.Error("Risk.ApproveHighRisk = false, want true")
	}
}

func TestLoadDefaults(t *testing.T) {
	// A near-empty file picks up operating defaults.
	path := writeTempConfig(t, `
storage:
  sqlite_path: "/tmp/x.db"
`)

	clearEnv()
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level default = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Venues.RateCacheTTL != 30*time.Second {
		t.Errorf("Venues.RateCacheTTL default = %v, want 30s", cfg.Venues.RateCacheTTL)
	}
	if cfg.Conversion.MaxSlippagePct != "2.0" {
		t.Errorf("Conversion.MaxSlippagePct default = %q, want %q", cfg.Conversion.MaxSlippagePct, "2.0")
	}
	if cfg.Venues.AlertThreshold != 3 {
		t.Errorf("Venues.AlertThreshold default = %d, want 3", cfg.Venues.AlertThreshold)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
venues:
  alpaca:
    api_key: "yaml-key"
    api_secret: "yaml-secret"
storage:
  sqlite_path: "/original/coinflow.db"
`)

	clearEnv()
	os.Setenv("ALPACA_API_KEY", "env-key")
	os.Setenv("SQLITE_PATH", "/env/coinflow.db")
	defer clearEnv()

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Venues.Alpaca.APIKey != "env-key" {
		t.Errorf("Venues.Alpaca.APIKey = %q, want %q (env override)", cfg.Venues.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Venues.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Venues.Alpaca.APISecret = %q, want %q (from YAML)", cfg.Venues.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.SQLitePath != "/env/coinflow.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q (env override)", cfg.Storage.SQLitePath, "/env/coinflow.db")
	}
}

func TestLoadRejectsBadWeights(t *testing.T) {
	path := writeTempConfig(t, `
risk:
  amount_weight: 0.5
  volatility_weight: 0.5
  user_history_weight: 0.5
  venue_health_weight: 0.5
`)

	clearEnv()
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted risk weights summing to 2.0")
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	path := writeTempConfig(t, `
risk:
  medium_threshold: 80
  high_threshold: 70
`)

	clearEnv()
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted medium_threshold above high_threshold")
	}
}
