package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the coinflow engine.
type Config struct {
	Storage    Storage          `yaml:"storage"`
	Logging    Logging          `yaml:"logging"`
	Venues     Venues           `yaml:"venues"`
	Conversion ConversionConfig `yaml:"conversion"`
	Risk       RiskConfig       `yaml:"risk"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	AuditDir   string `yaml:"audit_dir"` // Parquet audit export root; empty disables export
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Venues configures trading-venue adapters and gateway behaviour.
type Venues struct {
	Alpaca    Alpaca                 `yaml:"alpaca"`
	Simulator Simulator              `yaml:"simulator"`
	Fees      map[string]FeeSchedule `yaml:"fees"` // per-venue fee schedules

	Priority        []string      `yaml:"priority"`       // selection order and tie-break
	AutoSelect      bool          `yaml:"auto_select"`    // pick the best rate across enabled venues
	RateCacheTTL    time.Duration `yaml:"rate_cache_ttl"` // indicative-rate cache lifetime
	BalanceStale    time.Duration `yaml:"balance_stale"`  // balance refresh threshold
	CallTimeout     time.Duration `yaml:"call_timeout"`   // per venue network call
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	AlertThreshold  int           `yaml:"alert_threshold"` // consecutive failures before operator alert
}

// Alpaca holds credentials and endpoints for the Alpaca venue adapter.
type Alpaca struct {
	Enabled   bool   `yaml:"enabled"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Simulator enables the in-memory paper-mode venue.
type Simulator struct {
	Enabled bool   `yaml:"enabled"`
	Rate    string `yaml:"rate"` // fixed indicative rate, decimal string
}

// FeeSchedule is a per-venue taker/maker fee schedule in percent.
type FeeSchedule struct {
	TakerPct string `yaml:"taker_pct"`
	MakerPct string `yaml:"maker_pct"`
}

// ConversionConfig defines pricing, fee, and retry parameters.
type ConversionConfig struct {
	SpreadPct        string        `yaml:"spread_pct"`         // protective margin applied to quotes
	ProcessingFeePct string        `yaml:"processing_fee_pct"` // percentage processing fee
	ProcessingFeeMin string        `yaml:"processing_fee_min"` // floor for the processing fee
	DefaultFeePct    string        `yaml:"default_fee_pct"`    // conservative fallback for unknown venues
	NetworkFee       string        `yaml:"network_fee"`        // flat per-conversion network fee
	MinAmount        string        `yaml:"min_amount"`         // fiat, global lower bound
	MaxAmount        string        `yaml:"max_amount"`         // fiat, global upper bound
	AutoApproveLimit string        `yaml:"auto_approve_limit"` // fiat ceiling for unattended conversions
	MaxSlippagePct   string        `yaml:"max_slippage_pct"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	QueueSize        int           `yaml:"queue_size"`
}

// RiskConfig defines the risk-weight vector and level thresholds.
type RiskConfig struct {
	AmountWeight      float64 `yaml:"amount_weight"`
	VolatilityWeight  float64 `yaml:"volatility_weight"`
	UserHistoryWeight float64 `yaml:"user_history_weight"`
	VenueHealthWeight float64 `yaml:"venue_health_weight"`

	MediumThreshold     float64 `yaml:"medium_threshold"`
	HighThreshold       float64 `yaml:"high_threshold"`
	VolatilityThreshold float64 `yaml:"volatility_threshold"`

	ApproveByAmount bool `yaml:"approve_by_amount"` // amount ceiling gates approval
	ApproveHighRisk bool `yaml:"approve_high_risk"` // high risk level always gates approval
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults returns a Config pre-filled with safe operating values; the YAML
// file only needs to state what differs.
func defaults() *Config {
	return &Config{
		Storage: Storage{SQLitePath: "coinflow.db"},
		Logging: Logging{Level: "info", Format: "json"},
		Venues: Venues{
			Priority:        []string{"alpaca", "simulator"},
			AutoSelect:      true,
			RateCacheTTL:    30 * time.Second,
			BalanceStale:    5 * time.Minute,
			CallTimeout:     15 * time.Second,
			RateLimitPerMin: 120,
			AlertThreshold:  3,
		},
		Conversion: ConversionConfig{
			SpreadPct:        "0.5",
			ProcessingFeePct: "0.25",
			ProcessingFeeMin: "0.23",
			DefaultFeePct:    "1.0",
			NetworkFee:       "0",
			MinAmount:        "1",
			MaxAmount:        "50000",
			AutoApproveLimit: "5000",
			MaxSlippagePct:   "2.0",
			RetryMaxAttempts: 3,
			RetryDelay:       30 * time.Second,
			QueueSize:        256,
		},
		Risk: RiskConfig{
			AmountWeight:        0.35,
			VolatilityWeight:    0.25,
			UserHistoryWeight:   0.20,
			VenueHealthWeight:   0.20,
			MediumThreshold:     40,
			HighThreshold:       70,
			VolatilityThreshold: 5.0,
			ApproveByAmount:     true,
			ApproveHighRisk:     true,
		},
	}
}

// validate rejects configurations the engine cannot run with.
func (c *Config) validate() error {
	w := c.Risk.AmountWeight + c.Risk.VolatilityWeight + c.Risk.UserHistoryWeight + c.Risk.VenueHealthWeight
	if w < 0.999 || w > 1.001 {
		return fmt.Errorf("risk weights must sum to 1, got %.3f", w)
	}
	if c.Risk.MediumThreshold >= c.Risk.HighThreshold {
		return fmt.Errorf("risk medium_threshold (%.0f) must be below high_threshold (%.0f)",
			c.Risk.MediumThreshold, c.Risk.HighThreshold)
	}
	if c.Conversion.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry_max_attempts must not be negative")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("AUDIT_DIR"); v != "" {
		cfg.Storage.AuditDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Venues.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Venues.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Venues.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Venues.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Venues.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Venues.Alpaca.APISecret = v
	}
}
