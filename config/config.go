package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	ExchangeConfig  ExchangeConfig  `json:"exchange"`
	RateGateConfig  RateGateConfig  `json:"rate_gate"`
	CacheConfig     CacheConfig     `json:"cache"`
	SchedulerConfig SchedulerConfig `json:"scheduler"`
	SafetyConfig    SafetyConfig    `json:"safety"`
	TrancheConfig   TrancheConfig   `json:"tranches"`
	ServerConfig    ServerConfig    `json:"server"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	RedisConfig     RedisConfig     `json:"redis"`
	VaultConfig     VaultConfig     `json:"vault"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// ExchangeConfig holds upstream exchange connection settings
type ExchangeConfig struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	BaseURL   string `json:"base_url"`
	MockMode  bool   `json:"mock_mode"` // Use simulated data when the exchange is unavailable
}

// RateGateConfig holds the global upstream call budget
type RateGateConfig struct {
	RatePerMinute int `json:"rate_limit_per_minute"`
	Burst         int `json:"rate_limit_burst"`
}

// CacheConfig holds per-kind cache TTLs in milliseconds
type CacheConfig struct {
	TickerTTLMs   int `json:"ticker_ttl_ms"`
	CandlesTTLMs  int `json:"candles_ttl_ms"`
	AccountsTTLMs int `json:"accounts_ttl_ms"`
	BalanceTTLMs  int `json:"balance_ttl_ms"`
}

// SchedulerConfig holds tick cadences and evaluator parallelism
type SchedulerConfig struct {
	FastTickMs            int `json:"fast_tick_ms"`
	SlowTickMs            int `json:"slow_tick_ms"`
	EvaluatorParallelism  int `json:"evaluator_parallelism"`
	DecisionRetentionDays int `json:"decision_retention_days"`
}

// SafetyConfig holds global pre-trade limits
type SafetyConfig struct {
	MaxActivePositions int     `json:"max_active_positions"`
	MaxDailyTrades     int     `json:"max_daily_trades"`
	MaxDailyLossUSD    float64 `json:"max_daily_loss_usd"`
	MinTemperature     string  `json:"min_temperature"` // reject below this (e.g. "warm")
}

// TrancheConfig holds position tranche limits and close ordering
type TrancheConfig struct {
	MinTrancheUSD       float64 `json:"min_tranche_usd"`
	MaxPositionTranches int     `json:"max_position_tranches"`
	TrancheCooldownMin  int     `json:"tranche_cooldown_min"`
	CloseOrder          string  `json:"close_order"` // "fifo" or "lowest_entry_first"
	TemperatureSizing   bool    `json:"temperature_sizing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	ProductionMode  bool   `json:"production_mode"` // release-mode HTTP framework
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the optional external cache backend
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds the optional credential source for exchange API keys
type VaultConfig struct {
	Enabled   bool   `json:"enabled"`
	Address   string `json:"address"`
	Token     string `json:"token"`
	MountPath string `json:"mount_path"`
	SecretKey string `json:"secret_key"` // path under the mount, e.g. "exchange/credentials"
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON output instead of console
}

// Load reads configuration from the file named by CONFIG_FILE (default
// config.json), applies environment overrides, fills defaults and validates.
// A missing config file is not an error; defaults plus env apply.
func Load() (*Config, error) {
	cfg := &Config{}

	path := getEnv("CONFIG_FILE", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.ExchangeConfig.APIKey = getEnv("EXCHANGE_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.APISecret = getEnv("EXCHANGE_API_SECRET", cfg.ExchangeConfig.APISecret)
	cfg.ExchangeConfig.BaseURL = getEnv("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)

	cfg.DatabaseConfig.Host = getEnv("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvInt("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnv("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnv("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnv("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnv("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Address = getEnv("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnv("REDIS_PASSWORD", cfg.RedisConfig.Password)

	cfg.VaultConfig.Address = getEnv("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnv("VAULT_TOKEN", cfg.VaultConfig.Token)

	cfg.LoggingConfig.Level = getEnv("LOG_LEVEL", cfg.LoggingConfig.Level)
}

func applyDefaults(cfg *Config) {
	if cfg.RateGateConfig.RatePerMinute == 0 {
		cfg.RateGateConfig.RatePerMinute = 10
	}
	if cfg.RateGateConfig.Burst == 0 {
		cfg.RateGateConfig.Burst = cfg.RateGateConfig.RatePerMinute
	}

	if cfg.CacheConfig.TickerTTLMs == 0 {
		cfg.CacheConfig.TickerTTLMs = 30_000
	}
	if cfg.CacheConfig.CandlesTTLMs == 0 {
		cfg.CacheConfig.CandlesTTLMs = 300_000
	}
	if cfg.CacheConfig.AccountsTTLMs == 0 {
		cfg.CacheConfig.AccountsTTLMs = 120_000
	}
	if cfg.CacheConfig.BalanceTTLMs == 0 {
		cfg.CacheConfig.BalanceTTLMs = 60_000
	}

	if cfg.SchedulerConfig.FastTickMs == 0 {
		cfg.SchedulerConfig.FastTickMs = 5_000
	}
	if cfg.SchedulerConfig.SlowTickMs == 0 {
		cfg.SchedulerConfig.SlowTickMs = 60_000
	}
	if cfg.SchedulerConfig.EvaluatorParallelism == 0 {
		cfg.SchedulerConfig.EvaluatorParallelism = 4
	}
	if cfg.SchedulerConfig.DecisionRetentionDays == 0 {
		cfg.SchedulerConfig.DecisionRetentionDays = 30
	}

	if cfg.SafetyConfig.MaxActivePositions == 0 {
		cfg.SafetyConfig.MaxActivePositions = 10
	}
	if cfg.SafetyConfig.MaxDailyTrades == 0 {
		cfg.SafetyConfig.MaxDailyTrades = 50
	}
	if cfg.SafetyConfig.MaxDailyLossUSD == 0 {
		cfg.SafetyConfig.MaxDailyLossUSD = 500
	}
	if cfg.SafetyConfig.MinTemperature == "" {
		cfg.SafetyConfig.MinTemperature = "warm"
	}

	if cfg.TrancheConfig.MinTrancheUSD == 0 {
		cfg.TrancheConfig.MinTrancheUSD = 10
	}
	if cfg.TrancheConfig.MaxPositionTranches == 0 {
		cfg.TrancheConfig.MaxPositionTranches = 4
	}
	if cfg.TrancheConfig.CloseOrder == "" {
		cfg.TrancheConfig.CloseOrder = "fifo"
	}

	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 30
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 30
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 15
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.User == "" {
		cfg.DatabaseConfig.User = "botfleet"
	}
	if cfg.DatabaseConfig.Database == "" {
		cfg.DatabaseConfig.Database = "botfleet"
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretKey == "" {
		cfg.VaultConfig.SecretKey = "exchange/credentials"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

// Validate rejects configurations that would break engine invariants.
func (c *Config) Validate() error {
	if c.RateGateConfig.RatePerMinute < 1 {
		return fmt.Errorf("rate_limit_per_minute must be >= 1, got %d", c.RateGateConfig.RatePerMinute)
	}
	if c.RateGateConfig.Burst < 1 {
		return fmt.Errorf("rate_limit_burst must be >= 1, got %d", c.RateGateConfig.Burst)
	}
	if c.SchedulerConfig.FastTickMs < 1000 {
		return fmt.Errorf("fast_tick_ms must be >= 1000, got %d", c.SchedulerConfig.FastTickMs)
	}
	if c.SchedulerConfig.SlowTickMs < c.SchedulerConfig.FastTickMs {
		return fmt.Errorf("slow_tick_ms (%d) must be >= fast_tick_ms (%d)",
			c.SchedulerConfig.SlowTickMs, c.SchedulerConfig.FastTickMs)
	}
	if c.TrancheConfig.CloseOrder != "fifo" && c.TrancheConfig.CloseOrder != "lowest_entry_first" {
		return fmt.Errorf("close_order must be fifo or lowest_entry_first, got %q", c.TrancheConfig.CloseOrder)
	}
	switch c.SafetyConfig.MinTemperature {
	case "frozen", "cool", "warm", "hot":
	default:
		return fmt.Errorf("min_temperature must be one of frozen/cool/warm/hot, got %q", c.SafetyConfig.MinTemperature)
	}
	return nil
}

// FastTick returns the fast tick interval as a duration.
func (c *Config) FastTick() time.Duration {
	return time.Duration(c.SchedulerConfig.FastTickMs) * time.Millisecond
}

// SlowTick returns the slow tick interval as a duration.
func (c *Config) SlowTick() time.Duration {
	return time.Duration(c.SchedulerConfig.SlowTickMs) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
