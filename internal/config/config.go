package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"qlab/internal/cache"
	"qlab/internal/database"
	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
	"qlab/internal/market"
	"qlab/internal/market/binance"
	"qlab/internal/strategy/backtest"
	"qlab/internal/strategy/montecarlo"
	"qlab/internal/strategy/optimizer"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "QLAB_"

// Market data sources.
const (
	SourceStatic = "static"
	SourceSpot   = "spot"
	SourceLinear = "linear"
)

// Config represents the application configuration
type Config struct {
	App        AppConfig          `yaml:"app"`
	Logging    logger.Config      `yaml:"logging"`
	Backtest   backtest.Config    `yaml:"backtest"`
	Optimizer  OptimizerConfig    `yaml:"optimizer"`
	MonteCarlo montecarlo.Options `yaml:"monte_carlo"`
	Market     MarketConfig       `yaml:"market"`
	Cache      cache.Config       `yaml:"cache"`
	Database   database.Config    `yaml:"database"`
	Monitoring MonitoringConfig   `yaml:"monitoring"`
	Scheduler  SchedulerConfig    `yaml:"scheduler"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// OptimizerConfig 网格优化配置
type OptimizerConfig struct {
	Ceiling       int `yaml:"ceiling"`
	TopN          int `yaml:"top_n"`
	Workers       int `yaml:"workers"` // 0 表示 CPU 核数
	ProgressEvery int `yaml:"progress_every"`
}

// MarketConfig selects and tunes the candle source.
type MarketConfig struct {
	Source  string               `yaml:"source"` // static, spot, linear
	CSVPath string               `yaml:"csv_path"`
	Binance binance.Config       `yaml:"binance"`
	Fetcher market.FetcherConfig `yaml:"fetcher"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// SchedulerConfig lists recurring optimizer sweeps.
type SchedulerConfig struct {
	Enabled bool        `yaml:"enabled"`
	Jobs    []JobConfig `yaml:"jobs"`
}

// JobConfig is one cron-triggered sweep. Schedule uses the six-field cron
// format with seconds.
type JobConfig struct {
	Name       string          `yaml:"name"`
	Schedule   string          `yaml:"schedule"`
	Strategy   string          `yaml:"strategy"`
	Symbol     string          `yaml:"symbol"`
	Timeframe  market.Interval `yaml:"timeframe"`
	PeriodDays int             `yaml:"period_days"`
}

// Default returns a configuration that runs offline-capable backtests
// against Binance spot data with an in-memory cache.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "qlab",
			Version:     "1.0.0",
			Environment: "development",
		},
		Logging:  logger.DefaultConfig,
		Backtest: backtest.DefaultConfig(),
		Optimizer: OptimizerConfig{
			Ceiling:       optimizer.DefaultCeiling,
			TopN:          optimizer.DefaultTopN,
			ProgressEvery: optimizer.DefaultProgressEvery,
		},
		MonteCarlo: montecarlo.DefaultOptions(),
		Market: MarketConfig{
			Source:  SourceSpot,
			Fetcher: market.DefaultFetcherConfig(),
		},
		Cache: cache.Config{
			Enabled:       true,
			Backend:       "memory",
			TTL:           5 * time.Minute,
			MemoryMaxSize: 256,
			RedisAddr:     "localhost:6379",
			RedisPoolSize: 10,
		},
		Database: database.Config{
			Host:    "localhost",
			Port:    5432,
			User:    "qlab",
			DBName:  "qlab",
			SSLMode: "disable",
			MaxOpen: 10,
			MaxIdle: 2,
			Timeout: 5 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// Load reads .env (if present), the YAML file at path (if non-empty) over
// the defaults, then QLAB_ environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidParameter, "failed to read config file", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidParameter, "failed to parse config file", path, err)
		}
	}

	cfg.ApplyEnv(NewEnvManager("", EnvPrefix))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. Secrets may be stored
// ENC:-prefixed.
func (c *Config) ApplyEnv(env *EnvManager) {
	c.App.Environment = env.GetString("ENV", c.App.Environment)

	c.Logging.Level = logger.LogLevel(env.GetString("LOG_LEVEL", string(c.Logging.Level)))
	c.Logging.Format = logger.LogFormat(env.GetString("LOG_FORMAT", string(c.Logging.Format)))
	c.Logging.SlowThreshold = env.GetDuration("LOG_SLOW_THRESHOLD", c.Logging.SlowThreshold)

	c.Backtest.Symbol = env.GetString("SYMBOL", c.Backtest.Symbol)
	c.Backtest.InitialCapital = env.GetFloat("INITIAL_CAPITAL", c.Backtest.InitialCapital)
	c.Optimizer.Workers = env.GetInt("OPTIMIZER_WORKERS", c.Optimizer.Workers)
	c.MonteCarlo.NumSimulations = env.GetInt("MC_SIMULATIONS", c.MonteCarlo.NumSimulations)

	c.Market.Source = env.GetString("MARKET_SOURCE", c.Market.Source)
	c.Market.CSVPath = env.GetString("MARKET_CSV", c.Market.CSVPath)
	c.Market.Binance.APIKey = env.GetEncryptedString("BINANCE_API_KEY", c.Market.Binance.APIKey)
	c.Market.Binance.APISecret = env.GetEncryptedString("BINANCE_API_SECRET", c.Market.Binance.APISecret)
	c.Market.Binance.Testnet = env.GetBool("BINANCE_TESTNET", c.Market.Binance.Testnet)

	c.Cache.Enabled = env.GetBool("CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.Backend = env.GetString("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.TTL = env.GetDuration("CACHE_TTL", c.Cache.TTL)
	c.Cache.RedisAddr = env.GetString("REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = env.GetEncryptedString("REDIS_PASSWORD", c.Cache.RedisPassword)

	c.Database.Enabled = env.GetBool("DATABASE_ENABLED", c.Database.Enabled)
	c.Database.Host = env.GetString("DATABASE_HOST", c.Database.Host)
	c.Database.Port = env.GetInt("DATABASE_PORT", c.Database.Port)
	c.Database.User = env.GetString("DATABASE_USER", c.Database.User)
	c.Database.Password = env.GetEncryptedString("DATABASE_PASSWORD", c.Database.Password)
	c.Database.DBName = env.GetString("DATABASE_NAME", c.Database.DBName)

	c.Monitoring.Enabled = env.GetBool("METRICS_ENABLED", c.Monitoring.Enabled)
	c.Monitoring.Addr = env.GetString("METRICS_ADDR", c.Monitoring.Addr)
}

// Validate aggregates every field error into one INVALID_PARAMETER error.
func (c *Config) Validate() error {
	return NewValidator(c).Validate()
}

// Apply copies the non-zero sweep settings onto o.
func (c OptimizerConfig) Apply(o *optimizer.Optimizer) {
	if c.Ceiling > 0 {
		o.Ceiling = c.Ceiling
	}
	if c.TopN > 0 {
		o.TopN = c.TopN
	}
	if c.Workers > 0 {
		o.Workers = c.Workers
	}
	if c.ProgressEvery > 0 {
		o.ProgressEvery = c.ProgressEvery
	}
}
