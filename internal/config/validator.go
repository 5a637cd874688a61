package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
	"qlab/internal/market"
	"qlab/internal/strategy/signal"
)

// Validator 配置验证器
type Validator struct {
	config *Config
	errors []string
}

// NewValidator 创建配置验证器
func NewValidator(config *Config) *Validator {
	return &Validator{config: config}
}

// Validate 验证配置
func (v *Validator) Validate() error {
	v.errors = nil

	v.check("app", v.validateApp())
	v.check("logging", v.validateLogging())
	v.check("backtest", v.config.Backtest.Validate())
	v.check("optimizer", v.validateOptimizer())
	v.check("monte_carlo", v.validateMonteCarlo())
	v.check("market", v.validateMarket())
	v.check("cache", v.validateCache())
	v.check("database", v.validateDatabase())
	v.check("monitoring", v.validateMonitoring())
	v.check("scheduler", v.validateScheduler())

	if len(v.errors) > 0 {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidParameter,
			"configuration validation failed", strings.Join(v.errors, "; "), nil)
	}
	return nil
}

func (v *Validator) check(section string, err error) {
	if err != nil {
		v.errors = append(v.errors, fmt.Sprintf("%s: %v", section, err))
	}
}

// validateApp 验证应用配置
func (v *Validator) validateApp() error {
	app := v.config.App
	if app.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch app.Environment {
	case "development", "test", "staging", "production":
		return nil
	}
	return fmt.Errorf("invalid environment %q", app.Environment)
}

func (v *Validator) validateLogging() error {
	switch v.config.Logging.Level {
	case logger.LevelTrace, logger.LevelDebug, logger.LevelInfo, logger.LevelWarn, logger.LevelError, logger.LevelFatal:
	default:
		return fmt.Errorf("invalid level %q", v.config.Logging.Level)
	}
	if v.config.Logging.Output == "file" && v.config.Logging.Filename == "" {
		return fmt.Errorf("filename is required for file output")
	}
	return nil
}

func (v *Validator) validateOptimizer() error {
	o := v.config.Optimizer
	if o.Ceiling < 0 || o.TopN < 0 || o.Workers < 0 || o.ProgressEvery < 0 {
		return fmt.Errorf("values must not be negative")
	}
	return nil
}

func (v *Validator) validateMonteCarlo() error {
	mc := v.config.MonteCarlo
	if mc.NumSimulations < 0 {
		return fmt.Errorf("num_simulations must not be negative")
	}
	for _, level := range mc.ConfidenceLevels {
		if level < 0 || level > 100 {
			return fmt.Errorf("confidence level %v outside [0, 100]", level)
		}
	}
	return nil
}

func (v *Validator) validateMarket() error {
	m := v.config.Market
	switch m.Source {
	case SourceStatic:
		if m.CSVPath == "" {
			return fmt.Errorf("csv_path is required for the static source")
		}
	case SourceSpot, SourceLinear:
	default:
		return fmt.Errorf("unknown source %q", m.Source)
	}
	if m.Fetcher.RequestsPerSec < 0 {
		return fmt.Errorf("requests_per_sec must not be negative")
	}
	return nil
}

func (v *Validator) validateCache() error {
	c := v.config.Cache
	if !c.Enabled {
		return nil
	}
	switch c.Backend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

func (v *Validator) validateDatabase() error {
	db := v.config.Database
	if !db.Enabled {
		return nil
	}
	if db.Host == "" || db.DBName == "" || db.User == "" {
		return fmt.Errorf("host, dbname and user are required")
	}
	if db.Port <= 0 || db.Port > 65535 {
		return fmt.Errorf("invalid port %d", db.Port)
	}
	return nil
}

func (v *Validator) validateMonitoring() error {
	m := v.config.Monitoring
	if m.Enabled && m.Addr == "" {
		return fmt.Errorf("addr is required when enabled")
	}
	return nil
}

func (v *Validator) validateScheduler() error {
	s := v.config.Scheduler
	if !s.Enabled {
		return nil
	}
	if len(s.Jobs) == 0 {
		return fmt.Errorf("at least one job is required when enabled")
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	names := make(map[string]bool, len(s.Jobs))
	for i, job := range s.Jobs {
		if job.Name == "" {
			return fmt.Errorf("job %d: name is required", i)
		}
		if names[job.Name] {
			return fmt.Errorf("job %q: duplicate name", job.Name)
		}
		names[job.Name] = true
		if _, err := parser.Parse(job.Schedule); err != nil {
			return fmt.Errorf("job %q: invalid schedule: %v", job.Name, err)
		}
		if _, err := signal.Defaults(signal.Kind(job.Strategy)); err != nil {
			return fmt.Errorf("job %q: %v", job.Name, err)
		}
		if job.Timeframe != "" {
			if _, err := market.ParseInterval(string(job.Timeframe)); err != nil {
				return fmt.Errorf("job %q: %v", job.Name, err)
			}
		}
	}
	return nil
}
