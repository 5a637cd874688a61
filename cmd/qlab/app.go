package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"qlab/internal/cache"
	"qlab/internal/config"
	"qlab/internal/database"
	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
	"qlab/internal/market"
	"qlab/internal/market/binance"
	"qlab/internal/monitoring"
	"qlab/internal/service"
	"qlab/internal/strategy/backtest"
	"qlab/internal/strategy/signal"
)

// commonFlags are shared by every command that runs strategies.
type commonFlags struct {
	configPath  string
	csvPath     string
	metricsAddr string

	strategy  string
	params    string
	symbol    string
	timeframe string
	days      int
	capital   float64
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.csvPath, "csv", "", "read candles from a CSV file instead of the exchange")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&f.strategy, "strategy", "", "strategy kind (ema_cross, rsi_reversal, bollinger, ...)")
	fs.StringVar(&f.params, "params", "", "strategy parameters as name=value pairs, comma separated")
	fs.StringVar(&f.symbol, "symbol", "", "trading pair, e.g. BTCUSDT")
	fs.StringVar(&f.timeframe, "timeframe", "", "candle interval, e.g. 1h")
	fs.IntVar(&f.days, "days", 0, "history length in days")
	fs.Float64Var(&f.capital, "capital", 0, "initial capital")
}

// backtestConfig applies the command-line overrides to the configured base.
func (f *commonFlags) backtestConfig(base backtest.Config) (backtest.Config, error) {
	cfg := base
	if f.strategy != "" {
		cfg.Strategy = signal.Kind(f.strategy)
		cfg.Params = nil
	}
	if f.params != "" {
		params, err := parseParams(f.params)
		if err != nil {
			return cfg, err
		}
		cfg = cfg.WithParams(params)
	}
	if f.symbol != "" {
		cfg.Symbol = f.symbol
	}
	if f.timeframe != "" {
		cfg.Timeframe = market.Interval(f.timeframe)
	}
	if f.days > 0 {
		cfg.PeriodDays = f.days
	}
	if f.capital > 0 {
		cfg.InitialCapital = f.capital
	}
	return cfg, nil
}

// parseParams reads "fast=12,slow=26".
func parseParams(s string) (map[string]float64, error) {
	params := make(map[string]float64)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidParameter, "expected name=value", pair, nil)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidParameter, "invalid parameter value", pair, err)
		}
		params[strings.TrimSpace(name)] = v
	}
	return params, nil
}

// app holds the wired components for one command invocation.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	metrics *monitoring.Metrics
	repo    database.Repository
	lab     *service.Lab
	server  *monitoring.Server

	closers []func() error
}

func loadConfig(f *commonFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.csvPath != "" {
		cfg.Market.Source = config.SourceStatic
		cfg.Market.CSVPath = f.csvPath
	}
	if f.metricsAddr != "" {
		cfg.Monitoring.Enabled = true
		cfg.Monitoring.Addr = f.metricsAddr
	}
	return cfg, nil
}

func newApp(ctx context.Context, f *commonFlags) (*app, error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, err
	}

	logger.Init(cfg.Logging)
	log := logger.Default()

	a := &app{cfg: cfg, log: log, metrics: monitoring.NewMetrics()}

	source, err := a.buildSource()
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildRepository(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.lab = service.NewLab(source, a.repo, a.metrics, log)
	a.lab.SetSlowThreshold(cfg.Logging.SlowThreshold)
	cfg.Optimizer.Apply(a.lab.Optimizer())

	if cfg.Monitoring.Enabled {
		a.server = monitoring.NewServer(cfg.Monitoring.Addr, cfg.Monitoring.Path, a.metrics, log)
		if err := a.server.Start(); err != nil {
			a.Close()
			return nil, err
		}
	}

	log.Debug("Application wired",
		"source", cfg.Market.Source,
		"cache", cfg.Cache.Enabled,
		"database", cfg.Database.Enabled,
		"metrics", cfg.Monitoring.Enabled)
	return a, nil
}

// buildSource wraps the configured candle source in a rate-limited, retrying,
// cached fetcher.
func (a *app) buildSource() (market.Source, error) {
	var (
		raw market.Source
		c   cache.Cache
	)
	fcfg := a.cfg.Market.Fetcher
	fcfg.Name = a.cfg.Market.Source

	switch a.cfg.Market.Source {
	case config.SourceStatic:
		candles, err := readCSV(a.cfg.Market.CSVPath)
		if err != nil {
			return nil, err
		}
		raw = market.NewStaticSource(candles)
		fcfg.RequestsPerSec = 0
	case config.SourceSpot:
		raw = binance.NewSpotSource(a.cfg.Market.Binance, a.log)
	case config.SourceLinear:
		src, err := binance.NewLinearSource(a.cfg.Market.Binance, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, src.Close)
		raw = src
	default:
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidParameter, "unknown market source", a.cfg.Market.Source, nil)
	}

	if a.cfg.Market.Source != config.SourceStatic {
		if c = cache.New(a.cfg.Cache, a.log); c != nil {
			a.closers = append(a.closers, c.Close)
			if fcfg.CacheTTL <= 0 {
				fcfg.CacheTTL = a.cfg.Cache.TTL
			}
		}
	}
	return market.NewFetcher(raw, fcfg, c, a.log).WithObserver(a.metrics), nil
}

func readCSV(path string) ([]market.Candle, error) {
	if path == "" {
		return nil, apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "static source needs a CSV path")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDataUnavailable, "failed to open candle file", path, err)
	}
	defer file.Close()
	return market.LoadCSV(file)
}

func (a *app) buildRepository(ctx context.Context) error {
	if !a.cfg.Database.Enabled {
		a.repo = database.NewMemoryRepository()
		return nil
	}

	if a.cfg.Database.MigrateOnStart {
		if err := migrateUp(ctx, &a.cfg.Database, a.log); err != nil {
			return err
		}
	}

	db, err := database.NewConnection(ctx, &a.cfg.Database, a.log)
	if err != nil {
		return err
	}
	db.SetMonitorCallback(a.metrics.ObservePool)
	a.closers = append(a.closers, db.Close)
	a.repo = database.NewPostgresRepository(db)
	return nil
}

// migrateUp applies pending migrations on a dedicated connection, which the
// migrator closes.
func migrateUp(ctx context.Context, cfg *database.Config, log logger.Logger) error {
	db, err := database.NewConnection(ctx, cfg, log)
	if err != nil {
		return err
	}
	m, err := database.NewMigrator(db, log)
	if err != nil {
		db.Close()
		return err
	}
	defer m.Close()
	return m.Up()
}

// Close stops the metrics server and releases resources in reverse order.
func (a *app) Close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.server.Stop(ctx); err != nil {
			a.log.Warn("Failed to stop metrics server", "error", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("Failed to release resource", "error", err)
		}
	}
	a.closers = nil
}
