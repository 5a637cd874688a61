package backtest

import (
	"context"

	"qlab/internal/market"
	"qlab/internal/strategy/signal"
)

// Runner executes complete backtests: validate, fetch, simulate.
type Runner struct {
	loader *DataLoader
}

// NewRunner creates a runner reading candles from source
func NewRunner(source market.Source) *Runner {
	return &Runner{loader: NewDataLoader(source)}
}

// Run is all-or-nothing: any error leaves no partial result.
func (r *Runner) Run(ctx context.Context, cfg Config) (*Result, error) {
	strategy, err := r.Prepare(cfg)
	if err != nil {
		return nil, err
	}
	candles, err := r.loader.LoadData(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return Simulate(cfg, strategy, candles)
}

// Prepare validates cfg and builds its strategy without touching the source.
func (r *Runner) Prepare(cfg Config) (signal.Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return signal.New(cfg.Strategy, cfg.Params)
}

// Load fetches the candles cfg refers to.
func (r *Runner) Load(ctx context.Context, cfg Config) ([]market.Candle, error) {
	return r.loader.LoadData(ctx, cfg)
}
