package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"qlab/internal/database"
	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
	"qlab/internal/market"
	"qlab/internal/monitoring"
	"qlab/internal/strategy/backtest"
	"qlab/internal/strategy/montecarlo"
	"qlab/internal/strategy/optimizer"
)

// BacktestRun is a stored backtest with its result.
type BacktestRun struct {
	ID     string           `json:"id"`
	Result *backtest.Result `json:"result"`
}

// OptimizationRun is a stored optimizer sweep.
type OptimizationRun struct {
	ID      string             `json:"id"`
	Outcome *optimizer.Outcome `json:"outcome"`
}

// MonteCarloRun is a stored Monte Carlo batch. SourceRunID names the
// backtest the trades came from.
type MonteCarloRun struct {
	ID          string             `json:"id"`
	SourceRunID string             `json:"source_run_id"`
	Result      *montecarlo.Result `json:"result"`
}

// Lab runs backtests, sweeps and simulations, persists each one and records
// metrics. All dependencies are injected.
type Lab struct {
	runner    *backtest.Runner
	optimizer *optimizer.Optimizer
	simulator *montecarlo.Simulator
	repo      database.Repository
	metrics   *monitoring.Metrics
	log       logger.Logger
	perf      *logger.PerformanceLogger
	now       func() time.Time
}

// NewLab wires a lab over source. A nil repo keeps runs in memory; nil
// metrics records nothing.
func NewLab(source market.Source, repo database.Repository, metrics *monitoring.Metrics, log logger.Logger) *Lab {
	log = logger.OrDefault(log).WithField("component", "lab")
	if repo == nil {
		repo = database.NewMemoryRepository()
	}
	return &Lab{
		runner:    backtest.NewRunner(source),
		optimizer: optimizer.NewOptimizer(source, log),
		simulator: montecarlo.NewSimulator(log),
		repo:      repo,
		metrics:   metrics,
		log:       log,
		perf:      logger.NewPerformanceLogger(log, logger.DefaultSlowThreshold),
		now:       time.Now,
	}
}

// SetSlowThreshold sets the run duration above which completions are
// logged at warn level.
func (l *Lab) SetSlowThreshold(d time.Duration) {
	l.perf = logger.NewPerformanceLogger(l.log, d)
}

// Optimizer exposes the sweep engine so callers can tune its limits.
func (l *Lab) Optimizer() *optimizer.Optimizer {
	return l.optimizer
}

// RunBacktest runs cfg and stores the run, failed or not.
func (l *Lab) RunBacktest(ctx context.Context, cfg backtest.Config) (*BacktestRun, error) {
	run := l.newRun(database.KindBacktest, string(cfg.Strategy), cfg.Symbol, string(cfg.Timeframe), cfg)

	result, err := l.runner.Run(ctx, cfg)
	l.metrics.RecordBacktest(string(cfg.Strategy), statusOf(err), l.now().Sub(run.CreatedAt))
	if err != nil {
		l.finish(ctx, run, nil, nil, err)
		return nil, err
	}

	l.finish(ctx, run, result.Metrics, result, nil)
	l.log.Info("Backtest completed",
		"run_id", run.ID,
		"strategy", string(cfg.Strategy),
		"trades", result.Metrics.TotalTrades,
		"return_pct", result.Metrics.TotalReturnPct)
	return &BacktestRun{ID: run.ID, Result: result}, nil
}

// Optimize runs a grid sweep and stores its outcome. The best combination's
// scores are stored as the run metrics.
func (l *Lab) Optimize(ctx context.Context, req optimizer.Request, onProgress func(optimizer.Progress)) (*OptimizationRun, error) {
	run := l.newRun(database.KindOptimization, string(req.Kind), req.Base.Symbol, string(req.Base.Timeframe), req)

	outcome, err := l.optimizer.Optimize(ctx, req, onProgress)
	if err != nil {
		l.metrics.RecordOptimization(string(req.Kind), statusOf(err), 0, 0, l.now().Sub(run.CreatedAt))
		l.finish(ctx, run, nil, nil, err)
		return nil, err
	}
	l.metrics.RecordOptimization(string(req.Kind), statusOf(nil), outcome.Evaluated, outcome.Failed, outcome.Duration)

	l.finish(ctx, run, outcome.Results[0], outcome, nil)
	return &OptimizationRun{ID: run.ID, Outcome: outcome}, nil
}

// RunMonteCarlo backtests cfg, then resamples its trades.
func (l *Lab) RunMonteCarlo(ctx context.Context, cfg backtest.Config, opts montecarlo.Options) (*MonteCarloRun, error) {
	bt, err := l.RunBacktest(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return l.simulate(ctx, bt.ID, bt.Result, opts)
}

// RunMonteCarloFromRun resamples the trades of a stored backtest.
func (l *Lab) RunMonteCarloFromRun(ctx context.Context, runID string, opts montecarlo.Options) (*MonteCarloRun, error) {
	stored, err := l.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if stored.Kind != database.KindBacktest || stored.Status != database.StatusCompleted {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidParameter,
			"run is not a completed backtest", runID, nil)
	}

	var result backtest.Result
	if err := json.Unmarshal(stored.Result, &result); err != nil {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInternal, "stored backtest result is corrupt", runID, err)
	}
	return l.simulate(ctx, runID, &result, opts)
}

func (l *Lab) simulate(ctx context.Context, sourceID string, result *backtest.Result, opts montecarlo.Options) (*MonteCarloRun, error) {
	cfg := result.Config
	run := l.newRun(database.KindMonteCarlo, string(cfg.Strategy), cfg.Symbol, string(cfg.Timeframe), struct {
		SourceRunID string             `json:"source_run_id"`
		Options     montecarlo.Options `json:"options"`
	}{sourceID, opts})

	mc, err := l.simulator.Run(ctx, result, opts)
	if err != nil {
		l.metrics.RecordMonteCarlo(statusOf(err), 0)
		l.finish(ctx, run, nil, nil, err)
		return nil, err
	}
	l.metrics.RecordMonteCarlo(statusOf(nil), mc.NumSimulations)

	l.finish(ctx, run, mc.Probabilities, mc, nil)
	return &MonteCarloRun{ID: run.ID, SourceRunID: sourceID, Result: mc}, nil
}

// GetRun loads a stored run by ID.
func (l *Lab) GetRun(ctx context.Context, id string) (*database.Run, error) {
	return l.repo.GetRun(ctx, id)
}

// ListRuns returns stored runs, newest first.
func (l *Lab) ListRuns(ctx context.Context, filter database.RunFilter) ([]*database.Run, error) {
	return l.repo.ListRuns(ctx, filter)
}

func (l *Lab) newRun(kind database.RunKind, strategy, symbol, timeframe string, config interface{}) *database.Run {
	run := &database.Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		Strategy:  strategy,
		Symbol:    symbol,
		Timeframe: timeframe,
		CreatedAt: l.now(),
	}
	run.Config = l.marshal(run, "config", config)
	return run
}

// finish completes run and stores it. A storage failure is logged and does
// not fail the operation.
func (l *Lab) finish(ctx context.Context, run *database.Run, metrics, result interface{}, runErr error) {
	run.CompletedAt = l.now()
	run.DurationMS = run.CompletedAt.Sub(run.CreatedAt).Milliseconds()
	if runErr != nil {
		run.Status = database.StatusFailed
		run.Error = runErr.Error()
	} else {
		run.Status = database.StatusCompleted
		run.Metrics = l.marshal(run, "metrics", metrics)
		run.Result = l.marshal(run, "result", result)
	}

	l.perf.LogPerformance(string(run.Kind), run.CompletedAt.Sub(run.CreatedAt), map[string]interface{}{
		"run_id":   run.ID,
		"strategy": run.Strategy,
		"status":   string(run.Status),
	})

	// 取消后仍然保存失败记录
	saveCtx := context.WithoutCancel(ctx)
	if err := l.repo.SaveRun(saveCtx, run); err != nil {
		l.log.Warn("Failed to persist run", "run_id", run.ID, "kind", string(run.Kind), "error", err)
	}
}

func (l *Lab) marshal(run *database.Run, field string, v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		l.log.Warn("Failed to encode run field", "run_id", run.ID, "field", field, "error", err)
		return nil
	}
	return data
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return string(database.StatusCompleted)
	case apperrors.CodeOf(err) == apperrors.ErrCodeCancelled:
		return "cancelled"
	default:
		return string(database.StatusFailed)
	}
}
