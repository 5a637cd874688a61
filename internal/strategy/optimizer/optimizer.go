package optimizer

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
	"qlab/internal/market"
	"qlab/internal/strategy/backtest"
	"qlab/internal/strategy/signal"
)

const (
	DefaultCeiling       = 300
	DefaultTopN          = 5
	DefaultProgressEvery = 5
)

// Request describes one sweep. Ranges defaults to DefaultRanges(Kind).
type Request struct {
	Kind   signal.Kind           `json:"strategy"`
	Base   backtest.Config       `json:"base"`
	Ranges map[string]ParamRange `json:"ranges,omitempty"`
}

// OptResult is the score of one evaluated combination.
type OptResult struct {
	Params       map[string]float64 `json:"params"`
	Sharpe       float64            `json:"sharpe"`
	ReturnPct    float64            `json:"return_pct"`
	WinRate      float64            `json:"win_rate"`
	MaxDD        float64            `json:"max_dd"`
	ProfitFactor float64            `json:"-"`
	Trades       int                `json:"trades"`
}

// Progress is reported every ProgressEvery completed combinations and once
// at the end.
type Progress struct {
	Done   int `json:"done"`
	Total  int `json:"total"`
	Failed int `json:"failed"`
}

// Outcome is the result of a sweep.
type Outcome struct {
	Kind      signal.Kind   `json:"strategy"`
	Results   []OptResult   `json:"results"`
	Evaluated int           `json:"evaluated"`
	Failed    int           `json:"failed"`
	GridSize  int           `json:"grid_size"`
	Duration  time.Duration `json:"duration"`
}

// Optimizer runs grid sweeps over a candle source.
type Optimizer struct {
	Ceiling       int
	TopN          int
	Workers       int
	ProgressEvery int

	runner *backtest.Runner
	log    logger.Logger
}

// NewOptimizer 创建优化器
func NewOptimizer(source market.Source, log logger.Logger) *Optimizer {
	return &Optimizer{
		Ceiling:       DefaultCeiling,
		TopN:          DefaultTopN,
		Workers:       runtime.NumCPU(),
		ProgressEvery: DefaultProgressEvery,
		runner:        backtest.NewRunner(source),
		log:           logger.OrDefault(log),
	}
}

type evaluation struct {
	index  int
	result OptResult
	err    error
}

// Optimize fetches candles once, evaluates every combination across a
// worker pool and returns the TopN results by Sharpe ratio (ties broken by
// return). A failing combination is logged, counted and skipped. The context
// is checked at every progress point; cancellation discards partial results.
func (o *Optimizer) Optimize(ctx context.Context, req Request, onProgress func(Progress)) (*Outcome, error) {
	start := time.Now()

	base := req.Base
	base.Strategy = req.Kind
	combos, gridSize, err := o.plan(req.Kind, base, req.Ranges)
	if err != nil {
		return nil, err
	}

	candles, err := o.runner.Load(ctx, base)
	if err != nil {
		return nil, err
	}

	log := o.log.WithContext(ctx).WithFields(map[string]interface{}{
		"strategy": string(req.Kind),
		"symbol":   base.Symbol,
	})
	log.Info("Starting grid optimization", "combinations", len(combos), "grid_size", gridSize)

	evals, err := o.evaluateAll(ctx, base, candles, combos, onProgress, log)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Kind: req.Kind, GridSize: gridSize, Evaluated: len(combos)}
	results := make([]OptResult, 0, len(evals))
	for _, ev := range evals {
		if ev.err != nil {
			out.Failed++
			continue
		}
		results = append(results, ev.result)
	}
	if len(results) == 0 {
		return nil, apperrors.Errorf(apperrors.ErrCodeCombinationFailed, "all %d combinations failed", len(combos))
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Sharpe != results[j].Sharpe {
			return results[i].Sharpe > results[j].Sharpe
		}
		return results[i].ReturnPct > results[j].ReturnPct
	})
	topN := o.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	if len(results) > topN {
		results = results[:topN]
	}
	out.Results = results
	out.Duration = time.Since(start)

	log.Info("Grid optimization completed",
		"evaluated", out.Evaluated,
		"failed", out.Failed,
		"best_sharpe", results[0].Sharpe,
		"duration_ms", out.Duration.Milliseconds())
	return out, nil
}

// plan validates the request and enumerates the combinations to evaluate.
func (o *Optimizer) plan(kind signal.Kind, base backtest.Config, ranges map[string]ParamRange) ([]map[string]float64, int, error) {
	defaults, err := signal.Defaults(kind)
	if err != nil {
		return nil, 0, err
	}
	if err := base.Validate(); err != nil {
		return nil, 0, err
	}
	if len(ranges) == 0 {
		if ranges, err = DefaultRanges(kind); err != nil {
			return nil, 0, err
		}
	}
	for name := range ranges {
		if _, ok := defaults[name]; !ok {
			return nil, 0, apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "%s has no parameter %q", kind, name)
		}
	}

	grid, err := NewGrid(ranges)
	if err != nil {
		return nil, 0, err
	}
	ceiling := o.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return grid.Combinations(ceiling), grid.Size(), nil
}

func (o *Optimizer) evaluateAll(
	ctx context.Context,
	base backtest.Config,
	candles []market.Candle,
	combos []map[string]float64,
	onProgress func(Progress),
	log logger.Logger,
) ([]evaluation, error) {
	workers := o.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(combos) {
		workers = len(combos)
	}
	every := o.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	done := make(chan evaluation, workers)

	go func() {
		defer close(jobs)
		for i := range combos {
			select {
			case jobs <- i:
			case <-runCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				done <- o.evaluate(i, base, candles, combos[i])
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	evals := make([]evaluation, len(combos))
	progress := Progress{Total: len(combos)}
	for ev := range done {
		evals[ev.index] = ev
		progress.Done++
		if ev.err != nil {
			progress.Failed++
			log.Warn("Combination evaluation failed", "params", combos[ev.index], "error", ev.err)
		}

		if progress.Done%every == 0 || progress.Done == progress.Total {
			if onProgress != nil {
				onProgress(progress)
			}
			if ctx.Err() != nil {
				cancel()
				// 排空剩余结果，让 worker 退出
				go func() {
					for range done {
					}
				}()
				return nil, o.cancelled(ctx, progress, log)
			}
		}
	}
	// the feeder only stops early on cancellation
	if progress.Done < progress.Total {
		return nil, o.cancelled(ctx, progress, log)
	}
	return evals, nil
}

func (o *Optimizer) cancelled(ctx context.Context, progress Progress, log logger.Logger) error {
	log.Warn("Grid optimization cancelled", "done", progress.Done, "total", progress.Total)
	return apperrors.NewAppError(apperrors.ErrCodeCancelled, "optimization cancelled", ctx.Err())
}

// evaluate runs one combination; panics are reported as failures.
func (o *Optimizer) evaluate(index int, base backtest.Config, candles []market.Candle, combo map[string]float64) (ev evaluation) {
	ev.index = index
	defer func() {
		if r := recover(); r != nil {
			ev.err = apperrors.NewAppError(apperrors.ErrCodeCombinationFailed, "combination panicked", fmt.Errorf("%v", r))
		}
	}()

	params := make(map[string]float64, len(base.Params)+len(combo))
	for k, v := range base.Params {
		params[k] = v
	}
	for k, v := range combo {
		params[k] = v
	}
	cfg := base.WithParams(params)

	strategy, err := signal.New(cfg.Strategy, cfg.Params)
	if err != nil {
		ev.err = apperrors.WrapError(err, apperrors.ErrCodeCombinationFailed, "invalid combination")
		return ev
	}
	result, err := backtest.Simulate(cfg, strategy, candles)
	if err != nil {
		ev.err = apperrors.WrapError(err, apperrors.ErrCodeCombinationFailed, "simulation failed")
		return ev
	}

	ev.result = OptResult{
		Params:       cfg.Params,
		Sharpe:       result.Metrics.SharpeRatio,
		ReturnPct:    result.Metrics.TotalReturnPct,
		WinRate:      result.Metrics.WinRate,
		MaxDD:        result.Metrics.MaxDrawdownPct,
		ProfitFactor: result.Metrics.ProfitFactor,
		Trades:       result.Metrics.TotalTrades,
	}
	return ev
}
