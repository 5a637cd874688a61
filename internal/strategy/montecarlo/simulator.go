package montecarlo

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
	"qlab/internal/strategy/backtest"
)

// checkEvery is how many simulations run between context checks.
const checkEvery = 100

// relTolerance absorbs the rounding a reordered product picks up.
const relTolerance = 1e-9

// Simulator reshuffles completed trade ledgers to measure sequence risk.
type Simulator struct {
	log logger.Logger
}

// NewSimulator 创建蒙特卡洛模拟器
func NewSimulator(log logger.Logger) *Simulator {
	return &Simulator{log: logger.OrDefault(log)}
}

// Run resamples the per-trade returns of a completed backtest. The original
// return is the historical sequence replayed the same way, so that every
// path is compared like for like.
func (s *Simulator) Run(ctx context.Context, result *backtest.Result, opts Options) (*Result, error) {
	if result == nil {
		return nil, apperrors.Errorf(apperrors.ErrCodeInsufficientTradeHistory, "no backtest result")
	}
	returns := result.TradeReturns()
	if len(returns) < MinTrades {
		return nil, insufficient(len(returns))
	}
	if opts.InitialCapital == 0 {
		opts.InitialCapital = result.Config.InitialCapital
	}
	capital := opts.InitialCapital
	if capital == 0 {
		capital = DefaultInitialCapital
	}
	original := replay(returns, capital, false)
	return s.RunReturns(ctx, returns, original.TotalReturnPct, opts)
}

// RunReturns shuffles returns (fractions, 0.1 for +10%) NumSimulations times
// and aggregates the replays.
func (s *Simulator) RunReturns(ctx context.Context, returns []float64, originalReturnPct float64, opts Options) (*Result, error) {
	if len(returns) < MinTrades {
		return nil, insufficient(len(returns))
	}
	for _, r := range returns {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return nil, apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "non-finite trade return")
		}
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	log := s.log.WithContext(ctx)
	log.Debug("Starting Monte Carlo simulation",
		"simulations", opts.NumSimulations,
		"trades", len(returns),
		"seed", opts.Seed)

	rng := rand.New(rand.NewSource(opts.Seed))
	keep := displayIndices(opts.NumSimulations, opts.MaxDisplayPaths)

	finals := make([]float64, opts.NumSimulations)
	drawdowns := make([]float64, opts.NumSimulations)
	paths := make([]Path, 0, len(keep))
	shuffled := append([]float64(nil), returns...)

	originalFinal := opts.InitialCapital * (1 + originalReturnPct/100)

	var probs Probabilities
	for i := 0; i < opts.NumSimulations; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				log.Warn("Monte Carlo simulation cancelled", "done", i, "total", opts.NumSimulations)
				return nil, apperrors.NewAppError(apperrors.ErrCodeCancelled, "monte carlo cancelled", err)
			}
		}

		shuffle(rng, shuffled)
		_, display := keep[i]
		path := replay(shuffled, opts.InitialCapital, display)

		finals[i] = path.FinalCapital
		drawdowns[i] = path.MaxDrawdownPct
		if above(path.FinalCapital, opts.InitialCapital) {
			probs.Profit++
		}
		if above(path.FinalCapital, 2*opts.InitialCapital) {
			probs.Double++
		}
		if path.MaxDrawdownPct > 50 {
			probs.DrawdownOver50++
		}
		if above(path.FinalCapital, originalFinal) {
			probs.BeatOriginal++
		}
		if path.Ruined {
			probs.Ruin++
		}
		if display {
			paths = append(paths, path)
		}
	}

	n := float64(opts.NumSimulations)
	probs.Profit /= n
	probs.Double /= n
	probs.DrawdownOver50 /= n
	probs.BeatOriginal /= n
	probs.Ruin /= n

	sort.Float64s(finals)
	sort.Float64s(drawdowns)
	returnsPct := make([]float64, len(finals))
	for i, f := range finals {
		returnsPct[i] = returnPct(f, opts.InitialCapital)
	}

	out := &Result{
		NumSimulations:    opts.NumSimulations,
		NumTrades:         len(returns),
		InitialCapital:    opts.InitialCapital,
		OriginalReturnPct: originalReturnPct,
		Seed:              opts.Seed,
		Probabilities:     probs,
		ReturnStats:       describe(returnsPct, false),
		DrawdownStats:     describe(drawdowns, true),
		Paths:             paths,
		Duration:          time.Since(start),
	}
	for _, level := range opts.ConfidenceLevels {
		final := percentile(finals, level)
		out.Percentiles = append(out.Percentiles, Percentile{
			Level:          level,
			FinalCapital:   final,
			ReturnPct:      returnPct(final, opts.InitialCapital),
			MaxDrawdownPct: percentile(drawdowns, level),
		})
	}

	log.Info("Monte Carlo simulation completed",
		"simulations", out.NumSimulations,
		"median_return_pct", out.ReturnStats.Median,
		"p_ruin", probs.Ruin,
		"duration_ms", out.Duration.Milliseconds())
	return out, nil
}

func insufficient(n int) error {
	return apperrors.Errorf(apperrors.ErrCodeInsufficientTradeHistory,
		"monte carlo needs at least %d trades, got %d", MinTrades, n)
}

// shuffle is an in-place Fisher-Yates permutation.
func shuffle(rng *rand.Rand, values []float64) {
	for i := len(values) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		values[i], values[j] = values[j], values[i]
	}
}

// replay compounds returns from capital. Reaching zero is ruin: capital is
// clamped, drawdown is total and the replay stops.
func replay(returns []float64, capital float64, withCurve bool) Path {
	var curve []float64
	if withCurve {
		curve = make([]float64, 0, len(returns)+1)
		curve = append(curve, capital)
	}
	initial := capital
	peak := capital
	maxDD := 0.0
	ruined := false

	for _, r := range returns {
		capital *= 1 + r
		if capital <= 0 {
			capital = 0
			maxDD = 100
			ruined = true
			if withCurve {
				curve = append(curve, 0)
			}
			break
		}
		if capital > peak {
			peak = capital
		}
		if dd := (peak - capital) / peak * 100; dd > maxDD {
			maxDD = dd
		}
		if withCurve {
			curve = append(curve, capital)
		}
	}

	return Path{
		EquityCurve:    curve,
		FinalCapital:   capital,
		TotalReturnPct: returnPct(capital, initial),
		MaxDrawdownPct: maxDD,
		Ruined:         ruined,
	}
}

// above compares capitals with a relative tolerance.
func above(v, ref float64) bool {
	return v > ref+math.Abs(ref)*relTolerance
}

func returnPct(final, initial float64) float64 {
	if initial <= 0 {
		return 0
	}
	return (final/initial - 1) * 100
}

// displayIndices picks up to limit simulation indices evenly spread over n.
func displayIndices(n, limit int) map[int]struct{} {
	if limit > n {
		limit = n
	}
	out := make(map[int]struct{}, limit)
	for k := 0; k < limit; k++ {
		out[k*n/limit] = struct{}{}
	}
	return out
}

// percentile interpolates linearly between closest ranks of sorted values.
func percentile(sorted []float64, level float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := level / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// describe expects sorted values. lowerIsBetter flips Best and Worst.
func describe(sorted []float64, lowerIsBetter bool) Stats {
	if len(sorted) == 0 {
		return Stats{}
	}
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	variance := 0.0
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(sorted))

	st := Stats{
		Mean:   mean,
		Median: percentile(sorted, 50),
		StdDev: math.Sqrt(variance),
		Best:   sorted[len(sorted)-1],
		Worst:  sorted[0],
	}
	if lowerIsBetter {
		st.Best, st.Worst = st.Worst, st.Best
	}
	return st
}
