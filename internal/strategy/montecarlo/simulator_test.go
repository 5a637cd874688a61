package montecarlo

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
	"qlab/internal/strategy/backtest"
)

func newTestSimulator() *Simulator {
	return NewSimulator(logger.Nop())
}

func TestOrderIndependentFinalCapital(t *testing.T) {
	out, err := newTestSimulator().RunReturns(context.Background(), []float64{0.10, -0.05}, 0, Options{
		NumSimulations: 64,
		InitialCapital: 10000,
		Seed:           7,
	})
	require.NoError(t, err)

	for _, p := range out.Percentiles {
		assert.InDelta(t, 10450.0, p.FinalCapital, 1e-6)
		assert.InDelta(t, 4.5, p.ReturnPct, 1e-6)
	}
	assert.InDelta(t, 0.0, out.ReturnStats.StdDev, 1e-6)
	assert.Equal(t, 1.0, out.Probabilities.Profit)
	assert.Equal(t, 0.0, out.Probabilities.Ruin)
}

func TestShufflePreservesMultiset(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	original := []float64{0.1, -0.2, 0.05, 0.05, -0.01, 0.3}
	values := append([]float64(nil), original...)

	for i := 0; i < 20; i++ {
		shuffle(rng, values)
		got := append([]float64(nil), values...)
		want := append([]float64(nil), original...)
		sort.Float64s(got)
		sort.Float64s(want)
		require.Equal(t, want, got)
	}
}

func TestInsufficientTradeHistory(t *testing.T) {
	sim := newTestSimulator()
	ctx := context.Background()

	_, err := sim.RunReturns(ctx, []float64{0.1}, 0, Options{})
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientTradeHistory))

	result := &backtest.Result{Trades: []backtest.Trade{{PnLPercent: 3}}}
	_, err = sim.Run(ctx, result, DefaultOptions())
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientTradeHistory))

	_, err = sim.Run(ctx, nil, DefaultOptions())
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientTradeHistory))
}

func TestRuin(t *testing.T) {
	out, err := newTestSimulator().RunReturns(context.Background(), []float64{-1.5, 0.5}, 0, Options{
		NumSimulations: 20,
		InitialCapital: 1000,
		Seed:           1,
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, out.Probabilities.Ruin)
	assert.Equal(t, 1.0, out.Probabilities.DrawdownOver50)
	assert.Equal(t, 0.0, out.Probabilities.Profit)
	for _, p := range out.Percentiles {
		assert.Equal(t, 0.0, p.FinalCapital)
		assert.Equal(t, -100.0, p.ReturnPct)
		assert.Equal(t, 100.0, p.MaxDrawdownPct)
	}
	for _, path := range out.Paths {
		assert.True(t, path.Ruined)
		assert.Equal(t, 0.0, path.EquityCurve[len(path.EquityCurve)-1])
	}
}

func TestReplay(t *testing.T) {
	p := replay([]float64{0.5, -0.5, 0.25}, 100, true)
	assert.Equal(t, []float64{100, 150, 75, 93.75}, p.EquityCurve)
	assert.InDelta(t, 93.75, p.FinalCapital, 1e-9)
	assert.InDelta(t, -6.25, p.TotalReturnPct, 1e-9)
	assert.InDelta(t, 50.0, p.MaxDrawdownPct, 1e-9)
	assert.False(t, p.Ruined)

	// ruin stops the replay
	p = replay([]float64{-1, 0.5}, 100, true)
	assert.Equal(t, []float64{100, 0}, p.EquityCurve)
	assert.True(t, p.Ruined)
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}
	assert.Equal(t, 1.0, percentile(sorted, 0))
	assert.Equal(t, 4.0, percentile(sorted, 100))
	assert.InDelta(t, 2.5, percentile(sorted, 50), 1e-9)
	assert.InDelta(t, 1.75, percentile(sorted, 25), 1e-9)
	assert.Equal(t, 0.0, percentile(nil, 50))
}

func TestDescribe(t *testing.T) {
	st := describe([]float64{2, 4, 4, 4, 5, 5, 7, 9}, false)
	assert.InDelta(t, 5.0, st.Mean, 1e-9)
	assert.InDelta(t, 2.0, st.StdDev, 1e-9)
	assert.InDelta(t, 4.5, st.Median, 1e-9)
	assert.Equal(t, 9.0, st.Best)
	assert.Equal(t, 2.0, st.Worst)

	dd := describe([]float64{1, 10, 30}, true)
	assert.Equal(t, 1.0, dd.Best)
	assert.Equal(t, 30.0, dd.Worst)
}

func TestDisplayPathsAreBounded(t *testing.T) {
	returns := []float64{0.02, -0.01, 0.03, -0.02, 0.01}
	sim := newTestSimulator()

	out, err := sim.RunReturns(context.Background(), returns, 0, Options{NumSimulations: 1000, Seed: 5})
	require.NoError(t, err)
	assert.Len(t, out.Paths, DefaultMaxDisplayPaths)
	for _, p := range out.Paths {
		assert.Len(t, p.EquityCurve, len(returns)+1)
	}

	out, err = sim.RunReturns(context.Background(), returns, 0, Options{NumSimulations: 50, MaxDisplayPaths: 500, Seed: 5})
	require.NoError(t, err)
	assert.Len(t, out.Paths, 50)
}

func TestSeedIsReproducible(t *testing.T) {
	returns := []float64{0.04, -0.03, 0.1, -0.08, 0.02, -0.01, 0.06}
	opts := Options{NumSimulations: 300, Seed: 42}
	sim := newTestSimulator()

	a, err := sim.RunReturns(context.Background(), returns, 5, opts)
	require.NoError(t, err)
	b, err := sim.RunReturns(context.Background(), returns, 5, opts)
	require.NoError(t, err)

	assert.Equal(t, int64(42), a.Seed)
	assert.Equal(t, a.Percentiles, b.Percentiles)
	assert.Equal(t, a.Probabilities, b.Probabilities)
	assert.Equal(t, a.Paths, b.Paths)
	assert.Len(t, a.Percentiles, len(DefaultConfidenceLevels))
	for i := 1; i < len(a.Percentiles); i++ {
		assert.GreaterOrEqual(t, a.Percentiles[i].FinalCapital, a.Percentiles[i-1].FinalCapital)
	}
}

func TestRunFromBacktest(t *testing.T) {
	result := &backtest.Result{
		Config: backtest.Config{InitialCapital: 1000},
		Trades: []backtest.Trade{{PnLPercent: 10}, {PnLPercent: -5}, {PnLPercent: 20}},
	}
	out, err := newTestSimulator().Run(context.Background(), result, Options{NumSimulations: 10, Seed: 9})
	require.NoError(t, err)

	assert.Equal(t, 3, out.NumTrades)
	assert.Equal(t, 1000.0, out.InitialCapital)
	assert.InDelta(t, 25.4, out.OriginalReturnPct, 1e-9)
	assert.InDelta(t, 1254.0, out.Percentiles[2].FinalCapital, 1e-6)
}

func TestRejectsBadOptions(t *testing.T) {
	sim := newTestSimulator()
	ctx := context.Background()
	returns := []float64{0.1, 0.2}

	_, err := sim.RunReturns(ctx, returns, 0, Options{ConfidenceLevels: []float64{150}})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParameter))

	_, err = sim.RunReturns(ctx, returns, 0, Options{NumSimulations: -1})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParameter))

	_, err = sim.RunReturns(ctx, returns, 0, Options{InitialCapital: -5})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParameter))
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := newTestSimulator().RunReturns(ctx, []float64{0.1, 0.2}, 0, Options{})
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, apperrors.ErrCancelled))
}

func TestPermutationsDoNotBeatOriginal(t *testing.T) {
	returns := []float64{
		0.031, -0.017, 0.044, -0.052, 0.012, 0.027, -0.008, 0.063, -0.021, 0.015,
		0.038, -0.033, 0.009, -0.014, 0.056, -0.046, 0.022, 0.004, -0.029, 0.018,
	}
	original := replay(returns, 10000, false)
	require.False(t, original.Ruined)

	out, err := newTestSimulator().RunReturns(context.Background(), returns, original.TotalReturnPct, Options{
		NumSimulations: 1000,
		InitialCapital: 10000,
		Seed:           7,
	})
	require.NoError(t, err)

	// 同一组收益的任意排列终值相同, 只差浮点舍入
	assert.Equal(t, 0.0, out.Probabilities.BeatOriginal)
	assert.Equal(t, 1.0, out.Probabilities.Profit)
	assert.Equal(t, 0.0, out.Probabilities.Double)
	for _, p := range out.Percentiles {
		assert.InDelta(t, original.FinalCapital, p.FinalCapital, 1e-6)
	}
}

func TestProbabilityThresholds(t *testing.T) {
	tests := []struct {
		name         string
		returns      []float64
		original     float64
		profit       float64
		double       float64
		beatOriginal float64
	}{
		// 1.5 * 1.5 * 0.9 = 2.025
		{"doubles", []float64{0.5, 0.5, -0.1}, 50, 1, 1, 1},
		// 1.2 * 1.2 * 0.9 = 1.296
		{"profit below double", []float64{0.2, 0.2, -0.1}, 29.6, 1, 0, 0},
		{"beats a weaker original", []float64{0.2, 0.2, -0.1}, 10, 1, 0, 1},
		// 0.9 * 0.9 * 1.1 = 0.891
		{"loses", []float64{-0.1, -0.1, 0.1}, -20, 0, 0, 1},
		{"exactly flat", []float64{0.25, -0.2}, 0, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := newTestSimulator().RunReturns(context.Background(), tt.returns, tt.original, Options{
				NumSimulations: 50,
				InitialCapital: 1000,
				Seed:           3,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.profit, out.Probabilities.Profit)
			assert.Equal(t, tt.double, out.Probabilities.Double)
			assert.Equal(t, tt.beatOriginal, out.Probabilities.BeatOriginal)
			assert.Equal(t, 0.0, out.Probabilities.Ruin)
		})
	}
}

func TestAboveTolerance(t *testing.T) {
	assert.False(t, above(1000*(1+1e-12), 1000))
	assert.True(t, above(1000.01, 1000))
	assert.False(t, above(0, 0))
	assert.True(t, above(1e-6, 0))
}
