package backtest

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qlab/internal/errors"
	"qlab/internal/market"
	"qlab/internal/strategy/signal"
	"qlab/internal/testutils"
)

// scripted replays a fixed signal sequence.
type scripted struct {
	signals map[int]signal.Signal
}

func (s scripted) Kind() signal.Kind          { return "scripted" }
func (s scripted) Params() map[string]float64 { return nil }
func (s scripted) Validate() error            { return nil }
func (s scripted) Generate(c []market.Candle) []signal.Signal {
	out := make([]signal.Signal, len(c))
	for i, sig := range s.signals {
		if i < len(out) {
			out[i] = sig
		}
	}
	return out
}

func bar(i int, o, h, l, c float64) market.Candle {
	return market.Candle{
		Time:   testutils.FixtureStart.Add(time.Duration(i) * time.Hour),
		Open:   o,
		High:   h,
		Low:    l,
		Close:  c,
		Volume: 1000,
	}
}

func frictionless() Config {
	cfg := DefaultConfig()
	cfg.FeeRate = 0
	cfg.Slippage = 0
	cfg.StopLoss = 0
	cfg.TakeProfit = 0
	return cfg
}

func TestFlatMarketProducesNoTrades(t *testing.T) {
	cfg := DefaultConfig()
	strategy, err := signal.New(signal.KindEMACross, nil)
	require.NoError(t, err)

	candles := testutils.FlatCandles(100, 100)
	result, err := Simulate(cfg, strategy, candles)
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	require.Len(t, result.EquityCurve, len(candles))
	for _, p := range result.EquityCurve {
		assert.Equal(t, cfg.InitialCapital, p.Equity)
	}
	assert.Equal(t, 0.0, result.Metrics.WinRate)
	assert.Equal(t, 0.0, result.Metrics.ProfitFactor)
	assert.Equal(t, 0.0, result.Metrics.MaxDrawdownPct)
	assert.Equal(t, 0.0, result.Metrics.SharpeRatio)
	assert.Equal(t, cfg.InitialCapital, result.FinalCapital)
}

func TestStopLossTakesPriorityOverSignal(t *testing.T) {
	cfg := frictionless()
	cfg.StopLoss = 2

	candles := []market.Candle{
		bar(0, 100, 100, 100, 100),
		bar(1, 100, 100, 100, 100),
		// falls 5% intrabar while an opposing signal prints
		bar(2, 99, 99.5, 95, 96),
		bar(3, 96, 96, 96, 96),
	}
	strategy := scripted{signals: map[int]signal.Signal{1: signal.Long, 2: signal.Short}}

	result, err := Simulate(cfg, strategy, candles)
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)

	tr := result.Trades[0]
	assert.Equal(t, ExitStopLoss, tr.ExitReason)
	assert.InDelta(t, 98.0, tr.ExitPrice, 1e-9)
	assert.InDelta(t, -200.0, tr.PnL, 1e-9)
	assert.InDelta(t, -2.0, tr.PnLPercent, 1e-9)
	assert.Equal(t, 1, tr.HoldBars)

	// no same-bar re-entry on the opposing signal
	assert.InDelta(t, 9800.0, result.FinalCapital, 1e-9)
	assert.InDelta(t, 9800.0, result.EquityCurve[3].Equity, 1e-9)
}

func TestStopLossGapFillsAtOpen(t *testing.T) {
	cfg := frictionless()
	cfg.StopLoss = 2

	candles := []market.Candle{
		bar(0, 100, 100, 100, 100),
		bar(1, 100, 100, 100, 100),
		bar(2, 94, 95, 93, 94),
		bar(3, 94, 94, 94, 94),
	}
	result, err := Simulate(cfg, scripted{signals: map[int]signal.Signal{1: signal.Long}}, candles)
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.InDelta(t, 94.0, result.Trades[0].ExitPrice, 1e-9)
}

func TestTakeProfit(t *testing.T) {
	cfg := frictionless()
	cfg.TakeProfit = 4

	candles := []market.Candle{
		bar(0, 100, 100, 100, 100),
		bar(1, 100, 100, 100, 100),
		bar(2, 101, 105, 100.5, 102),
		bar(3, 102, 102, 102, 102),
	}
	result, err := Simulate(cfg, scripted{signals: map[int]signal.Signal{1: signal.Long}}, candles)
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)

	tr := result.Trades[0]
	assert.Equal(t, ExitTakeProfit, tr.ExitReason)
	assert.InDelta(t, 104.0, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 400.0, tr.PnL, 1e-9)
	assert.InDelta(t, 4.0, tr.PnLPercent, 1e-9)
}

func TestSignalExitWithFeesAndSlippage(t *testing.T) {
	candles := []market.Candle{
		bar(0, 100, 100, 100, 100),
		bar(1, 100, 100, 100, 100),
		bar(2, 100, 106, 100, 105),
		bar(3, 105, 110, 105, 110),
		bar(4, 110, 110, 110, 110),
	}
	strategy := scripted{signals: map[int]signal.Signal{1: signal.Long, 3: signal.Short}}

	t.Run("fees", func(t *testing.T) {
		cfg := frictionless()
		cfg.FeeRate = 0.001

		result, err := Simulate(cfg, strategy, candles)
		require.NoError(t, err)
		require.Len(t, result.Trades, 1)

		tr := result.Trades[0]
		assert.Equal(t, ExitSignal, tr.ExitReason)
		assert.Equal(t, DirectionLong, tr.Direction)
		// fee = 0.001 * (10000 + 11000)
		assert.InDelta(t, 21.0, tr.Fee, 1e-9)
		assert.InDelta(t, 979.0, tr.PnL, 1e-9)
		assert.InDelta(t, 10979.0, result.FinalCapital, 1e-9)

		// mark-to-market while open
		assert.InDelta(t, 10500.0, result.EquityCurve[2].Equity, 1e-9)
	})

	t.Run("slippage", func(t *testing.T) {
		cfg := frictionless()
		cfg.Slippage = 0.01

		result, err := Simulate(cfg, strategy, candles)
		require.NoError(t, err)
		require.Len(t, result.Trades, 1)

		tr := result.Trades[0]
		assert.InDelta(t, 101.0, tr.EntryPrice, 1e-9)
		assert.InDelta(t, 108.9, tr.ExitPrice, 1e-9)
		assert.InDelta(t, 100*(108.9-101.0), tr.PnL, 1e-9)
	})
}

func TestShortPosition(t *testing.T) {
	cfg := frictionless()
	candles := []market.Candle{
		bar(0, 100, 100, 100, 100),
		bar(1, 100, 100, 100, 100),
		bar(2, 100, 100, 90, 90),
		bar(3, 90, 90, 90, 90),
	}
	result, err := Simulate(cfg, scripted{signals: map[int]signal.Signal{1: signal.Short, 2: signal.Long}}, candles)
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, DirectionShort, result.Trades[0].Direction)
	assert.InDelta(t, 1000.0, result.Trades[0].PnL, 1e-9)
	assert.InDelta(t, 10.0, result.Trades[0].PnLPercent, 1e-9)
}

func TestFinalBarForcesClose(t *testing.T) {
	cfg := frictionless()
	cfg.StopLoss = 2
	candles := []market.Candle{
		bar(0, 100, 100, 100, 100),
		bar(1, 100, 100, 100, 100),
		bar(2, 100, 101, 99, 101),
		// would breach the stop, but the last bar closes at the close
		bar(3, 101, 101, 90, 95),
	}
	result, err := Simulate(cfg, scripted{signals: map[int]signal.Signal{1: signal.Long, 3: signal.Short}}, candles)
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)

	tr := result.Trades[0]
	assert.Equal(t, ExitEndOfData, tr.ExitReason)
	assert.InDelta(t, 95.0, tr.ExitPrice, 1e-9)
	assert.InDelta(t, result.FinalCapital, result.EquityCurve[3].Equity, 1e-9)
}

func TestNoEntryOnLastBar(t *testing.T) {
	candles := testutils.FlatCandles(5, 100)
	result, err := Simulate(frictionless(), scripted{signals: map[int]signal.Signal{4: signal.Long}}, candles)
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
}

func TestPositionSizing(t *testing.T) {
	cfg := frictionless()
	cfg.MaxPosition = 25
	candles := []market.Candle{
		bar(0, 50, 50, 50, 50),
		bar(1, 50, 50, 50, 50),
		bar(2, 55, 55, 55, 55),
	}
	result, err := Simulate(cfg, scripted{signals: map[int]signal.Signal{1: signal.Long}}, candles)
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.InDelta(t, 50.0, result.Trades[0].Size, 1e-9)
	assert.InDelta(t, 250.0, result.Trades[0].PnL, 1e-9)
}

func TestSimulateRejectsBadInput(t *testing.T) {
	strategy := scripted{}

	_, err := Simulate(DefaultConfig(), strategy, nil)
	assert.True(t, errors.Is(err, apperrors.ErrDataUnavailable))

	cfg := DefaultConfig()
	cfg.MaxPosition = 0
	_, err = Simulate(cfg, strategy, testutils.FlatCandles(10, 1))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParameter))

	cfg = DefaultConfig()
	cfg.FeeRate = math.NaN()
	_, err = Simulate(cfg, strategy, testutils.FlatCandles(10, 1))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParameter))
}

func TestSimulationProperties(t *testing.T) {
	series := map[string][]market.Candle{
		"sine":      testutils.SineCandles(600, 100, 12, 48, 5),
		"noisy":     testutils.SineCandles(400, 50, 5, 17, 99),
		"uptrend":   testutils.TrendCandles(300, 100, 0.5),
		"downtrend": testutils.TrendCandles(300, 300, -0.5),
	}

	for name, candles := range series {
		for _, kind := range signal.Kinds() {
			strategy, err := signal.New(kind, nil)
			require.NoError(t, err)

			result, err := Simulate(DefaultConfig(), strategy, candles)
			require.NoError(t, err, "%s/%s", name, kind)

			require.Len(t, result.EquityCurve, len(candles), "%s/%s", name, kind)
			for i, tr := range result.Trades {
				assert.True(t, tr.ExitTime.After(tr.EntryTime), "%s/%s trade %d", name, kind, i)
				assert.GreaterOrEqual(t, tr.HoldBars, 1)
				if i > 0 {
					// one position at a time
					assert.True(t, tr.EntryTime.After(result.Trades[i-1].ExitTime), "%s/%s trade %d overlaps", name, kind, i)
				}
			}

			m := result.Metrics
			assert.GreaterOrEqual(t, m.ProfitFactor, 0.0)
			assert.True(t, m.WinRate >= 0 && m.WinRate <= 100)
			assert.True(t, m.MaxDrawdownPct >= 0 && m.MaxDrawdownPct <= 100)
			assert.InDelta(t, result.FinalCapital, result.EquityCurve[len(candles)-1].Equity, 1e-6)
		}
	}
}
