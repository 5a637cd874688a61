package signal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qlab/internal/errors"
	"qlab/internal/indicator"
	"qlab/internal/market"
	"qlab/internal/testutils"
)

func mustNew(t *testing.T, kind Kind, params map[string]float64) Strategy {
	t.Helper()
	s, err := New(kind, params)
	require.NoError(t, err)
	return s
}

func TestNewDefaults(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			s := mustNew(t, kind, nil)
			assert.Equal(t, kind, s.Kind())

			defaults, err := Defaults(kind)
			require.NoError(t, err)
			assert.Equal(t, defaults, s.Params())

			// round trip through the parameter map
			again := mustNew(t, kind, s.Params())
			assert.Equal(t, s, again)
		})
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("breakout_plus", nil)
	assert.True(t, errors.Is(err, apperrors.ErrStrategyNotFound))

	tests := []struct {
		name   string
		kind   Kind
		params map[string]float64
	}{
		{"fast not below slow", KindEMACross, map[string]float64{"fast": 30, "slow": 20}},
		{"zero period", KindRSIReversal, map[string]float64{"period": 0}},
		{"inverted thresholds", KindRSIReversal, map[string]float64{"oversold": 80, "overbought": 20}},
		{"negative std dev", KindBollinger, map[string]float64{"std_dev": -1}},
		{"period too long", KindDonchian, map[string]float64{"period": MaxPeriod + 1}},
		{"unknown key", KindSupertrend, map[string]float64{"atr_len": 5}},
		{"threshold out of range", KindEMARSI, map[string]float64{"threshold": 100}},
		{"zero volume multiplier", KindVolumeEMACross, map[string]float64{"volume_multiplier": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.kind, tt.params)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidParameter), "got %v", err)
		})
	}
}

func TestIntegerParams(t *testing.T) {
	s := mustNew(t, KindEMACross, map[string]float64{"fast": 8, "slow": 20.000000000001})
	ema := s.(*EMACross)
	assert.Equal(t, 8, ema.Fast)
	assert.Equal(t, 20, ema.Slow)

	tests := []struct {
		name   string
		kind   Kind
		params map[string]float64
	}{
		{"fractional fast", KindEMACross, map[string]float64{"fast": 8.6}},
		{"fractional slow", KindEMACross, map[string]float64{"slow": 20.2}},
		{"half period", KindRSIReversal, map[string]float64{"period": 14.5}},
		{"fractional signal", KindMACD, map[string]float64{"signal": 9.01}},
		{"fractional ema period", KindEMARSI, map[string]float64{"ema_period": 49.9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.kind, tt.params)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidParameter), "got %v", err)
		})
	}

	// float parameters keep their fractions
	rsi := mustNew(t, KindRSIReversal, map[string]float64{"oversold": 27.5}).(*RSIReversal)
	assert.Equal(t, 27.5, rsi.Oversold)
}

func TestFlatPricesProduceNoSignals(t *testing.T) {
	candles := testutils.FlatCandles(200, 100)
	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			signals := mustNew(t, kind, nil).Generate(candles)
			require.Len(t, signals, len(candles))
			for i, s := range signals {
				assert.Equal(t, None, s, "unexpected signal at %d", i)
			}
		})
	}
}

func TestWarmupAndLength(t *testing.T) {
	candles := testutils.SineCandles(300, 100, 10, 24, 7)
	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			signals := mustNew(t, kind, nil).Generate(candles)
			require.Len(t, signals, len(candles))
			for i := 0; i < WarmupBars; i++ {
				assert.Equal(t, None, signals[i], "signal inside warm-up at %d", i)
			}
		})
	}

	// shorter than the warm-up window
	short := testutils.SineCandles(20, 100, 10, 6, 0)
	for _, kind := range Kinds() {
		signals := mustNew(t, kind, nil).Generate(short)
		assert.Len(t, signals, 20)
		assert.NotContains(t, signals, Long)
		assert.NotContains(t, signals, Short)
	}
}

func TestNoLookAhead(t *testing.T) {
	candles := testutils.SineCandles(260, 100, 8, 30, 11)
	cut := 180

	mutated := make([]market.Candle, len(candles))
	copy(mutated, candles)
	for i := cut + 1; i < len(mutated); i++ {
		mutated[i].Close *= 1.5
		mutated[i].High *= 1.6
		mutated[i].Low *= 0.9
		mutated[i].Volume *= 10
	}

	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			s := mustNew(t, kind, nil)
			a := s.Generate(candles)
			b := s.Generate(mutated)
			assert.Equal(t, a[:cut+1], b[:cut+1])
		})
	}
}

func TestEMACrossFiresOnce(t *testing.T) {
	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 100
		if i >= 60 {
			closes[i] = 100 + float64(i-59)
		}
	}
	signals := mustNew(t, KindEMACross, nil).Generate(testutils.CandlesFromCloses(closes))
	assert.Equal(t, Long, signals[60])
	assert.Equal(t, 1, count(signals, Long))
	assert.Equal(t, 0, count(signals, Short))

	for i := 60; i < len(closes); i++ {
		closes[i] = 100 - float64(i-59)
	}
	signals = mustNew(t, KindEMACross, nil).Generate(testutils.CandlesFromCloses(closes))
	assert.Equal(t, Short, signals[60])
	assert.Equal(t, 1, count(signals, Short))
}

func TestBollingerFiresOnlyOnReentry(t *testing.T) {
	candles := testutils.SineCandles(400, 100, 6, 40, 3)
	s := mustNew(t, KindBollinger, nil).(*Bollinger)
	signals := s.Generate(candles)

	closes := market.Closes(candles)
	bands := indicator.Bollinger(closes, s.Period, s.StdDev)
	for i, sig := range signals {
		switch sig {
		case Long:
			assert.Less(t, closes[i-1], bands.Lower[i-1], "bar %d", i)
			assert.GreaterOrEqual(t, closes[i], bands.Lower[i], "bar %d", i)
			assert.NotEqual(t, Long, signals[i-1], "repeated long at %d", i)
		case Short:
			assert.Greater(t, closes[i-1], bands.Upper[i-1], "bar %d", i)
			assert.LessOrEqual(t, closes[i], bands.Upper[i], "bar %d", i)
			assert.NotEqual(t, Short, signals[i-1], "repeated short at %d", i)
		}
	}

	// price parked below the band never signals while it stays there
	for i := 0; i < len(candles); i++ {
		if i > 0 && closes[i-1] < bands.Lower[i-1] && closes[i] < bands.Lower[i] {
			assert.Equal(t, None, signals[i], "signal while outside band at %d", i)
		}
	}
}

func TestDonchianUsesPriorChannel(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100
	}
	closes[70] = 101
	signals := mustNew(t, KindDonchian, nil).Generate(testutils.CandlesFromCloses(closes))
	assert.Equal(t, Long, signals[70])
	// the breakout bar is now part of the channel
	assert.Equal(t, None, signals[71])
}

func TestSupertrendSignalsOnFlip(t *testing.T) {
	closes := make([]float64, 200)
	for i := range closes {
		if i < 100 {
			closes[i] = 100 + float64(i)
		} else {
			closes[i] = 199 - 0.8*float64(i-99)
		}
	}
	s := mustNew(t, KindSupertrend, nil).(*Supertrend)
	candles := testutils.CandlesFromCloses(closes)
	signals := s.Generate(candles)
	trend := s.Trend(candles)

	assert.Equal(t, 1, count(signals, Short))
	for i := WarmupBars; i < len(signals); i++ {
		flipped := trend[i] != trend[i-1]
		assert.Equal(t, flipped, signals[i] != None, "bar %d", i)
	}
}

func TestVolumeFilterBlocksCross(t *testing.T) {
	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 100
		if i >= 60 {
			closes[i] = 100 + float64(i-59)
		}
	}
	candles := testutils.CandlesFromCloses(closes)
	s := mustNew(t, KindVolumeEMACross, nil)

	// constant volume never clears 1.5x its average
	assert.Equal(t, 0, count(s.Generate(candles), Long))

	candles[60].Volume = 5000
	signals := s.Generate(candles)
	assert.Equal(t, Long, signals[60])
}

func TestReversalRulesFireOncePerSide(t *testing.T) {
	// flat, ten bars down, thirty up, then down again
	rsiSwing := walk(140, 100, func(i int) float64 {
		switch {
		case i < 60:
			return 0
		case i < 70:
			return -1
		case i < 100:
			return 1
		}
		return -1
	})
	macdSwing := walk(140, 100, func(i int) float64 {
		switch {
		case i < 60:
			return 0
		case i < 90:
			return 1
		}
		return -1
	})
	// steady uptrend with a six-bar pullback that drags RSI under 40
	pullback := walk(110, 100, func(i int) float64 {
		switch {
		case i < 70:
			return 1
		case i < 76:
			return -3
		}
		return 2
	})
	// RSI recovers through 40 at bar 74 while the close is still under the EMA
	vShape := walk(100, 100, func(i int) float64 {
		switch {
		case i < 60:
			return 0
		case i < 70:
			return -1
		}
		return 1
	})
	falling := walk(100, 100, func(i int) float64 {
		if i < 60 {
			return 0
		}
		return -1
	})

	tests := []struct {
		name   string
		kind   Kind
		closes []float64
		long   int // -1: the side never fires
		short  int
	}{
		{"rsi oversold then overbought", KindRSIReversal, rsiSwing, 72, 103},
		{"rsi stays oversold", KindRSIReversal, falling, -1, -1},
		{"macd up then down", KindMACD, macdSwing, 60, 92},
		{"macd down then up", KindMACD, mirror(macdSwing, 200), 92, 60},
		{"ema rsi pullback in uptrend", KindEMARSI, pullback, 76, -1},
		{"ema rsi bounce in downtrend", KindEMARSI, mirror(pullback, 400), -1, 76},
		{"ema rsi cross below trend", KindEMARSI, vShape, -1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signals := mustNew(t, tt.kind, nil).Generate(testutils.CandlesFromCloses(tt.closes))
			require.Len(t, signals, len(tt.closes))
			assertFiresAt(t, signals, Long, tt.long)
			assertFiresAt(t, signals, Short, tt.short)
		})
	}
}

func TestMACDSignalsFollowHistogram(t *testing.T) {
	closes := walk(140, 100, func(i int) float64 {
		switch {
		case i < 60:
			return 0
		case i < 90:
			return 1
		}
		return -1
	})
	s := mustNew(t, KindMACD, nil).(*MACD)
	signals := s.Generate(testutils.CandlesFromCloses(closes))
	m := indicator.MACD(closes, s.Fast, s.Slow, s.Signal)

	fired := 0
	for i, sig := range signals {
		switch sig {
		case Long:
			fired++
			assert.Greater(t, m.Histogram[i], 0.0, "bar %d", i)
			assert.LessOrEqual(t, m.Histogram[i-1], 0.0, "bar %d", i)
		case Short:
			fired++
			assert.Less(t, m.Histogram[i], 0.0, "bar %d", i)
			assert.GreaterOrEqual(t, m.Histogram[i-1], 0.0, "bar %d", i)
		}
	}
	assert.Equal(t, 2, fired)
}

func assertFiresAt(t *testing.T, signals []Signal, want Signal, at int) {
	t.Helper()
	if at < 0 {
		assert.Equal(t, 0, count(signals, want), "unexpected %s", want)
		return
	}
	assert.Equal(t, 1, count(signals, want), "%s count", want)
	assert.Equal(t, want, signals[at], "%s at bar %d", want, at)
}

// walk starts at start and adds step(i) at every later bar.
func walk(n int, start float64, step func(i int) float64) []float64 {
	closes := make([]float64, n)
	closes[0] = start
	for i := 1; i < n; i++ {
		closes[i] = closes[i-1] + step(i)
	}
	return closes
}

func mirror(closes []float64, around float64) []float64 {
	out := make([]float64, len(closes))
	for i, c := range closes {
		out[i] = around - c
	}
	return out
}

func count(signals []Signal, want Signal) int {
	n := 0
	for _, s := range signals {
		if s == want {
			n++
		}
	}
	return n
}
