// Package indicator holds the pure series transforms used by the signal
// rules. Every function returns a slice aligned to its input and fills the
// warm-up region with a sentinel instead of failing: 0 for most indicators,
// 50 for RSI.
package indicator

import (
	"math"

	"qlab/internal/market"
)

// RSINeutral is the RSI sentinel before the first valid reading.
const RSINeutral = 50.0

// SMA returns the trailing arithmetic mean, valid from index period-1.
func SMA(data []float64, period int) []float64 {
	out := make([]float64, len(data))
	if period <= 0 || len(data) < period {
		return out
	}

	sum := 0.0
	for i, v := range data {
		sum += v
		if i >= period {
			sum -= data[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA seeds with the mean of the first period values (index period-1) and
// applies the 2/(period+1) multiplier afterwards.
func EMA(data []float64, period int) []float64 {
	out := make([]float64, len(data))
	if period <= 0 || len(data) < period {
		return out
	}

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += data[i]
	}
	out[period-1] = seed / float64(period)

	k := 2.0 / float64(period+1)
	for i := period; i < len(data); i++ {
		out[i] = (data[i]-out[i-1])*k + out[i-1]
	}
	return out
}

// RSI uses Wilder smoothing of average gain and loss. The first reading is
// at index period; earlier entries hold RSINeutral.
func RSI(data []float64, period int) []float64 {
	out := make([]float64, len(data))
	for i := range out {
		out[i] = RSINeutral
	}
	if period <= 0 || len(data) <= period {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := data[i] - data[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(data); i++ {
		change := data[i] - data[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return RSINeutral
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// StdDev is the population standard deviation around the rolling mean,
// valid from index period-1.
func StdDev(data []float64, period int) []float64 {
	out := make([]float64, len(data))
	if period <= 0 || len(data) < period {
		return out
	}

	mean := SMA(data, period)
	for i := period - 1; i < len(data); i++ {
		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			d := data[j] - mean[i]
			variance += d * d
		}
		out[i] = math.Sqrt(variance / float64(period))
	}
	return out
}

// TrueRange of each bar; the first bar has no previous close and uses high-low.
func TrueRange(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		tr := c.High - c.Low
		if i > 0 {
			prev := candles[i-1].Close
			tr = math.Max(tr, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
		}
		out[i] = tr
	}
	return out
}

// ATR is the SMA of the true range.
func ATR(candles []market.Candle, period int) []float64 {
	return SMA(TrueRange(candles), period)
}

// Bands holds a Bollinger envelope.
type Bands struct {
	Middle []float64
	Upper  []float64
	Lower  []float64
}

// Bollinger returns SMA ± mult·StdDev, valid from index period-1.
func Bollinger(data []float64, period int, mult float64) Bands {
	mid := SMA(data, period)
	std := StdDev(data, period)
	b := Bands{
		Middle: mid,
		Upper:  make([]float64, len(data)),
		Lower:  make([]float64, len(data)),
	}
	if period <= 0 || len(data) < period {
		return b
	}
	for i := period - 1; i < len(data); i++ {
		b.Upper[i] = mid[i] + mult*std[i]
		b.Lower[i] = mid[i] - mult*std[i]
	}
	return b
}

// MACDSeries holds the MACD line, its signal line and the histogram.
type MACDSeries struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
	// Ready is the first index where all three series are valid, or -1.
	Ready int
}

// MACD computes EMA(fast)-EMA(slow) and an EMA of that line. The line is
// valid from slow-1, the signal and histogram from slow+signal-2.
func MACD(data []float64, fast, slow, signal int) MACDSeries {
	n := len(data)
	m := MACDSeries{
		Line:      make([]float64, n),
		Signal:    make([]float64, n),
		Histogram: make([]float64, n),
		Ready:     -1,
	}
	if fast <= 0 || slow <= 0 || signal <= 0 || n < slow {
		return m
	}

	fastEMA := EMA(data, fast)
	slowEMA := EMA(data, slow)
	start := slow - 1
	if fast > slow {
		start = fast - 1
	}
	for i := start; i < n; i++ {
		m.Line[i] = fastEMA[i] - slowEMA[i]
	}

	sig := EMA(m.Line[start:], signal)
	if n-start < signal {
		return m
	}
	m.Ready = start + signal - 1
	for i := m.Ready; i < n; i++ {
		m.Signal[i] = sig[i-start]
		m.Histogram[i] = m.Line[i] - m.Signal[i]
	}
	return m
}

// Highest is the maximum of the trailing period values ending at i.
func Highest(data []float64, period int) []float64 {
	return rolling(data, period, math.Max)
}

// Lowest is the minimum of the trailing period values ending at i.
func Lowest(data []float64, period int) []float64 {
	return rolling(data, period, math.Min)
}

func rolling(data []float64, period int, pick func(a, b float64) float64) []float64 {
	out := make([]float64, len(data))
	if period <= 0 || len(data) < period {
		return out
	}
	for i := period - 1; i < len(data); i++ {
		v := data[i-period+1]
		for j := i - period + 2; j <= i; j++ {
			v = pick(v, data[j])
		}
		out[i] = v
	}
	return out
}

// Highs extracts high prices.
func Highs(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows extracts low prices.
func Lows(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}
