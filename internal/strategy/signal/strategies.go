package signal

import (
	"qlab/internal/indicator"
	"qlab/internal/market"
)

// EMACross goes long when the fast EMA crosses above the slow EMA and short
// on the mirrored crossing.
type EMACross struct {
	Fast int
	Slow int
}

func (s *EMACross) Kind() Kind { return KindEMACross }

func (s *EMACross) Params() map[string]float64 {
	return map[string]float64{"fast": float64(s.Fast), "slow": float64(s.Slow)}
}

func (s *EMACross) Validate() error {
	if err := checkPeriod(s.Kind(), "fast", s.Fast, 1); err != nil {
		return err
	}
	if err := checkPeriod(s.Kind(), "slow", s.Slow, 2); err != nil {
		return err
	}
	if s.Fast >= s.Slow {
		return invalid(s.Kind(), "fast (%d) must be below slow (%d)", s.Fast, s.Slow)
	}
	return nil
}

func (s *EMACross) Generate(candles []market.Candle) []Signal {
	closes := market.Closes(candles)
	fast := indicator.EMA(closes, s.Fast)
	slow := indicator.EMA(closes, s.Slow)
	return scan(len(candles), s.Slow, func(i int) Signal {
		return emaCross(fast, slow, i)
	})
}

func emaCross(fast, slow []float64, i int) Signal {
	switch {
	case crossUp(fast, slow, i):
		return Long
	case crossDown(fast, slow, i):
		return Short
	}
	return None
}

// RSIReversal goes long when RSI climbs back above the oversold level and
// short when it falls back below the overbought level.
type RSIReversal struct {
	Period     int
	Oversold   float64
	Overbought float64
}

func (s *RSIReversal) Kind() Kind { return KindRSIReversal }

func (s *RSIReversal) Params() map[string]float64 {
	return map[string]float64{
		"period":     float64(s.Period),
		"oversold":   s.Oversold,
		"overbought": s.Overbought,
	}
}

func (s *RSIReversal) Validate() error {
	if err := checkPeriod(s.Kind(), "period", s.Period, 2); err != nil {
		return err
	}
	if s.Oversold <= 0 || s.Overbought >= 100 || s.Oversold >= s.Overbought {
		return invalid(s.Kind(), "need 0 < oversold < overbought < 100, got %v/%v", s.Oversold, s.Overbought)
	}
	return nil
}

func (s *RSIReversal) Generate(candles []market.Candle) []Signal {
	rsi := indicator.RSI(market.Closes(candles), s.Period)
	return scan(len(candles), s.Period+1, func(i int) Signal {
		prev, cur := rsi[i-1], rsi[i]
		switch {
		case prev < s.Oversold && cur >= s.Oversold:
			return Long
		case prev > s.Overbought && cur <= s.Overbought:
			return Short
		}
		return None
	})
}

// Bollinger fires when the close re-enters the envelope: long on the way
// back up through the lower band, short on the way back down through the
// upper band. Closes that stay outside the band do not repeat the signal.
type Bollinger struct {
	Period int
	StdDev float64
}

func (s *Bollinger) Kind() Kind { return KindBollinger }

func (s *Bollinger) Params() map[string]float64 {
	return map[string]float64{"period": float64(s.Period), "std_dev": s.StdDev}
}

func (s *Bollinger) Validate() error {
	if err := checkPeriod(s.Kind(), "period", s.Period, 2); err != nil {
		return err
	}
	if s.StdDev <= 0 || s.StdDev > 10 {
		return invalid(s.Kind(), "std_dev must be in (0, 10], got %v", s.StdDev)
	}
	return nil
}

func (s *Bollinger) Generate(candles []market.Candle) []Signal {
	closes := market.Closes(candles)
	bands := indicator.Bollinger(closes, s.Period, s.StdDev)
	return scan(len(candles), s.Period, func(i int) Signal {
		switch {
		case closes[i-1] < bands.Lower[i-1] && closes[i] >= bands.Lower[i]:
			return Long
		case closes[i-1] > bands.Upper[i-1] && closes[i] <= bands.Upper[i]:
			return Short
		}
		return None
	})
}

// MACD goes long when the MACD line crosses above its signal line with a
// positive histogram, short on the mirror.
type MACD struct {
	Fast   int
	Slow   int
	Signal int
}

func (s *MACD) Kind() Kind { return KindMACD }

func (s *MACD) Params() map[string]float64 {
	return map[string]float64{
		"fast":   float64(s.Fast),
		"slow":   float64(s.Slow),
		"signal": float64(s.Signal),
	}
}

func (s *MACD) Validate() error {
	if err := checkPeriod(s.Kind(), "fast", s.Fast, 1); err != nil {
		return err
	}
	if err := checkPeriod(s.Kind(), "slow", s.Slow, 2); err != nil {
		return err
	}
	if err := checkPeriod(s.Kind(), "signal", s.Signal, 1); err != nil {
		return err
	}
	if s.Fast >= s.Slow {
		return invalid(s.Kind(), "fast (%d) must be below slow (%d)", s.Fast, s.Slow)
	}
	return nil
}

func (s *MACD) Generate(candles []market.Candle) []Signal {
	m := indicator.MACD(market.Closes(candles), s.Fast, s.Slow, s.Signal)
	if m.Ready < 0 {
		return make([]Signal, len(candles))
	}
	return scan(len(candles), m.Ready+1, func(i int) Signal {
		switch {
		case crossUp(m.Line, m.Signal, i) && m.Histogram[i] > 0:
			return Long
		case crossDown(m.Line, m.Signal, i) && m.Histogram[i] < 0:
			return Short
		}
		return None
	})
}

// Supertrend tracks a trend direction against ATR bands around the bar
// midpoint and signals only when the direction flips.
type Supertrend struct {
	Period     int
	Multiplier float64
}

func (s *Supertrend) Kind() Kind { return KindSupertrend }

func (s *Supertrend) Params() map[string]float64 {
	return map[string]float64{"period": float64(s.Period), "multiplier": s.Multiplier}
}

func (s *Supertrend) Validate() error {
	if err := checkPeriod(s.Kind(), "period", s.Period, 1); err != nil {
		return err
	}
	if s.Multiplier <= 0 || s.Multiplier > 20 {
		return invalid(s.Kind(), "multiplier must be in (0, 20], got %v", s.Multiplier)
	}
	return nil
}

// Trend returns the running direction per bar: 1 up, -1 down, 0 before the
// ATR is ready.
func (s *Supertrend) Trend(candles []market.Candle) []int {
	n := len(candles)
	trend := make([]int, n)
	first := s.Period - 1
	if first < 0 || n <= first {
		return trend
	}

	atr := indicator.ATR(candles, s.Period)
	upper := make([]float64, n)
	lower := make([]float64, n)
	for i := first; i < n; i++ {
		c := candles[i]
		mid := (c.High + c.Low) / 2
		basicUpper := mid + s.Multiplier*atr[i]
		basicLower := mid - s.Multiplier*atr[i]

		if i == first {
			upper[i], lower[i] = basicUpper, basicLower
			trend[i] = 1
			if c.Close < mid {
				trend[i] = -1
			}
			continue
		}

		prevClose := candles[i-1].Close
		upper[i] = upper[i-1]
		if basicUpper < upper[i-1] || prevClose > upper[i-1] {
			upper[i] = basicUpper
		}
		lower[i] = lower[i-1]
		if basicLower > lower[i-1] || prevClose < lower[i-1] {
			lower[i] = basicLower
		}

		trend[i] = trend[i-1]
		switch {
		case trend[i-1] < 0 && c.Close > upper[i]:
			trend[i] = 1
		case trend[i-1] > 0 && c.Close < lower[i]:
			trend[i] = -1
		}
	}
	return trend
}

func (s *Supertrend) Generate(candles []market.Candle) []Signal {
	trend := s.Trend(candles)
	return scan(len(candles), s.Period, func(i int) Signal {
		if trend[i-1] == 0 || trend[i] == trend[i-1] {
			return None
		}
		if trend[i] > 0 {
			return Long
		}
		return Short
	})
}

// VolumeWindow is the volume average length used by VolumeEMACross.
const VolumeWindow = 20

// VolumeEMACross is an EMA cross that only counts when the bar's volume
// exceeds VolumeMultiplier times its VolumeWindow average.
type VolumeEMACross struct {
	Fast             int
	Slow             int
	VolumeMultiplier float64
}

func (s *VolumeEMACross) Kind() Kind { return KindVolumeEMACross }

func (s *VolumeEMACross) Params() map[string]float64 {
	return map[string]float64{
		"fast":              float64(s.Fast),
		"slow":              float64(s.Slow),
		"volume_multiplier": s.VolumeMultiplier,
	}
}

func (s *VolumeEMACross) Validate() error {
	base := EMACross{Fast: s.Fast, Slow: s.Slow}
	if err := base.Validate(); err != nil {
		return err
	}
	if s.VolumeMultiplier <= 0 || s.VolumeMultiplier > 20 {
		return invalid(s.Kind(), "volume_multiplier must be in (0, 20], got %v", s.VolumeMultiplier)
	}
	return nil
}

func (s *VolumeEMACross) Generate(candles []market.Candle) []Signal {
	closes := market.Closes(candles)
	fast := indicator.EMA(closes, s.Fast)
	slow := indicator.EMA(closes, s.Slow)
	avgVol := indicator.SMA(market.Volumes(candles), VolumeWindow)

	start := s.Slow
	if start < VolumeWindow {
		start = VolumeWindow
	}
	return scan(len(candles), start, func(i int) Signal {
		if candles[i].Volume <= s.VolumeMultiplier*avgVol[i] {
			return None
		}
		return emaCross(fast, slow, i)
	})
}

// Donchian breaks out when the close clears the prior bar's channel: the
// highest high (long) or lowest low (short) of the trailing Period bars.
type Donchian struct {
	Period int
}

func (s *Donchian) Kind() Kind { return KindDonchian }

func (s *Donchian) Params() map[string]float64 {
	return map[string]float64{"period": float64(s.Period)}
}

func (s *Donchian) Validate() error {
	return checkPeriod(s.Kind(), "period", s.Period, 2)
}

func (s *Donchian) Generate(candles []market.Candle) []Signal {
	upper := indicator.Highest(indicator.Highs(candles), s.Period)
	lower := indicator.Lowest(indicator.Lows(candles), s.Period)
	return scan(len(candles), s.Period, func(i int) Signal {
		c := candles[i].Close
		switch {
		case c > upper[i-1]:
			return Long
		case c < lower[i-1]:
			return Short
		}
		return None
	})
}

// EMARSI goes long above the trend EMA when RSI crosses up through
// Threshold, and short below it when RSI crosses down through 100-Threshold.
type EMARSI struct {
	EMAPeriod int
	RSIPeriod int
	Threshold float64
}

func (s *EMARSI) Kind() Kind { return KindEMARSI }

func (s *EMARSI) Params() map[string]float64 {
	return map[string]float64{
		"ema_period": float64(s.EMAPeriod),
		"rsi_period": float64(s.RSIPeriod),
		"threshold":  s.Threshold,
	}
}

func (s *EMARSI) Validate() error {
	if err := checkPeriod(s.Kind(), "ema_period", s.EMAPeriod, 2); err != nil {
		return err
	}
	if err := checkPeriod(s.Kind(), "rsi_period", s.RSIPeriod, 2); err != nil {
		return err
	}
	if s.Threshold <= 0 || s.Threshold >= 100 {
		return invalid(s.Kind(), "threshold must be in (0, 100), got %v", s.Threshold)
	}
	return nil
}

func (s *EMARSI) Generate(candles []market.Candle) []Signal {
	closes := market.Closes(candles)
	ema := indicator.EMA(closes, s.EMAPeriod)
	rsi := indicator.RSI(closes, s.RSIPeriod)
	upper := 100 - s.Threshold

	start := s.EMAPeriod
	if start < s.RSIPeriod+1 {
		start = s.RSIPeriod + 1
	}
	return scan(len(candles), start, func(i int) Signal {
		prev, cur := rsi[i-1], rsi[i]
		switch {
		case closes[i] > ema[i] && prev < s.Threshold && cur >= s.Threshold:
			return Long
		case closes[i] < ema[i] && prev > upper && cur <= upper:
			return Short
		}
		return None
	})
}
