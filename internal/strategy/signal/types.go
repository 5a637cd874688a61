package signal

import (
	"math"
	"sort"

	apperrors "qlab/internal/errors"
	"qlab/internal/market"
)

// WarmupBars is the number of leading bars that never carry a signal.
const WarmupBars = 50

// MaxPeriod bounds every look-back parameter.
const MaxPeriod = 500

// Signal represents the directional reading at one bar
type Signal int8

const (
	None  Signal = 0
	Long  Signal = 1
	Short Signal = -1
)

func (s Signal) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "none"
	}
}

// Kind identifies a strategy rule set
type Kind string

const (
	KindEMACross       Kind = "ema_cross"
	KindRSIReversal    Kind = "rsi_reversal"
	KindBollinger      Kind = "bollinger"
	KindMACD           Kind = "macd"
	KindSupertrend     Kind = "supertrend"
	KindVolumeEMACross Kind = "volume_ema_cross"
	KindDonchian       Kind = "donchian"
	KindEMARSI         Kind = "ema_rsi"
)

// Kinds returns every supported strategy kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindEMACross,
		KindRSIReversal,
		KindBollinger,
		KindMACD,
		KindSupertrend,
		KindVolumeEMACross,
		KindDonchian,
		KindEMARSI,
	}
}

// Strategy is one typed rule set. Generate returns exactly one Signal per
// candle, and the value at i depends only on candles[0..i].
type Strategy interface {
	Kind() Kind
	Params() map[string]float64
	Validate() error
	Generate(candles []market.Candle) []Signal
}

// Defaults returns the default parameter map of a kind.
func Defaults(kind Kind) (map[string]float64, error) {
	s, err := defaultStrategy(kind)
	if err != nil {
		return nil, err
	}
	return s.Params(), nil
}

// New builds a strategy from a parameter map. Missing keys take their
// defaults; unknown keys and out-of-range values are rejected.
func New(kind Kind, params map[string]float64) (Strategy, error) {
	s, err := defaultStrategy(kind)
	if err != nil {
		return nil, err
	}

	p := paramReader{kind: kind, values: params, seen: make(map[string]bool, len(params))}
	var built Strategy
	switch v := s.(type) {
	case *EMACross:
		v.Fast = p.int("fast", v.Fast)
		v.Slow = p.int("slow", v.Slow)
		built = v
	case *RSIReversal:
		v.Period = p.int("period", v.Period)
		v.Oversold = p.float("oversold", v.Oversold)
		v.Overbought = p.float("overbought", v.Overbought)
		built = v
	case *Bollinger:
		v.Period = p.int("period", v.Period)
		v.StdDev = p.float("std_dev", v.StdDev)
		built = v
	case *MACD:
		v.Fast = p.int("fast", v.Fast)
		v.Slow = p.int("slow", v.Slow)
		v.Signal = p.int("signal", v.Signal)
		built = v
	case *Supertrend:
		v.Period = p.int("period", v.Period)
		v.Multiplier = p.float("multiplier", v.Multiplier)
		built = v
	case *VolumeEMACross:
		v.Fast = p.int("fast", v.Fast)
		v.Slow = p.int("slow", v.Slow)
		v.VolumeMultiplier = p.float("volume_multiplier", v.VolumeMultiplier)
		built = v
	case *Donchian:
		v.Period = p.int("period", v.Period)
		built = v
	case *EMARSI:
		v.EMAPeriod = p.int("ema_period", v.EMAPeriod)
		v.RSIPeriod = p.int("rsi_period", v.RSIPeriod)
		v.Threshold = p.float("threshold", v.Threshold)
		built = v
	}

	if err := p.finish(); err != nil {
		return nil, err
	}
	if err := built.Validate(); err != nil {
		return nil, err
	}
	return built, nil
}

func defaultStrategy(kind Kind) (Strategy, error) {
	switch kind {
	case KindEMACross:
		return &EMACross{Fast: 9, Slow: 21}, nil
	case KindRSIReversal:
		return &RSIReversal{Period: 14, Oversold: 30, Overbought: 70}, nil
	case KindBollinger:
		return &Bollinger{Period: 20, StdDev: 2}, nil
	case KindMACD:
		return &MACD{Fast: 12, Slow: 26, Signal: 9}, nil
	case KindSupertrend:
		return &Supertrend{Period: 10, Multiplier: 3}, nil
	case KindVolumeEMACross:
		return &VolumeEMACross{Fast: 9, Slow: 21, VolumeMultiplier: 1.5}, nil
	case KindDonchian:
		return &Donchian{Period: 20}, nil
	case KindEMARSI:
		return &EMARSI{EMAPeriod: 50, RSIPeriod: 14, Threshold: 40}, nil
	default:
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeStrategyNotFound, "unknown strategy", string(kind), nil)
	}
}

// intTolerance is how far from a whole number an integer parameter may sit
// and still count as that integer.
const intTolerance = 1e-9

// paramReader pulls typed values out of a loose parameter map and remembers
// which keys were consumed and which were malformed.
type paramReader struct {
	kind       Kind
	values     map[string]float64
	seen       map[string]bool
	bad        []string
	fractional []string
}

func (p *paramReader) float(key string, def float64) float64 {
	v, ok := p.values[key]
	if !ok {
		return def
	}
	p.seen[key] = true
	if math.IsNaN(v) || math.IsInf(v, 0) {
		p.bad = append(p.bad, key)
		return def
	}
	return v
}

func (p *paramReader) int(key string, def int) int {
	v, ok := p.values[key]
	if !ok {
		return def
	}
	f := p.float(key, float64(def))
	if f != v {
		return def
	}
	r := math.Round(f)
	if math.Abs(f-r) > intTolerance {
		p.fractional = append(p.fractional, key)
		return def
	}
	return int(r)
}

func (p *paramReader) finish() error {
	var unknown []string
	for k := range p.values {
		if !p.seen[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	if len(unknown) > 0 {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "%s: unknown parameters %v", p.kind, unknown)
	}
	if len(p.bad) > 0 {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "%s: non-finite parameters %v", p.kind, p.bad)
	}
	if len(p.fractional) > 0 {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "%s: parameters %v must be whole numbers", p.kind, p.fractional)
	}
	return nil
}

func invalid(kind Kind, format string, args ...interface{}) error {
	return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, string(kind)+": "+format, args...)
}

func checkPeriod(kind Kind, name string, v, min int) error {
	if v < min || v > MaxPeriod {
		return invalid(kind, "%s must be in [%d, %d], got %d", name, min, MaxPeriod, v)
	}
	return nil
}

// scan evaluates rule for every i >= max(start, WarmupBars); everything
// before stays None.
func scan(n, start int, rule func(i int) Signal) []Signal {
	out := make([]Signal, n)
	if start < WarmupBars {
		start = WarmupBars
	}
	if start < 1 {
		start = 1
	}
	for i := start; i < n; i++ {
		out[i] = rule(i)
	}
	return out
}

// crossUp reports a crossing of a above b between i-1 and i.
func crossUp(a, b []float64, i int) bool {
	return a[i-1] <= b[i-1] && a[i] > b[i]
}

func crossDown(a, b []float64, i int) bool {
	return a[i-1] >= b[i-1] && a[i] < b[i]
}
