package market

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "qlab/internal/errors"
)

// MaxLimit is the largest candle count a single fetch may request.
const MaxLimit = 1000

// Interval represents a candlestick interval
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval6h:  6 * time.Hour,
	Interval8h:  8 * time.Hour,
	Interval12h: 12 * time.Hour,
	Interval1d:  24 * time.Hour,
	Interval3d:  72 * time.Hour,
	Interval1w:  168 * time.Hour,
	Interval1M:  30 * 24 * time.Hour,
}

// ParseInterval validates s as a known interval.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "unknown interval %q", s)
	}
	return iv, nil
}

// Duration returns the nominal length of one bar. A month counts as 30 days.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// BarsPerDay returns how many bars of this interval fit in a day; intervals
// longer than a day yield a fraction.
func (i Interval) BarsPerDay() float64 {
	d := i.Duration()
	if d <= 0 {
		return 0
	}
	return float64(24*time.Hour) / float64(d)
}

// LimitForDays converts a look-back period into a candle count, capped at MaxLimit.
func (i Interval) LimitForDays(days int) int {
	n := int(math.Ceil(float64(days) * i.BarsPerDay()))
	if n > MaxLimit {
		n = MaxLimit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Candle represents one OHLCV bar. Candles are immutable once fetched.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Request describes one historical fetch.
type Request struct {
	Symbol   string   `json:"symbol"`
	Interval Interval `json:"interval"`
	Limit    int      `json:"limit"`
}

// Normalize upper-cases the symbol and clamps the limit into [1, MaxLimit].
func (r Request) Normalize() Request {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Limit <= 0 || r.Limit > MaxLimit {
		r.Limit = MaxLimit
	}
	return r
}

// Validate checks the request before it reaches a source.
func (r Request) Validate() error {
	if r.Symbol == "" {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "symbol is required")
	}
	if _, err := ParseInterval(string(r.Interval)); err != nil {
		return err
	}
	return nil
}

// CacheKey identifies the request in a candle cache.
func (r Request) CacheKey() string {
	return fmt.Sprintf("candles:%s:%s:%d", r.Symbol, r.Interval, r.Limit)
}

// Source returns ordered OHLCV history. Implementations must fail with a
// DataUnavailable error instead of returning partial or empty data.
type Source interface {
	FetchCandles(ctx context.Context, req Request) ([]Candle, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request) ([]Candle, error)

func (f SourceFunc) FetchCandles(ctx context.Context, req Request) ([]Candle, error) {
	return f(ctx, req)
}

// ValidateCandles rejects empty, unordered or malformed series.
func ValidateCandles(candles []Candle) error {
	if len(candles) == 0 {
		return apperrors.Errorf(apperrors.ErrCodeDataUnavailable, "no candles returned")
	}
	for i, c := range candles {
		if !finitePositive(c.Open) || !finitePositive(c.High) || !finitePositive(c.Low) || !finitePositive(c.Close) {
			return apperrors.Errorf(apperrors.ErrCodeDataUnavailable, "malformed prices at index %d", i)
		}
		if c.High < c.Low {
			return apperrors.Errorf(apperrors.ErrCodeDataUnavailable, "high below low at index %d", i)
		}
		if math.IsNaN(c.Volume) || c.Volume < 0 {
			return apperrors.Errorf(apperrors.ErrCodeDataUnavailable, "malformed volume at index %d", i)
		}
		if i > 0 && !c.Time.After(candles[i-1].Time) {
			return apperrors.Errorf(apperrors.ErrCodeDataUnavailable, "candle times not strictly increasing at index %d", i)
		}
	}
	return nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Closes extracts close prices.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts volumes.
func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}
