package backtest

import (
	"encoding/json"
	"math"
	"time"

	apperrors "qlab/internal/errors"
	"qlab/internal/market"
	"qlab/internal/strategy/signal"
)

// Config represents backtest configuration. Percent fields are expressed in
// percent (2 means 2%); FeeRate and Slippage are fractions.
type Config struct {
	Strategy       signal.Kind        `json:"strategy" yaml:"strategy"`
	Params         map[string]float64 `json:"params,omitempty" yaml:"params"`
	Symbol         string             `json:"symbol" yaml:"symbol"`
	Timeframe      market.Interval    `json:"timeframe" yaml:"timeframe"`
	PeriodDays     int                `json:"period_days" yaml:"period_days"`
	InitialCapital float64            `json:"initial_capital" yaml:"initial_capital"`
	FeeRate        float64            `json:"fee_rate" yaml:"fee_rate"`
	Slippage       float64            `json:"slippage" yaml:"slippage"`
	StopLoss       float64            `json:"stop_loss" yaml:"stop_loss"`
	TakeProfit     float64            `json:"take_profit" yaml:"take_profit"`
	MaxPosition    float64            `json:"max_position" yaml:"max_position"`
}

// DefaultConfig returns a runnable configuration for BTCUSDT hourly bars.
func DefaultConfig() Config {
	return Config{
		Strategy:       signal.KindEMACross,
		Symbol:         "BTCUSDT",
		Timeframe:      market.Interval1h,
		PeriodDays:     30,
		InitialCapital: 10000,
		FeeRate:        0.001,
		Slippage:       0.0005,
		StopLoss:       2,
		TakeProfit:     4,
		MaxPosition:    100,
	}
}

// WithParams returns a copy of c carrying params.
func (c Config) WithParams(params map[string]float64) Config {
	cp := make(map[string]float64, len(params))
	for k, v := range params {
		cp[k] = v
	}
	c.Params = cp
	return c
}

// Validate checks every field, including the market request fields.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "symbol is required")
	}
	if _, err := market.ParseInterval(string(c.Timeframe)); err != nil {
		return err
	}
	if c.PeriodDays < 1 || c.PeriodDays > 3650 {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "period_days must be in [1, 3650], got %d", c.PeriodDays)
	}
	return c.validateTrading()
}

// validateTrading checks the fields Simulate depends on.
func (c Config) validateTrading() error {
	checks := []struct {
		name     string
		v        float64
		min, max float64
		minOpen  bool
	}{
		{"initial_capital", c.InitialCapital, 0, 1e12, true},
		{"fee_rate", c.FeeRate, 0, 0.1, false},
		{"slippage", c.Slippage, 0, 0.1, false},
		{"stop_loss", c.StopLoss, 0, 99, false},
		{"take_profit", c.TakeProfit, 0, 1000, false},
		{"max_position", c.MaxPosition, 0, 100, true},
	}
	for _, ch := range checks {
		bad := math.IsNaN(ch.v) || math.IsInf(ch.v, 0) || ch.v > ch.max || ch.v < ch.min
		if ch.minOpen && ch.v == ch.min {
			bad = true
		}
		if bad {
			return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "%s out of range: %v", ch.name, ch.v)
		}
	}
	return nil
}

// Direction of a position
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

func directionOf(s signal.Signal) Direction {
	if s == signal.Short {
		return DirectionShort
	}
	return DirectionLong
}

// Opposes reports whether s points against d.
func (d Direction) Opposes(s signal.Signal) bool {
	return (d == DirectionLong && s == signal.Short) || (d == DirectionShort && s == signal.Long)
}

// ExitReason records why a position was closed
type ExitReason string

const (
	ExitSignal     ExitReason = "signal"
	ExitStopLoss   ExitReason = "stopLoss"
	ExitTakeProfit ExitReason = "takeProfit"
	// ExitEndOfData marks the forced close on the final candle.
	ExitEndOfData ExitReason = "endOfData"
)

// Trade represents a closed round trip. Trades are never modified after
// they are appended to a ledger.
type Trade struct {
	EntryTime  time.Time  `json:"entry_time"`
	ExitTime   time.Time  `json:"exit_time"`
	Direction  Direction  `json:"direction"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	Size       float64    `json:"size"`
	Fee        float64    `json:"fee"`
	PnL        float64    `json:"pnl"`
	PnLPercent float64    `json:"pnl_percent"`
	HoldBars   int        `json:"hold_bars"`
	ExitReason ExitReason `json:"exit_reason"`
}

// EquityPoint represents a point in the equity curve
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// MonthlyReturn is the percent change of equity within one calendar month.
type MonthlyReturn struct {
	Month     string  `json:"month"` // 2006-01
	ReturnPct float64 `json:"return_pct"`
}

// Metrics summarises a run. WinRate, drawdown and returns are percentages.
type Metrics struct {
	TotalTrades    int             `json:"total_trades"`
	Wins           int             `json:"wins"`
	Losses         int             `json:"losses"`
	WinRate        float64         `json:"win_rate"`
	GrossProfit    float64         `json:"gross_profit"`
	GrossLoss      float64         `json:"gross_loss"`
	ProfitFactor   float64         `json:"profit_factor"`
	TotalReturnPct float64         `json:"total_return_pct"`
	MaxDrawdownPct float64         `json:"max_drawdown_pct"`
	SharpeRatio    float64         `json:"sharpe_ratio"`
	AvgWin         float64         `json:"avg_win"`
	AvgLoss        float64         `json:"avg_loss"`
	AvgHoldBars    float64         `json:"avg_hold_bars"`
	BestTradePct   float64         `json:"best_trade_pct"`
	WorstTradePct  float64         `json:"worst_trade_pct"`
	MonthlyReturns []MonthlyReturn `json:"monthly_returns"`
}

type metricsAlias Metrics

type metricsJSON struct {
	metricsAlias
	ProfitFactor interface{} `json:"profit_factor"`
}

// MarshalJSON writes an infinite profit factor as the string "inf".
func (m Metrics) MarshalJSON() ([]byte, error) {
	out := metricsJSON{metricsAlias: metricsAlias(m), ProfitFactor: m.ProfitFactor}
	if math.IsInf(m.ProfitFactor, 1) {
		out.ProfitFactor = "inf"
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the "inf" profit factor written by MarshalJSON.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var in metricsJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Metrics(in.metricsAlias)
	switch v := in.ProfitFactor.(type) {
	case float64:
		m.ProfitFactor = v
	case string:
		if v == "inf" {
			m.ProfitFactor = math.Inf(1)
		}
	}
	return nil
}

// Result is produced once per run and read-only afterwards.
type Result struct {
	Config       Config        `json:"config"`
	Candles      int           `json:"candles"`
	FinalCapital float64       `json:"final_capital"`
	Trades       []Trade       `json:"trades"`
	EquityCurve  []EquityPoint `json:"equity_curve"`
	Metrics      Metrics       `json:"metrics"`
}

// TradeReturns returns per-trade returns as fractions (0.1 for +10%).
func (r *Result) TradeReturns() []float64 {
	out := make([]float64, len(r.Trades))
	for i, t := range r.Trades {
		out[i] = t.PnLPercent / 100
	}
	return out
}
