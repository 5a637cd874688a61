package report

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	apperrors "qlab/internal/errors"
	"qlab/internal/strategy/backtest"
	"qlab/internal/strategy/montecarlo"
)

// 输出精度
const (
	MoneyPrecision   int32 = 2
	PricePrecision   int32 = 8
	PercentPrecision int32 = 4
)

// ReportFormat represents the format of a report
type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatText ReportFormat = "text"
	FormatCSV  ReportFormat = "csv"
)

var tradeHeader = []string{
	"entry_time", "exit_time", "direction", "entry_price", "exit_price", "size",
	"fee", "pnl", "pnl_percent", "hold_bars", "exit_reason",
}

// WriteTradesCSV writes one row per closed trade.
func WriteTradesCSV(w io.Writer, trades []backtest.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeHeader); err != nil {
		return writeError("trades", err)
	}
	for _, t := range trades {
		row := []string{
			formatTime(t.EntryTime),
			formatTime(t.ExitTime),
			string(t.Direction),
			Fixed(t.EntryPrice, PricePrecision),
			Fixed(t.ExitPrice, PricePrecision),
			Fixed(t.Size, PricePrecision),
			Fixed(t.Fee, MoneyPrecision),
			Fixed(t.PnL, MoneyPrecision),
			Fixed(t.PnLPercent, PercentPrecision),
			strconv.Itoa(t.HoldBars),
			string(t.ExitReason),
		}
		if err := cw.Write(row); err != nil {
			return writeError("trades", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return writeError("trades", err)
	}
	return nil
}

// WriteEquityCSV writes the equity curve as time,equity rows.
func WriteEquityCSV(w io.Writer, curve []backtest.EquityPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "equity"}); err != nil {
		return writeError("equity", err)
	}
	for _, p := range curve {
		if err := cw.Write([]string{formatTime(p.Time), Fixed(p.Equity, MoneyPrecision)}); err != nil {
			return writeError("equity", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return writeError("equity", err)
	}
	return nil
}

// WritePercentilesCSV writes the Monte Carlo percentile table.
func WritePercentilesCSV(w io.Writer, res *montecarlo.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"level", "final_capital", "return_pct", "max_drawdown_pct"}); err != nil {
		return writeError("percentiles", err)
	}
	for _, p := range res.Percentiles {
		row := []string{
			strconv.FormatFloat(p.Level, 'f', -1, 64),
			Fixed(p.FinalCapital, MoneyPrecision),
			Fixed(p.ReturnPct, PercentPrecision),
			Fixed(p.MaxDrawdownPct, PercentPrecision),
		}
		if err := cw.Write(row); err != nil {
			return writeError("percentiles", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return writeError("percentiles", err)
	}
	return nil
}

// Fixed renders v with the given number of decimals. Infinities render as
// "inf" and "-inf", NaN as "nan".
func Fixed(v float64, places int32) string {
	switch {
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsNaN(v):
		return "nan"
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func writeError(what string, err error) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInternal, "failed to write report", what, err)
}
