package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/template"

	"qlab/internal/strategy/backtest"
)

// BacktestSummary is the human-facing rendering of a backtest result. All
// numbers are pre-formatted strings.
type BacktestSummary struct {
	Strategy       string `json:"strategy"`
	Params         string `json:"params"`
	Symbol         string `json:"symbol"`
	Timeframe      string `json:"timeframe"`
	Candles        int    `json:"candles"`
	InitialCapital string `json:"initial_capital"`
	FinalCapital   string `json:"final_capital"`
	TotalReturnPct string `json:"total_return_pct"`
	MaxDrawdownPct string `json:"max_drawdown_pct"`
	SharpeRatio    string `json:"sharpe_ratio"`
	ProfitFactor   string `json:"profit_factor"`
	WinRate        string `json:"win_rate"`
	TotalTrades    int    `json:"total_trades"`
	Wins           int    `json:"wins"`
	Losses         int    `json:"losses"`
	AvgWin         string `json:"avg_win"`
	AvgLoss        string `json:"avg_loss"`
	AvgHoldBars    string `json:"avg_hold_bars"`
	BestTradePct   string `json:"best_trade_pct"`
	WorstTradePct  string `json:"worst_trade_pct"`
}

// Summary formats the headline figures of a run.
func Summary(result *backtest.Result) BacktestSummary {
	cfg, m := result.Config, result.Metrics
	return BacktestSummary{
		Strategy:       string(cfg.Strategy),
		Params:         formatParams(cfg.Params),
		Symbol:         cfg.Symbol,
		Timeframe:      string(cfg.Timeframe),
		Candles:        result.Candles,
		InitialCapital: Fixed(cfg.InitialCapital, MoneyPrecision),
		FinalCapital:   Fixed(result.FinalCapital, MoneyPrecision),
		TotalReturnPct: Fixed(m.TotalReturnPct, MoneyPrecision),
		MaxDrawdownPct: Fixed(m.MaxDrawdownPct, MoneyPrecision),
		SharpeRatio:    Fixed(m.SharpeRatio, MoneyPrecision),
		ProfitFactor:   Fixed(m.ProfitFactor, MoneyPrecision),
		WinRate:        Fixed(m.WinRate, MoneyPrecision),
		TotalTrades:    m.TotalTrades,
		Wins:           m.Wins,
		Losses:         m.Losses,
		AvgWin:         Fixed(m.AvgWin, MoneyPrecision),
		AvgLoss:        Fixed(m.AvgLoss, MoneyPrecision),
		AvgHoldBars:    Fixed(m.AvgHoldBars, 1),
		BestTradePct:   Fixed(m.BestTradePct, MoneyPrecision),
		WorstTradePct:  Fixed(m.WorstTradePct, MoneyPrecision),
	}
}

var summaryTemplate = template.Must(template.New("summary").Parse(
	`Strategy:        {{.Strategy}} {{.Params}}
Market:          {{.Symbol}} {{.Timeframe}} ({{.Candles}} candles)
Capital:         {{.InitialCapital}} -> {{.FinalCapital}}
Total return:    {{.TotalReturnPct}}%
Max drawdown:    {{.MaxDrawdownPct}}%
Sharpe ratio:    {{.SharpeRatio}}
Profit factor:   {{.ProfitFactor}}
Trades:          {{.TotalTrades}} ({{.Wins}} won / {{.Losses}} lost, win rate {{.WinRate}}%)
Avg win/loss:    {{.AvgWin}} / {{.AvgLoss}}
Avg hold:        {{.AvgHoldBars}} bars
Best/worst:      {{.BestTradePct}}% / {{.WorstTradePct}}%
`))

// WriteText renders s as an aligned plain-text block.
func (s BacktestSummary) WriteText(w io.Writer) error {
	if err := summaryTemplate.Execute(w, s); err != nil {
		return writeError("summary", err)
	}
	return nil
}

// formatParams renders params as k=v pairs sorted by key.
func formatParams(params map[string]float64) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, params[k])
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
