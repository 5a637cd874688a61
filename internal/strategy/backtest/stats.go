package backtest

import (
	"math"
)

// TradingDaysPerYear annualises the Sharpe ratio.
const TradingDaysPerYear = 252

// CalculateMetrics derives the run statistics from a ledger and equity curve.
func CalculateMetrics(trades []Trade, curve []EquityPoint, initialCapital float64) Metrics {
	m := Metrics{
		TotalTrades:    len(trades),
		MonthlyReturns: monthlyReturns(curve),
		MaxDrawdownPct: maxDrawdownPct(curve),
		SharpeRatio:    sharpeRatio(curve),
	}

	if len(curve) > 0 && initialCapital > 0 {
		m.TotalReturnPct = (curve[len(curve)-1].Equity - initialCapital) / initialCapital * 100
	}

	if len(trades) == 0 {
		return m
	}

	holdBars := 0
	m.BestTradePct = math.Inf(-1)
	m.WorstTradePct = math.Inf(1)
	for _, t := range trades {
		switch {
		case t.PnL > 0:
			m.Wins++
			m.GrossProfit += t.PnL
		case t.PnL < 0:
			m.Losses++
			m.GrossLoss -= t.PnL
		}
		holdBars += t.HoldBars
		m.BestTradePct = math.Max(m.BestTradePct, t.PnLPercent)
		m.WorstTradePct = math.Min(m.WorstTradePct, t.PnLPercent)
	}

	m.WinRate = float64(m.Wins) / float64(len(trades)) * 100
	m.AvgHoldBars = float64(holdBars) / float64(len(trades))
	m.ProfitFactor = profitFactor(m.GrossProfit, m.GrossLoss)
	if m.Wins > 0 {
		m.AvgWin = m.GrossProfit / float64(m.Wins)
	}
	if m.Losses > 0 {
		m.AvgLoss = m.GrossLoss / float64(m.Losses)
	}
	return m
}

func profitFactor(grossProfit, grossLoss float64) float64 {
	switch {
	case grossLoss > 0:
		return grossProfit / grossLoss
	case grossProfit > 0:
		return math.Inf(1)
	default:
		return 0
	}
}

// maxDrawdownPct 最大回撤（百分比）
func maxDrawdownPct(curve []EquityPoint) float64 {
	maxDD := 0.0
	peak := math.Inf(-1)
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - p.Equity) / peak
		if dd > maxDD {
			maxDD = dd
		}
	}
	return math.Min(maxDD, 1) * 100
}

// sharpeRatio annualises mean/stddev of bar-to-bar equity returns.
func sharpeRatio(curve []EquityPoint) float64 {
	returns := make([]float64, 0, len(curve))
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)
	stdDev := math.Sqrt(variance)

	// 浮点误差下视为零波动
	if stdDev < 1e-15 {
		return 0
	}

	// 假设无风险利率为0
	return mean / stdDev * math.Sqrt(TradingDaysPerYear)
}

// monthlyReturns groups the curve by calendar month in order of appearance.
func monthlyReturns(curve []EquityPoint) []MonthlyReturn {
	out := make([]MonthlyReturn, 0)
	var first, last float64
	month := ""
	flush := func() {
		if month == "" {
			return
		}
		r := 0.0
		if first != 0 {
			r = (last - first) / first * 100
		}
		out = append(out, MonthlyReturn{Month: month, ReturnPct: r})
	}

	for _, p := range curve {
		key := p.Time.UTC().Format("2006-01")
		if key != month {
			flush()
			month = key
			first = p.Equity
		}
		last = p.Equity
	}
	flush()
	return out
}
