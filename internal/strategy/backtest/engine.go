package backtest

import (
	"qlab/internal/market"
	"qlab/internal/strategy/signal"
)

// Simulate walks candles in time order with at most one open position.
//
// Per bar, an open position is checked for a stop-loss breach, then a
// take-profit breach, then an opposing signal, and exits on the first that
// holds. A flat book opens on any non-None signal at the bar close. An exit
// bar never re-enters. The final bar force-closes any open position at its
// close, so every run ends flat and the equity curve has one point per
// candle.
func Simulate(cfg Config, strategy signal.Strategy, candles []market.Candle) (*Result, error) {
	if err := cfg.validateTrading(); err != nil {
		return nil, err
	}
	if err := market.ValidateCandles(candles); err != nil {
		return nil, err
	}
	return simulate(cfg, strategy.Generate(candles), candles), nil
}

func simulate(cfg Config, signals []signal.Signal, candles []market.Candle) *Result {
	cost := CostModel{FeeRate: cfg.FeeRate, Slippage: cfg.Slippage}
	n := len(candles)

	capital := cfg.InitialCapital
	trades := make([]Trade, 0)
	curve := make([]EquityPoint, 0, n)
	var pos *Position

	for i, c := range candles {
		last := i == n-1
		sig := signals[i]

		// 1. 持仓时检查离场条件
		if pos != nil {
			var (
				fill   float64
				reason ExitReason
				exit   bool
			)
			switch {
			case last:
				fill, reason, exit = c.Close, ExitEndOfData, true
			default:
				if f, ok := pos.stopFill(c, cfg.StopLoss); ok {
					fill, reason, exit = f, ExitStopLoss, true
				} else if f, ok := pos.takeProfitFill(c, cfg.TakeProfit); ok {
					fill, reason, exit = f, ExitTakeProfit, true
				} else if pos.Direction.Opposes(sig) {
					fill, reason, exit = c.Close, ExitSignal, true
				}
			}
			if exit {
				t := pos.close(cost, fill, c.Time, i, reason)
				trades = append(trades, t)
				capital += t.PnL
				pos = nil
				curve = append(curve, EquityPoint{Time: c.Time, Equity: capital})
				continue
			}
		} else if sig != signal.None && !last && capital > 0 {
			// 2. 空仓时按信号开仓
			dir := directionOf(sig)
			notional := capital * cfg.MaxPosition / 100
			pos = &Position{
				Direction:  dir,
				EntryPrice: cost.EntryPrice(dir, c.Close),
				EntryTime:  c.Time,
				EntryIndex: i,
				Size:       notional / c.Close,
			}
		}

		// 3. 记录权益
		equity := capital
		if pos != nil {
			equity += pos.Unrealized(c.Close)
		}
		curve = append(curve, EquityPoint{Time: c.Time, Equity: equity})
	}

	return &Result{
		Config:       cfg,
		Candles:      n,
		FinalCapital: capital,
		Trades:       trades,
		EquityCurve:  curve,
		Metrics:      CalculateMetrics(trades, curve, cfg.InitialCapital),
	}
}
