package backtest

import (
	"math"
	"time"

	"qlab/internal/market"
)

// Position is the single open position of a run. It is created on entry and
// only ever closed.
type Position struct {
	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
	EntryIndex int       `json:"entry_index"`
	Size       float64   `json:"size"`
}

// Unrealized returns the mark-to-market P&L at price.
func (p *Position) Unrealized(price float64) float64 {
	return p.Direction.Sign() * (price - p.EntryPrice) * p.Size
}

// stopPrice returns the stop level for pct percent, or 0 when disabled.
func (p *Position) stopPrice(pct float64) float64 {
	if pct <= 0 {
		return 0
	}
	return p.EntryPrice * (1 - p.Direction.Sign()*pct/100)
}

func (p *Position) takeProfitPrice(pct float64) float64 {
	if pct <= 0 {
		return 0
	}
	return p.EntryPrice * (1 + p.Direction.Sign()*pct/100)
}

// stopFill reports whether bar c breaches the stop and the raw fill price.
// A bar that opens beyond the stop fills at the open.
func (p *Position) stopFill(c market.Candle, pct float64) (float64, bool) {
	stop := p.stopPrice(pct)
	if stop == 0 {
		return 0, false
	}
	if p.Direction == DirectionLong {
		if c.Low <= stop {
			return math.Min(c.Open, stop), true
		}
		return 0, false
	}
	if c.High >= stop {
		return math.Max(c.Open, stop), true
	}
	return 0, false
}

// takeProfitFill reports whether bar c reaches the target and the raw fill
// price. A bar that opens beyond the target fills at the open.
func (p *Position) takeProfitFill(c market.Candle, pct float64) (float64, bool) {
	target := p.takeProfitPrice(pct)
	if target == 0 {
		return 0, false
	}
	if p.Direction == DirectionLong {
		if c.High >= target {
			return math.Max(c.Open, target), true
		}
		return 0, false
	}
	if c.Low <= target {
		return math.Min(c.Open, target), true
	}
	return 0, false
}

// close realizes the position at the raw price rawExit on bar index.
func (p *Position) close(cost CostModel, rawExit float64, at time.Time, index int, reason ExitReason) Trade {
	exit := cost.ExitPrice(p.Direction, rawExit)
	entryNotional := p.EntryPrice * p.Size
	fee := cost.RoundTripFee(entryNotional, exit*p.Size)
	pnl := p.Direction.Sign()*(exit-p.EntryPrice)*p.Size - fee

	pnlPct := 0.0
	if entryNotional > 0 {
		pnlPct = pnl / entryNotional * 100
	}
	return Trade{
		EntryTime:  p.EntryTime,
		ExitTime:   at,
		Direction:  p.Direction,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exit,
		Size:       p.Size,
		Fee:        fee,
		PnL:        pnl,
		PnLPercent: pnlPct,
		HoldBars:   index - p.EntryIndex,
		ExitReason: reason,
	}
}
