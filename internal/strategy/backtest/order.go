package backtest

// CostModel applies slippage against the trader on every fill and charges a
// proportional fee on both legs of a round trip.
type CostModel struct {
	FeeRate  float64
	Slippage float64
}

// EntryPrice returns the filled entry price: longs pay up, shorts sell lower.
func (m CostModel) EntryPrice(dir Direction, price float64) float64 {
	return price * (1 + dir.Sign()*m.Slippage)
}

// ExitPrice returns the filled exit price: longs sell lower, shorts pay up.
func (m CostModel) ExitPrice(dir Direction, price float64) float64 {
	return price * (1 - dir.Sign()*m.Slippage)
}

// RoundTripFee 往返手续费
func (m CostModel) RoundTripFee(entryNotional, exitNotional float64) float64 {
	return m.FeeRate * (entryNotional + exitNotional)
}
