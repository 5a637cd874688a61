package backtest

import (
	"context"

	apperrors "qlab/internal/errors"
	"qlab/internal/market"
)

// DataLoader loads the candle history a configuration asks for
type DataLoader struct {
	source market.Source
}

// NewDataLoader creates a new data loader
func NewDataLoader(source market.Source) *DataLoader {
	return &DataLoader{source: source}
}

// RequestFor converts PeriodDays into a bar count for the timeframe.
func RequestFor(cfg Config) market.Request {
	return market.Request{
		Symbol:   cfg.Symbol,
		Interval: cfg.Timeframe,
		Limit:    cfg.Timeframe.LimitForDays(cfg.PeriodDays),
	}.Normalize()
}

// LoadData fetches and validates candles. Any failure other than
// cancellation surfaces as DataUnavailable; partial data is never returned.
func (l *DataLoader) LoadData(ctx context.Context, cfg Config) ([]market.Candle, error) {
	candles, err := l.source.FetchCandles(ctx, RequestFor(cfg))
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeCancelled {
			return nil, err
		}
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDataUnavailable, "failed to load candles").
			WithContext("symbol", cfg.Symbol).
			WithContext("timeframe", string(cfg.Timeframe))
	}
	if err := market.ValidateCandles(candles); err != nil {
		return nil, err
	}
	return candles, nil
}
