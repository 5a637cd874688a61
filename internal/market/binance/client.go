package binance

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	apperrors "qlab/internal/errors"
	"qlab/internal/market"
)

// Config holds credentials for the historical kline endpoints. Public market
// data needs no key; the fields are carried for rate-limit tiers.
type Config struct {
	APIKey    string `yaml:"api_key" json:"-"`
	APISecret string `yaml:"api_secret" json:"-"`
	Testnet   bool   `yaml:"testnet" json:"testnet"`
}

// rawKline is the exchange-independent shape both clients decode into.
type rawKline struct {
	OpenTime int64
	Open     string
	High     string
	Low      string
	Close    string
	Volume   string
}

// toCandles converts raw klines strictly: any unparsable field rejects the
// whole batch rather than returning partial data.
func toCandles(symbol string, raws []rawKline) ([]market.Candle, error) {
	if len(raws) == 0 {
		return nil, apperrors.Errorf(apperrors.ErrCodeDataUnavailable, "no klines returned for %s", symbol)
	}
	candles := make([]market.Candle, len(raws))
	for i, k := range raws {
		var vals [5]float64
		for j, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDataUnavailable,
					"malformed kline", symbol+" #"+strconv.Itoa(i), err)
			}
			vals[j] = v
		}
		candles[i] = market.Candle{
			Time:   time.UnixMilli(k.OpenTime).UTC(),
			Open:   vals[0],
			High:   vals[1],
			Low:    vals[2],
			Close:  vals[3],
			Volume: vals[4],
		}
	}
	if err := market.ValidateCandles(candles); err != nil {
		return nil, err
	}
	return candles, nil
}

// fetchError maps a client failure to the error taxonomy.
func fetchError(ctx context.Context, symbol string, err error) error {
	if ctx.Err() != nil {
		return apperrors.NewAppError(apperrors.ErrCodeCancelled, "kline fetch cancelled", ctx.Err())
	}
	return apperrors.NewAppError(apperrors.ErrCodeDataUnavailable, "kline fetch failed", err).
		WithContext("symbol", symbol)
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
