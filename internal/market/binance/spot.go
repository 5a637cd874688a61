package binance

import (
	"context"

	gobinance "github.com/adshao/go-binance/v2"

	"qlab/internal/logger"
	"qlab/internal/market"
)

// SpotSource reads spot klines through the Binance REST API.
type SpotSource struct {
	client *gobinance.Client
	log    logger.Logger
}

// NewSpotSource 创建现货K线数据源
func NewSpotSource(cfg Config, log logger.Logger) *SpotSource {
	if cfg.Testnet {
		gobinance.UseTestnet = true
	}
	return &SpotSource{
		client: gobinance.NewClient(cfg.APIKey, cfg.APISecret),
		log:    logger.OrDefault(log),
	}
}

func (s *SpotSource) FetchCandles(ctx context.Context, req market.Request) ([]market.Candle, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	klines, err := s.client.NewKlinesService().
		Symbol(req.Symbol).
		Interval(string(req.Interval)).
		Limit(req.Limit).
		Do(ctx)
	if err != nil {
		return nil, fetchError(ctx, req.Symbol, err)
	}

	s.log.Debug("Fetched spot klines", "symbol", req.Symbol, "interval", string(req.Interval), "count", len(klines))
	return toCandles(req.Symbol, spotKlines(klines))
}

func spotKlines(klines []*gobinance.Kline) []rawKline {
	out := make([]rawKline, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		out = append(out, rawKline{
			OpenTime: k.OpenTime,
			Open:     k.Open,
			High:     k.High,
			Low:      k.Low,
			Close:    k.Close,
			Volume:   k.Volume,
		})
	}
	return out
}
