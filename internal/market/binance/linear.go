package binance

import (
	"context"
	"strings"
	"sync"

	"github.com/banbox/banexg"
	"github.com/banbox/banexg/bex"

	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
	"qlab/internal/market"
)

// LinearSource reads USDT-margined perpetual klines through banexg.
type LinearSource struct {
	exchange banexg.BanExchange
	log      logger.Logger

	loadOnce sync.Once
	loadErr  error
}

// NewLinearSource 创建U本位合约K线数据源
func NewLinearSource(cfg Config, log logger.Logger) (*LinearSource, error) {
	options := map[string]interface{}{
		banexg.OptMarketType: banexg.MarketLinear,
	}
	if cfg.APIKey != "" {
		options[banexg.OptApiKey] = cfg.APIKey
		options[banexg.OptApiSecret] = cfg.APISecret
	}
	if cfg.Testnet {
		options[banexg.OptEnv] = "test"
	}

	exg, err := bex.New("binance", options)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDataUnavailable, "failed to create banexg exchange", err)
	}
	return &LinearSource{exchange: exg, log: logger.OrDefault(log)}, nil
}

func (s *LinearSource) FetchCandles(ctx context.Context, req market.Request) ([]market.Candle, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// banexg 不支持 context，放入 goroutine 中等待
	type outcome struct {
		klines []*banexg.Kline
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		if err := s.loadMarkets(); err != nil {
			done <- outcome{err: err}
			return
		}
		klines, err := s.exchange.FetchOHLCV(LinearSymbol(req.Symbol), string(req.Interval), 0, req.Limit, nil)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		done <- outcome{klines: klines}
	}()

	select {
	case <-ctx.Done():
		return nil, fetchError(ctx, req.Symbol, ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, fetchError(ctx, req.Symbol, out.err)
		}
		s.log.Debug("Fetched linear klines", "symbol", req.Symbol, "interval", string(req.Interval), "count", len(out.klines))
		return toCandles(req.Symbol, linearKlines(out.klines))
	}
}

func (s *LinearSource) loadMarkets() error {
	s.loadOnce.Do(func() {
		if _, err := s.exchange.LoadMarkets(false, nil); err != nil {
			s.loadErr = err
		}
	})
	return s.loadErr
}

// Close releases the exchange connection.
func (s *LinearSource) Close() error {
	if err := s.exchange.Close(); err != nil {
		return err
	}
	return nil
}

// LinearSymbol converts BTCUSDT into the unified BTC/USDT:USDT form. Symbols
// already in unified form pass through.
func LinearSymbol(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if strings.Contains(symbol, "/") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC"} {
		if base := strings.TrimSuffix(symbol, quote); base != symbol && base != "" {
			return base + "/" + quote + ":" + quote
		}
	}
	return symbol
}

func linearKlines(klines []*banexg.Kline) []rawKline {
	out := make([]rawKline, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		out = append(out, rawKline{
			OpenTime: k.Time,
			Open:     formatFloat(k.Open),
			High:     formatFloat(k.High),
			Low:      formatFloat(k.Low),
			Close:    formatFloat(k.Close),
			Volume:   formatFloat(k.Volume),
		})
	}
	return out
}
