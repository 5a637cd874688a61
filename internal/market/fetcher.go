package market

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"qlab/internal/cache"
	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
)

// Fetch outcomes reported to a FetchObserver.
const (
	FetchOK       = "ok"
	FetchError    = "error"
	FetchCacheHit = "cache_hit"
)

// FetchObserver receives one event per Fetcher call.
type FetchObserver interface {
	ObserveCandleFetch(source, status string)
}

// FetcherConfig 行情获取配置
type FetcherConfig struct {
	Name           string        `yaml:"name" json:"name"`
	RequestsPerSec float64       `yaml:"requests_per_sec" json:"requests_per_sec"`
	Burst          int           `yaml:"burst" json:"burst"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	CacheTTL       time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	Retry          *RetryConfig  `yaml:"retry" json:"retry"`
}

// DefaultFetcherConfig returns limits that stay well inside public REST quotas.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Name:           "binance",
		RequestsPerSec: 10,
		Burst:          5,
		Timeout:        15 * time.Second,
		CacheTTL:       5 * time.Minute,
		Retry:          DefaultRetryConfig(),
	}
}

// Fetcher decorates a Source with rate limiting, bounded retry, a per-attempt
// timeout and an optional candle cache. Results are validated before they
// are cached or returned.
type Fetcher struct {
	source   Source
	config   FetcherConfig
	limiter  *rate.Limiter
	cache    cache.Cache
	observer FetchObserver
	log      logger.Logger
}

// NewFetcher wraps source. c may be nil to disable caching.
func NewFetcher(source Source, config FetcherConfig, c cache.Cache, log logger.Logger) *Fetcher {
	limit := rate.Inf
	if config.RequestsPerSec > 0 {
		limit = rate.Limit(config.RequestsPerSec)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	if config.Name == "" {
		config.Name = "source"
	}
	return &Fetcher{
		source:  source,
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		cache:   c,
		log:     logger.OrDefault(log).WithField("source", config.Name),
	}
}

// WithObserver sets the fetch observer and returns f.
func (f *Fetcher) WithObserver(o FetchObserver) *Fetcher {
	f.observer = o
	return f
}

func (f *Fetcher) FetchCandles(ctx context.Context, req Request) ([]Candle, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if candles, ok := f.cached(ctx, req); ok {
		f.observe(FetchCacheHit)
		return candles, nil
	}

	candles, err := RetryWithResult(ctx, func(ctx context.Context) ([]Candle, error) {
		return f.fetchOnce(ctx, req)
	}, f.config.Retry)
	if err != nil {
		f.observe(FetchError)
		f.log.Warn("Candle fetch failed",
			"symbol", req.Symbol,
			"interval", string(req.Interval),
			"error", err)
		return nil, err
	}
	f.observe(FetchOK)

	if f.cache != nil && f.config.CacheTTL > 0 {
		if err := cache.SetJSON(ctx, f.cache, req.CacheKey(), candles, f.config.CacheTTL); err != nil {
			f.log.Debug("Failed to cache candles", "key", req.CacheKey(), "error", err)
		}
	}
	return candles, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, req Request) ([]Candle, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodeCancelled, "fetch cancelled", ctx.Err())
		}
		return nil, apperrors.NewAppError(apperrors.ErrCodeDataUnavailable, "rate limiter rejected request", err)
	}

	callCtx := ctx
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	candles, err := f.source.FetchCandles(callCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodeCancelled, "fetch cancelled", ctx.Err())
		}
		if apperrors.GetAppError(err) == nil || errors.Is(err, context.DeadlineExceeded) {
			err = apperrors.NewAppError(apperrors.ErrCodeDataUnavailable, "candle fetch failed", err)
		}
		f.log.Debug("Candle fetch attempt failed", "symbol", req.Symbol, "error", err)
		return nil, err
	}
	if err := ValidateCandles(candles); err != nil {
		return nil, err
	}
	return candles, nil
}

func (f *Fetcher) cached(ctx context.Context, req Request) ([]Candle, bool) {
	if f.cache == nil || f.config.CacheTTL <= 0 {
		return nil, false
	}
	var candles []Candle
	if err := cache.GetJSON(ctx, f.cache, req.CacheKey(), &candles); err != nil {
		if !errors.Is(err, apperrors.ErrCacheMiss) {
			f.log.Debug("Candle cache read failed", "key", req.CacheKey(), "error", err)
		}
		return nil, false
	}
	if ValidateCandles(candles) != nil {
		return nil, false
	}
	return candles, true
}

func (f *Fetcher) observe(status string) {
	if f.observer != nil {
		f.observer.ObserveCandleFetch(f.config.Name, status)
	}
}
