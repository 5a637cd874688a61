package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qlab/internal/database"
	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
	"qlab/internal/market"
	"qlab/internal/monitoring"
	"qlab/internal/strategy/backtest"
	"qlab/internal/strategy/montecarlo"
	"qlab/internal/strategy/optimizer"
	"qlab/internal/strategy/signal"
	"qlab/internal/testutils"
)

func newTestLab(t *testing.T, candles []market.Candle) (*Lab, *database.MemoryRepository, *monitoring.Metrics) {
	t.Helper()
	repo := database.NewMemoryRepository()
	metrics := monitoring.NewMetrics()
	lab := NewLab(testutils.StaticSource(candles), repo, metrics, logger.Nop())
	lab.Optimizer().Workers = 2
	return lab, repo, metrics
}

func sineConfig() backtest.Config {
	cfg := backtest.DefaultConfig()
	cfg.Strategy = signal.KindEMACross
	cfg.PeriodDays = 30
	return cfg
}

func TestRunBacktestPersists(t *testing.T) {
	lab, repo, metrics := newTestLab(t, testutils.SineCandles(720, 100, 8, 70, 13))
	ctx := context.Background()

	run, err := lab.RunBacktest(ctx, sineConfig())
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, 720, run.Result.Candles)

	stored, err := lab.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, database.KindBacktest, stored.Kind)
	assert.Equal(t, database.StatusCompleted, stored.Status)
	assert.Equal(t, "ema_cross", stored.Strategy)
	assert.Equal(t, "BTCUSDT", stored.Symbol)
	assert.False(t, stored.CompletedAt.Before(stored.CreatedAt))

	var m backtest.Metrics
	require.NoError(t, json.Unmarshal(stored.Metrics, &m))
	assert.Equal(t, run.Result.Metrics.TotalTrades, m.TotalTrades)

	var cfg backtest.Config
	require.NoError(t, json.Unmarshal(stored.Config, &cfg))
	assert.Equal(t, sineConfig().Symbol, cfg.Symbol)

	runs, err := repo.ListRuns(ctx, database.RunFilter{Kind: database.KindBacktest})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	count, err := testutil.GatherAndCount(metrics.Registry(), "qlab_backtests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunBacktestFailureIsStored(t *testing.T) {
	src := market.SourceFunc(func(context.Context, market.Request) ([]market.Candle, error) {
		return nil, errors.New("exchange down")
	})
	repo := database.NewMemoryRepository()
	lab := NewLab(src, repo, nil, logger.Nop())
	ctx := context.Background()

	_, err := lab.RunBacktest(ctx, sineConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDataUnavailable))

	runs, err := lab.ListRuns(ctx, database.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, database.StatusFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
	assert.Empty(t, runs[0].Result)
}

func TestOptimizePersists(t *testing.T) {
	lab, _, _ := newTestLab(t, testutils.SineCandles(720, 100, 8, 70, 13))
	ctx := context.Background()

	var progress []optimizer.Progress
	run, err := lab.Optimize(ctx, optimizer.Request{Kind: signal.KindEMACross, Base: sineConfig()}, func(p optimizer.Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	require.NotEmpty(t, run.Outcome.Results)
	require.NotEmpty(t, progress)
	assert.Equal(t, run.Outcome.Evaluated, progress[len(progress)-1].Done)

	stored, err := lab.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, database.KindOptimization, stored.Kind)

	var best optimizer.OptResult
	require.NoError(t, json.Unmarshal(stored.Metrics, &best))
	assert.Equal(t, run.Outcome.Results[0].Params, best.Params)
}

func TestMonteCarloRuns(t *testing.T) {
	lab, _, _ := newTestLab(t, testutils.SineCandles(720, 100, 8, 70, 13))
	ctx := context.Background()
	opts := montecarlo.Options{NumSimulations: 200, Seed: 7}

	mc, err := lab.RunMonteCarlo(ctx, sineConfig(), opts)
	require.NoError(t, err)
	assert.Equal(t, 200, mc.Result.NumSimulations)

	source, err := lab.GetRun(ctx, mc.SourceRunID)
	require.NoError(t, err)
	assert.Equal(t, database.KindBacktest, source.Kind)

	// 从已保存的回测重新模拟，同一种子结果相同
	again, err := lab.RunMonteCarloFromRun(ctx, mc.SourceRunID, opts)
	require.NoError(t, err)
	assert.NotEqual(t, mc.ID, again.ID)
	assert.Equal(t, mc.Result.Percentiles, again.Result.Percentiles)
	assert.Equal(t, mc.Result.OriginalReturnPct, again.Result.OriginalReturnPct)

	runs, err := lab.ListRuns(ctx, database.RunFilter{Kind: database.KindMonteCarlo})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestMonteCarloFromRunErrors(t *testing.T) {
	lab, _, _ := newTestLab(t, testutils.FlatCandles(720, 100))
	ctx := context.Background()

	_, err := lab.RunMonteCarloFromRun(ctx, "missing", montecarlo.Options{})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	bt, err := lab.RunBacktest(ctx, sineConfig())
	require.NoError(t, err)
	_, err = lab.RunMonteCarloFromRun(ctx, bt.ID, montecarlo.Options{})
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientTradeHistory))

	opt, err := lab.Optimize(ctx, optimizer.Request{Kind: signal.KindEMACross, Base: sineConfig()}, nil)
	require.NoError(t, err)
	_, err = lab.RunMonteCarloFromRun(ctx, opt.ID, montecarlo.Options{})
	assert.Equal(t, apperrors.ErrCodeInvalidParameter, apperrors.CodeOf(err))
}

func TestCancelledBacktest(t *testing.T) {
	lab, repo, _ := newTestLab(t, testutils.SineCandles(720, 100, 8, 70, 13))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lab.RunBacktest(ctx, sineConfig())
	assert.True(t, errors.Is(err, apperrors.ErrCancelled))

	// 取消的运行仍被记录
	runs, err := repo.ListRuns(context.Background(), database.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, database.StatusFailed, runs[0].Status)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, "completed", statusOf(nil))
	assert.Equal(t, "cancelled", statusOf(apperrors.NewAppError(apperrors.ErrCodeCancelled, "x", nil)))
	assert.Equal(t, "failed", statusOf(errors.New("boom")))
}

func TestLabClock(t *testing.T) {
	lab, _, _ := newTestLab(t, testutils.SineCandles(720, 100, 8, 70, 13))
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ticks := 0
	lab.now = func() time.Time {
		ticks++
		return start.Add(time.Duration(ticks) * time.Second)
	}

	run, err := lab.RunBacktest(context.Background(), sineConfig())
	require.NoError(t, err)
	stored, err := lab.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Second), stored.CreatedAt)
	assert.Equal(t, int64(2000), stored.DurationMS)
}

func TestRunDurationLogging(t *testing.T) {
	tests := []struct {
		name      string
		threshold time.Duration
		level     string
	}{
		{"slow run warns", time.Second, "warning"},
		{"fast run informs", time.Minute, "info"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "lab.log")
			log := logger.NewLogger(logger.Config{Level: logger.LevelInfo, Format: logger.FormatJSON, Output: "file", Filename: path})
			lab := NewLab(testutils.StaticSource(testutils.SineCandles(720, 100, 8, 70, 13)), nil, nil, log)
			lab.SetSlowThreshold(tt.threshold)

			start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			ticks := 0
			lab.now = func() time.Time {
				ticks++
				return start.Add(time.Duration(ticks) * time.Second)
			}

			run, err := lab.RunBacktest(context.Background(), sineConfig())
			require.NoError(t, err)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			var found map[string]interface{}
			for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
				var entry map[string]interface{}
				require.NoError(t, json.Unmarshal([]byte(line), &entry))
				if entry["operation"] == "backtest" {
					found = entry
				}
			}
			require.NotNil(t, found, "no duration entry in %s", data)
			assert.Equal(t, tt.level, found["level"])
			assert.Equal(t, run.ID, found["run_id"])
			assert.Equal(t, "completed", found["status"])
			assert.Equal(t, 2000.0, found["duration_ms"])
		})
	}
}
