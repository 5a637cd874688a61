package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qlab/internal/errors"
	"qlab/internal/market"
	"qlab/internal/strategy/backtest"
	"qlab/internal/strategy/signal"
	"qlab/internal/testutils"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams("fast=12, slow=26,")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"fast": 12, "slow": 26}, params)

	_, err = parseParams("fast")
	assert.Equal(t, apperrors.ErrCodeInvalidParameter, apperrors.CodeOf(err))

	_, err = parseParams("fast=abc")
	assert.Equal(t, apperrors.ErrCodeInvalidParameter, apperrors.CodeOf(err))
}

func TestBacktestConfigOverrides(t *testing.T) {
	base := backtest.DefaultConfig()
	base.Params = map[string]float64{"fast": 5, "slow": 10}

	f := commonFlags{strategy: "rsi_reversal", symbol: "ETHUSDT", timeframe: "4h", days: 10, capital: 500}
	cfg, err := f.backtestConfig(base)
	require.NoError(t, err)
	assert.Equal(t, signal.Kind("rsi_reversal"), cfg.Strategy)
	assert.Nil(t, cfg.Params)
	assert.Equal(t, "ETHUSDT", cfg.Symbol)
	assert.Equal(t, market.Interval4h, cfg.Timeframe)
	assert.Equal(t, 10, cfg.PeriodDays)
	assert.Equal(t, 500.0, cfg.InitialCapital)

	f = commonFlags{params: "fast=8"}
	cfg, err = f.backtestConfig(base)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"fast": 8}, cfg.Params)
}

func writeCandleCSV(t *testing.T, candles []market.Candle) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("time,open,high,low,close,volume\n")
	for _, c := range candles {
		fmt.Fprintf(&b, "%d,%g,%g,%g,%g,%g\n", c.Time.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	suite := testutils.NewTestSuite(t, nil)
	t.Cleanup(suite.TearDown)
	return suite.CreateTempFile("candles.csv", b.String())
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func TestBacktestCommandWithCSV(t *testing.T) {
	csvPath := writeCandleCSV(t, testutils.SineCandles(720, 100, 8, 70, 13))
	out := captureStdout(t)
	dir := t.TempDir()
	tradesPath := filepath.Join(dir, "trades.csv")

	err := runBacktest(context.Background(), []string{
		"-csv", csvPath, "-strategy", "ema_cross", "-days", "30", "-trades", tradesPath,
	})
	require.NoError(t, err)

	var payload struct {
		ID      string           `json:"id"`
		Summary map[string]any   `json:"summary"`
		Result  *backtest.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &payload))
	assert.NotEmpty(t, payload.ID)
	assert.Equal(t, "ema_cross", payload.Summary["strategy"])
	assert.Equal(t, 720, payload.Result.Candles)

	trades, err := os.ReadFile(tradesPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(trades), "entry_time,exit_time,direction"))
}

func TestBacktestCommandTextFormat(t *testing.T) {
	csvPath := writeCandleCSV(t, testutils.SineCandles(720, 100, 8, 70, 13))
	out := captureStdout(t)

	err := runBacktest(context.Background(), []string{"-csv", csvPath, "-days", "30", "-format", "text"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Strategy:        ema_cross")
}

func TestMonteCarloCommand(t *testing.T) {
	csvPath := writeCandleCSV(t, testutils.SineCandles(720, 100, 8, 70, 13))
	out := captureStdout(t)

	err := runMonteCarlo(context.Background(), []string{"-csv", csvPath, "-days", "30", "-sims", "100", "-seed", "3"})
	require.NoError(t, err)

	var payload struct {
		Result struct {
			NumSimulations int `json:"num_simulations"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &payload))
	assert.Equal(t, 100, payload.Result.NumSimulations)
}

func TestCommandErrors(t *testing.T) {
	captureStdout(t)
	ctx := context.Background()

	err := runBacktest(ctx, []string{"-csv", filepath.Join(t.TempDir(), "missing.csv")})
	assert.True(t, apperrors.CodeOf(err) == apperrors.ErrCodeDataUnavailable)

	csvPath := writeCandleCSV(t, testutils.SineCandles(720, 100, 8, 70, 13))
	err = runBacktest(ctx, []string{"-csv", csvPath, "-strategy", "nope"})
	assert.Equal(t, apperrors.ErrCodeStrategyNotFound, apperrors.CodeOf(err))

	err = runSchedule(ctx, []string{"-csv", csvPath})
	assert.Equal(t, apperrors.ErrCodeInvalidParameter, apperrors.CodeOf(err))
}
