package monitoring

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qlab/internal/database"
	"qlab/internal/logger"
	"qlab/internal/market"
)

var _ market.FetchObserver = (*Metrics)(nil)

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.RecordBacktest("ema_cross", "completed", 150*time.Millisecond)
	m.RecordBacktest("ema_cross", "completed", 50*time.Millisecond)
	m.RecordBacktest("rsi_reversal", "failed", time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.backtestsTotal.WithLabelValues("ema_cross", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backtestsTotal.WithLabelValues("rsi_reversal", "failed")))

	m.RecordOptimization("ema_cross", "completed", 144, 1, 2*time.Second)
	assert.Equal(t, 144.0, testutil.ToFloat64(m.optimizerCombos.WithLabelValues("evaluated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.optimizerCombos.WithLabelValues("failed")))

	m.RecordMonteCarlo("completed", 1000)
	m.RecordMonteCarlo("completed", 500)
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.monteCarloSims))

	m.ObserveCandleFetch("binance", market.FetchOK)
	m.ObserveCandleFetch("binance", market.FetchCacheHit)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.candleFetches.WithLabelValues("binance", market.FetchCacheHit)))

	m.RecordScheduledJob("nightly", "completed")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scheduledJobs.WithLabelValues("nightly", "completed")))

	m.ObservePool(&database.PoolStats{OpenConnections: 4, InUse: 1, Idle: 3, WaitCount: 7})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.dbConnections.WithLabelValues("idle")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.dbWaitCount))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordBacktest("ema_cross", "completed", time.Second)
		m.RecordOptimization("ema_cross", "completed", 1, 0, time.Second)
		m.RecordMonteCarlo("completed", 10)
		m.ObserveCandleFetch("binance", market.FetchOK)
		m.RecordScheduledJob("job", "failed")
		m.ObservePool(&database.PoolStats{})
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordBacktest("macd", "completed", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `qlab_backtests_total{status="completed",strategy="macd"} 1`)
	assert.Contains(t, body, "qlab_backtest_duration_seconds_bucket")
	assert.Contains(t, body, "go_goroutines")
}

func TestServerLifecycle(t *testing.T) {
	// 选一个空闲端口
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := NewMetrics()
	m.RecordMonteCarlo("completed", 3)
	srv := NewServer(addr, "/metrics", m, logger.Nop())
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "qlab_montecarlo_simulations_total 3"))

	resp, err = http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	// 端口已被占用时启动失败
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	assert.Error(t, NewServer(busy.Addr().String(), "", m, logger.Nop()).Start())
}
