package testutils

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qlab/internal/cache"
	"qlab/internal/logger"
	"qlab/internal/market"
)

// TestConfig 测试配置
type TestConfig struct {
	LogLevel logger.LogLevel
	TempDir  string
}

// DefaultTestConfig 默认测试配置
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		LogLevel: logger.LevelError, // 测试时减少日志输出
	}
}

// TestSuite 测试套件
type TestSuite struct {
	T       testing.TB
	Config  *TestConfig
	Cache   *cache.MemoryCache
	Logger  logger.Logger
	TempDir string
	Cleanup []func()
}

// NewTestSuite 创建测试套件
func NewTestSuite(t testing.TB, config *TestConfig) *TestSuite {
	if config == nil {
		config = DefaultTestConfig()
	}

	tempDir := config.TempDir
	if tempDir == "" {
		dir, err := os.MkdirTemp("", "qlab_test_*")
		require.NoError(t, err)
		tempDir = dir
	}

	suite := &TestSuite{
		T:      t,
		Config: config,
		Logger: logger.NewLogger(logger.Config{
			Level:  config.LogLevel,
			Format: logger.FormatText,
			Output: "stderr",
		}),
		TempDir: tempDir,
		Cache:   cache.NewMemoryCache(1000),
	}

	suite.AddCleanup(func() {
		os.RemoveAll(tempDir)
	})
	suite.AddCleanup(func() {
		suite.Cache.Close()
	})

	return suite
}

// AddCleanup 添加清理函数
func (s *TestSuite) AddCleanup(cleanup func()) {
	s.Cleanup = append(s.Cleanup, cleanup)
}

// TearDown 清理测试环境
func (s *TestSuite) TearDown() {
	for i := len(s.Cleanup) - 1; i >= 0; i-- {
		s.Cleanup[i]()
	}
	s.Cleanup = nil
}

// CreateTempFile 创建临时文件
func (s *TestSuite) CreateTempFile(name, content string) string {
	filePath := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.MkdirAll(filepath.Dir(filePath), 0755))
	require.NoError(s.T, os.WriteFile(filePath, []byte(content), 0644))
	return filePath
}

// FixtureStart is the timestamp of the first fixture candle.
var FixtureStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// CandlesFromCloses builds hourly candles whose open equals the previous
// close and whose high/low envelope the open and close.
func CandlesFromCloses(closes []float64) []market.Candle {
	candles := make([]market.Candle, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		candles[i] = market.Candle{
			Time:   FixtureStart.Add(time.Duration(i) * time.Hour),
			Open:   open,
			High:   math.Max(open, c),
			Low:    math.Min(open, c),
			Close:  c,
			Volume: 1000,
		}
	}
	return candles
}

// FlatCandles builds n candles with every price equal to price.
func FlatCandles(n int, price float64) []market.Candle {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = price
	}
	return CandlesFromCloses(closes)
}

// TrendCandles builds n candles starting at start and moving by step per bar.
func TrendCandles(n int, start, step float64) []market.Candle {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = start + step*float64(i)
	}
	return CandlesFromCloses(closes)
}

// SineCandles oscillates around base with the given amplitude and period in
// bars. A non-zero seed adds reproducible noise and varies volume.
func SineCandles(n int, base, amplitude float64, period int, seed int64) []market.Candle {
	var rng *rand.Rand
	if seed != 0 {
		rng = rand.New(rand.NewSource(seed))
	}
	closes := make([]float64, n)
	for i := range closes {
		v := base + amplitude*math.Sin(2*math.Pi*float64(i)/float64(period))
		if rng != nil {
			v += (rng.Float64() - 0.5) * amplitude * 0.2
		}
		closes[i] = v
	}
	candles := CandlesFromCloses(closes)
	for i := range candles {
		spread := amplitude * 0.02
		candles[i].High += spread
		candles[i].Low -= spread
		if rng != nil {
			candles[i].Volume = 500 + rng.Float64()*1500
		}
	}
	return candles
}

// StaticSource wraps candles in a market source.
func StaticSource(candles []market.Candle) market.Source {
	return market.NewStaticSource(candles)
}

// TimeoutContext 创建带超时的上下文
func TimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// WaitForCondition 等待条件满足
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, message)
}
