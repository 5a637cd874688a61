package testutils

import (
	"runtime"
	"testing"
	"time"
)

// BenchmarkSuite 性能测试套件
type BenchmarkSuite struct {
	B       *testing.B
	Suite   *TestSuite
	Metrics *BenchmarkMetrics
}

// BenchmarkMetrics 性能测试指标
type BenchmarkMetrics struct {
	StartTime     time.Time
	Duration      time.Duration
	startMallocs  uint64
	startBytes    uint64
	AllocsPerOp   float64
	BytesPerOp    float64
	CustomMetrics map[string]float64
}

// NewBenchmarkSuite 创建性能测试套件
func NewBenchmarkSuite(b *testing.B, config *TestConfig) *BenchmarkSuite {
	return &BenchmarkSuite{
		B:     b,
		Suite: NewTestSuite(b, config),
		Metrics: &BenchmarkMetrics{
			CustomMetrics: make(map[string]float64),
		},
	}
}

// StartBenchmark 开始性能测试
func (bs *BenchmarkSuite) StartBenchmark() {
	runtime.GC() // 强制垃圾回收

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	bs.Metrics.StartTime = time.Now()
	bs.Metrics.startMallocs = m.Mallocs
	bs.Metrics.startBytes = m.TotalAlloc
}

// EndBenchmark 结束性能测试
func (bs *BenchmarkSuite) EndBenchmark() {
	bs.Metrics.Duration = time.Since(bs.Metrics.StartTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	n := float64(bs.B.N)
	if n == 0 {
		n = 1
	}
	bs.Metrics.AllocsPerOp = float64(m.Mallocs-bs.Metrics.startMallocs) / n
	bs.Metrics.BytesPerOp = float64(m.TotalAlloc-bs.Metrics.startBytes) / n
}

// RecordCustomMetric 记录自定义指标
func (bs *BenchmarkSuite) RecordCustomMetric(name string, value float64) {
	bs.Metrics.CustomMetrics[name] = value
}

// ReportMetrics 报告性能指标
func (bs *BenchmarkSuite) ReportMetrics() {
	for name, value := range bs.Metrics.CustomMetrics {
		bs.B.ReportMetric(value, name)
	}
}

// BenchmarkFunction 性能测试函数类型
type BenchmarkFunction func(b *testing.B, suite *BenchmarkSuite)

// RunBenchmark 运行性能测试
func RunBenchmark(b *testing.B, name string, config *TestConfig, fn BenchmarkFunction) {
	b.Run(name, func(b *testing.B) {
		suite := NewBenchmarkSuite(b, config)
		defer suite.Suite.TearDown()

		b.ReportAllocs()
		b.ResetTimer()
		suite.StartBenchmark()

		fn(b, suite)

		suite.EndBenchmark()
		suite.ReportMetrics()
	})
}
