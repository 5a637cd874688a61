package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qlab/internal/database"
)

const namespace = "qlab"

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	backtestsTotal       *prometheus.CounterVec
	backtestDuration     *prometheus.HistogramVec
	optimizationsTotal   *prometheus.CounterVec
	optimizerCombos      *prometheus.CounterVec
	optimizationDuration prometheus.Histogram
	monteCarloRuns       *prometheus.CounterVec
	monteCarloSims       prometheus.Counter
	candleFetches        *prometheus.CounterVec
	scheduledJobs        *prometheus.CounterVec
	dbConnections        *prometheus.GaugeVec
	dbWaitCount          prometheus.Gauge
}

// NewMetrics creates the metrics on a private registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		backtestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backtests_total",
				Help:      "Total number of backtest runs",
			},
			[]string{"strategy", "status"},
		),
		backtestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backtest_duration_seconds",
				Help:      "Backtest duration in seconds, data fetch included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		optimizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "optimizations_total",
				Help:      "Total number of optimizer sweeps",
			},
			[]string{"strategy", "status"},
		),
		optimizerCombos: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "optimizer_combinations_total",
				Help:      "Parameter combinations evaluated by the optimizer",
			},
			[]string{"outcome"},
		),
		optimizationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "optimization_duration_seconds",
				Help:      "Optimizer sweep duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		monteCarloRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "montecarlo_runs_total",
				Help:      "Total number of Monte Carlo batches",
			},
			[]string{"status"},
		),
		monteCarloSims: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "montecarlo_simulations_total",
				Help:      "Total number of simulated equity paths",
			},
		),
		candleFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candle_fetches_total",
				Help:      "Candle requests by source and outcome",
			},
			[]string{"source", "status"},
		),
		scheduledJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_jobs_total",
				Help:      "Scheduled job executions",
			},
			[]string{"job", "status"},
		),
		dbConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database pool connections by state",
			},
			[]string{"state"},
		),
		dbWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_wait_count",
				Help:      "Total connections waited for",
			},
		),
	}

	// Register metrics
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.backtestsTotal,
		m.backtestDuration,
		m.optimizationsTotal,
		m.optimizerCombos,
		m.optimizationDuration,
		m.monteCarloRuns,
		m.monteCarloSims,
		m.candleFetches,
		m.scheduledJobs,
		m.dbConnections,
		m.dbWaitCount,
	)

	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBacktest records a finished backtest
func (m *Metrics) RecordBacktest(strategy, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.backtestsTotal.WithLabelValues(strategy, status).Inc()
	m.backtestDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// RecordOptimization records a sweep and its evaluated/failed cells.
func (m *Metrics) RecordOptimization(strategy, status string, evaluated, failed int, d time.Duration) {
	if m == nil {
		return
	}
	m.optimizationsTotal.WithLabelValues(strategy, status).Inc()
	m.optimizerCombos.WithLabelValues("evaluated").Add(float64(evaluated))
	m.optimizerCombos.WithLabelValues("failed").Add(float64(failed))
	m.optimizationDuration.Observe(d.Seconds())
}

// RecordMonteCarlo records a batch of simulations
func (m *Metrics) RecordMonteCarlo(status string, simulations int) {
	if m == nil {
		return
	}
	m.monteCarloRuns.WithLabelValues(status).Inc()
	m.monteCarloSims.Add(float64(simulations))
}

// ObserveCandleFetch implements market.FetchObserver.
func (m *Metrics) ObserveCandleFetch(source, status string) {
	if m == nil {
		return
	}
	m.candleFetches.WithLabelValues(source, status).Inc()
}

// RecordScheduledJob records one cron execution
func (m *Metrics) RecordScheduledJob(job, status string) {
	if m == nil {
		return
	}
	m.scheduledJobs.WithLabelValues(job, status).Inc()
}

// ObservePool updates the database pool gauges. It matches
// database.DB.SetMonitorCallback.
func (m *Metrics) ObservePool(stats *database.PoolStats) {
	if m == nil || stats == nil {
		return
	}
	m.dbConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	m.dbConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	m.dbConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	m.dbWaitCount.Set(float64(stats.WaitCount))
}
