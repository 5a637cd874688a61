package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"time"

	"qlab/internal/config"
	"qlab/internal/database"
	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
	"qlab/internal/orchestrator"
	"qlab/internal/report"
	"qlab/internal/service"
	"qlab/internal/strategy/optimizer"
)

var stdout io.Writer = os.Stdout

func writeJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to encode output", err)
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInternal, "failed to create file", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runBacktest(ctx context.Context, args []string) error {
	var (
		common     commonFlags
		format     string
		tradesPath string
		equityPath string
	)
	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&format, "format", string(report.FormatJSON), "output format: json or text")
	fs.StringVar(&tradesPath, "trades", "", "write the trade ledger as CSV to this file")
	fs.StringVar(&equityPath, "equity", "", "write the equity curve as CSV to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, &common)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := common.backtestConfig(a.cfg.Backtest)
	if err != nil {
		return err
	}
	run, err := a.lab.RunBacktest(ctx, cfg)
	if err != nil {
		return err
	}

	if tradesPath != "" {
		if err := writeFile(tradesPath, func(w io.Writer) error { return report.WriteTradesCSV(w, run.Result.Trades) }); err != nil {
			return err
		}
	}
	if equityPath != "" {
		if err := writeFile(equityPath, func(w io.Writer) error { return report.WriteEquityCSV(w, run.Result.EquityCurve) }); err != nil {
			return err
		}
	}

	if report.ReportFormat(format) == report.FormatText {
		return report.Summary(run.Result).WriteText(stdout)
	}
	return writeJSON(struct {
		ID      string                 `json:"id"`
		Summary report.BacktestSummary `json:"summary"`
		Result  interface{}            `json:"result"`
	}{run.ID, report.Summary(run.Result), run.Result})
}

func runOptimize(ctx context.Context, args []string) error {
	var (
		common  commonFlags
		topN    int
		workers int
	)
	fs := flag.NewFlagSet("optimize", flag.ContinueOnError)
	common.register(fs)
	fs.IntVar(&topN, "top", 0, "number of results to keep")
	fs.IntVar(&workers, "workers", 0, "parallel evaluations (0 uses the configured value)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, &common)
	if err != nil {
		return err
	}
	defer a.Close()

	base, err := common.backtestConfig(a.cfg.Backtest)
	if err != nil {
		return err
	}
	opt := a.lab.Optimizer()
	if topN > 0 {
		opt.TopN = topN
	}
	if workers > 0 {
		opt.Workers = workers
	}

	log := a.log.WithField("strategy", string(base.Strategy))
	run, err := a.lab.Optimize(ctx, optimizer.Request{Kind: base.Strategy, Base: base}, func(p optimizer.Progress) {
		log.Info("Optimization progress", "done", p.Done, "total", p.Total, "failed", p.Failed)
	})
	if err != nil {
		return err
	}
	return writeJSON(run)
}

func runMonteCarlo(ctx context.Context, args []string) error {
	var (
		common commonFlags
		sims   int
		seed   int64
		runID  string
		pctCSV string
	)
	fs := flag.NewFlagSet("montecarlo", flag.ContinueOnError)
	common.register(fs)
	fs.IntVar(&sims, "sims", 0, "number of simulations (0 uses the configured value)")
	fs.Int64Var(&seed, "seed", 0, "random seed (0 picks one from the clock)")
	fs.StringVar(&runID, "run", "", "resample a stored backtest run instead of running a new one")
	fs.StringVar(&pctCSV, "percentiles", "", "write the percentile table as CSV to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, &common)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := a.cfg.MonteCarlo
	if sims > 0 {
		opts.NumSimulations = sims
	}
	if seed != 0 {
		opts.Seed = seed
	}
	if common.capital > 0 {
		opts.InitialCapital = common.capital
	}

	if runID != "" {
		run, err := a.lab.RunMonteCarloFromRun(ctx, runID, opts)
		if err != nil {
			return err
		}
		return writeMonteCarlo(run, pctCSV)
	}

	cfg, err := common.backtestConfig(a.cfg.Backtest)
	if err != nil {
		return err
	}
	run, err := a.lab.RunMonteCarlo(ctx, cfg, opts)
	if err != nil {
		return err
	}
	return writeMonteCarlo(run, pctCSV)
}

func writeMonteCarlo(run *service.MonteCarloRun, pctCSV string) error {
	if pctCSV != "" {
		if err := writeFile(pctCSV, func(w io.Writer) error { return report.WritePercentilesCSV(w, run.Result) }); err != nil {
			return err
		}
	}
	return writeJSON(run)
}

func runSchedule(ctx context.Context, args []string) error {
	var (
		common commonFlags
		once   string
		list   bool
	)
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&once, "once", "", "run the named job immediately and exit")
	fs.BoolVar(&list, "list", false, "print the configured jobs and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, &common)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.cfg.Scheduler.Enabled && once == "" && !list {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "scheduler is disabled in the configuration")
	}
	sched := orchestrator.NewScheduler(a.lab, a.repo, a.metrics, a.log)
	for _, jc := range a.cfg.Scheduler.Jobs {
		if err := sched.AddJob(orchestrator.JobFromConfig(jc, a.cfg.Backtest)); err != nil {
			return err
		}
	}

	switch {
	case list:
		return writeJSON(sched.ListTasks())
	case once != "":
		task, err := sched.RunNow(ctx, once)
		if err != nil {
			return err
		}
		return writeJSON(task)
	}

	sched.Start(ctx)
	<-ctx.Done()
	a.log.Info("Shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		return err
	}
	return writeJSON(sched.ListTasks())
}

func runMigrate(ctx context.Context, args []string) error {
	var (
		configPath string
		down       bool
		version    bool
	)
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.BoolVar(&down, "down", false, "roll back every migration")
	fs.BoolVar(&version, "version", false, "print the current migration version")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.NewLogger(cfg.Logging)

	db, err := database.NewConnection(ctx, &cfg.Database, log)
	if err != nil {
		return err
	}
	m, err := database.NewMigrator(db, log)
	if err != nil {
		db.Close()
		return err
	}
	// 迁移器关闭时一并关闭连接
	defer m.Close()

	switch {
	case version:
	case down:
		if err := m.Down(); err != nil {
			return err
		}
	default:
		if err := m.Up(); err != nil {
			return err
		}
	}

	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	return writeJSON(map[string]interface{}{"version": v, "dirty": dirty})
}
