package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"qlab/internal/config"
	"qlab/internal/database"
	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
	"qlab/internal/monitoring"
	"qlab/internal/service"
	"qlab/internal/strategy/backtest"
	"qlab/internal/strategy/optimizer"
	"qlab/internal/strategy/signal"
)

// Job is one recurring optimizer sweep.
type Job struct {
	Name     string
	Schedule string
	Request  optimizer.Request
}

// JobFromConfig builds a job, filling symbol, timeframe and period from base
// when the job leaves them empty.
func JobFromConfig(jc config.JobConfig, base backtest.Config) Job {
	cfg := base
	cfg.Strategy = signal.Kind(jc.Strategy)
	cfg.Params = nil
	if jc.Symbol != "" {
		cfg.Symbol = jc.Symbol
	}
	if jc.Timeframe != "" {
		cfg.Timeframe = jc.Timeframe
	}
	if jc.PeriodDays > 0 {
		cfg.PeriodDays = jc.PeriodDays
	}
	return Job{
		Name:     jc.Name,
		Schedule: jc.Schedule,
		Request:  optimizer.Request{Kind: cfg.Strategy, Base: cfg},
	}
}

// Task represents a scheduled task
type Task struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Strategy    string     `json:"strategy"`
	Symbol      string     `json:"symbol"`
	LastRunTime time.Time  `json:"last_run_time,omitempty"`
	NextRunTime time.Time  `json:"next_run_time,omitempty"`
	Status      TaskStatus `json:"status"`
	LastRunID   string     `json:"last_run_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	RunCount    int64      `json:"run_count"`
}

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Optimizer runs one sweep. *service.Lab satisfies it.
type Optimizer interface {
	Optimize(ctx context.Context, req optimizer.Request, onProgress func(optimizer.Progress)) (*service.OptimizationRun, error)
}

// StatusStore persists task state between restarts.
type StatusStore interface {
	SaveTaskStatus(ctx context.Context, status *database.TaskStatus) error
	ListTaskStatus(ctx context.Context) ([]*database.TaskStatus, error)
}

type entry struct {
	job     Job
	task    *Task
	id      cron.EntryID
	running bool // guarded by Scheduler.mu
}

// Scheduler manages task scheduling
type Scheduler struct {
	cron    *cron.Cron
	runner  Optimizer
	store   StatusStore
	metrics *monitoring.Metrics
	log     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	entries map[string]*entry
	mu      sync.RWMutex
}

// NewScheduler creates a scheduler using six-field cron expressions. A job
// still running when its next tick fires is skipped for that tick.
func NewScheduler(runner Optimizer, store StatusStore, metrics *monitoring.Metrics, log logger.Logger) *Scheduler {
	log = logger.OrDefault(log).WithField("component", "scheduler")
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		store:   store,
		metrics: metrics,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// AddJob registers job with the cron engine.
func (s *Scheduler) AddJob(job Job) error {
	if job.Name == "" {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "job name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidParameter, "duplicate job", job.Name, nil)
	}

	e := &entry{
		job: job,
		task: &Task{
			Name:     job.Name,
			Schedule: job.Schedule,
			Strategy: string(job.Request.Kind),
			Symbol:   job.Request.Base.Symbol,
			Status:   TaskStatusPending,
		},
	}
	// 添加到cron
	id, err := s.cron.AddFunc(job.Schedule, func() {
		_ = s.runJob(s.ctx, e)
	})
	if err != nil {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidParameter, "invalid cron schedule", job.Schedule, err)
	}
	e.id = id
	s.entries[job.Name] = e
	return nil
}

// Start restores persisted run counts and starts the cron engine.
func (s *Scheduler) Start(ctx context.Context) {
	s.restore(ctx)
	s.cron.Start()
	s.log.Info("Scheduler started", "jobs", len(s.entries))
}

// Stop cancels running sweeps and waits for them to return or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return apperrors.NewAppError(apperrors.ErrCodeCancelled, "scheduler stop timed out", ctx.Err())
	}
}

// RunNow executes the named job synchronously, outside its schedule. It
// fails with JOB_RUNNING while a cron tick or another RunNow holds the job.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*Task, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNotFound, "task not found", name, nil)
	}
	err := s.runJob(ctx, e)
	task, _ := s.GetTask(name)
	return task, err
}

// runJob executes a task unless it is already in flight.
func (s *Scheduler) runJob(ctx context.Context, e *entry) error {
	log := s.log.WithField("job", e.job.Name)

	s.mu.Lock()
	if e.running {
		s.mu.Unlock()
		log.Warn("Sweep still running, skipping")
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeJobRunning, "job already running", e.job.Name, nil)
	}
	e.running = true
	e.task.Status = TaskStatusRunning
	e.task.LastRunTime = time.Now()
	s.mu.Unlock()

	log.Info("Running scheduled sweep", "strategy", string(e.job.Request.Kind), "symbol", e.job.Request.Base.Symbol)

	run, err := s.runner.Optimize(ctx, e.job.Request, nil)

	s.mu.Lock()
	e.running = false
	e.task.RunCount++
	if err != nil {
		e.task.Status = TaskStatusFailed
		e.task.Error = err.Error()
		e.task.LastRunID = ""
	} else {
		e.task.Status = TaskStatusCompleted
		e.task.Error = ""
		e.task.LastRunID = run.ID
	}
	status := s.statusRecord(e.task)
	s.mu.Unlock()

	s.metrics.RecordScheduledJob(e.job.Name, string(status.LastStatus))
	if err != nil {
		log.Error("Scheduled sweep failed", "error", err)
	} else {
		log.Info("Scheduled sweep completed", "run_id", run.ID)
	}

	if s.store != nil {
		if serr := s.store.SaveTaskStatus(context.WithoutCancel(ctx), status); serr != nil {
			log.Warn("Failed to persist task status", "error", serr)
		}
	}
	return err
}

func (s *Scheduler) statusRecord(t *Task) *database.TaskStatus {
	return &database.TaskStatus{
		Name:       t.Name,
		Schedule:   t.Schedule,
		LastRunID:  t.LastRunID,
		LastStatus: database.RunStatus(t.Status),
		LastError:  t.Error,
		RunCount:   t.RunCount,
		UpdatedAt:  time.Now(),
	}
}

func (s *Scheduler) restore(ctx context.Context) {
	if s.store == nil {
		return
	}
	saved, err := s.store.ListTaskStatus(ctx)
	if err != nil {
		s.log.Warn("Failed to load task status", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range saved {
		e, ok := s.entries[st.Name]
		if !ok {
			continue
		}
		e.task.RunCount = st.RunCount
		e.task.LastRunID = st.LastRunID
		e.task.Error = st.LastError
		if st.LastStatus != "" {
			e.task.Status = TaskStatus(st.LastStatus)
		}
	}
}

// GetTask returns a snapshot of the named task.
func (s *Scheduler) GetTask(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[name]
	if !exists {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNotFound, "task not found", name, nil)
	}
	return s.snapshot(e), nil
}

// ListTasks lists all tasks sorted by name
func (s *Scheduler) ListTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.entries))
	for _, e := range s.entries {
		tasks = append(tasks, s.snapshot(e))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks
}

func (s *Scheduler) snapshot(e *entry) *Task {
	cp := *e.task
	if e.id != 0 {
		cp.NextRunTime = s.cron.Entry(e.id).Next
	}
	return &cp
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
