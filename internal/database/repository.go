package database

import (
	"context"
	"encoding/json"
	"time"
)

// RunKind classifies a stored run.
type RunKind string

const (
	KindBacktest     RunKind = "backtest"
	KindOptimization RunKind = "optimization"
	KindMonteCarlo   RunKind = "montecarlo"
)

// RunStatus 运行状态
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Run is one persisted backtest, optimization or Monte Carlo batch. Config,
// Metrics and Result hold JSON documents.
type Run struct {
	ID          string          `json:"id"`
	Kind        RunKind         `json:"kind"`
	Status      RunStatus       `json:"status"`
	Strategy    string          `json:"strategy"`
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	Config      json.RawMessage `json:"config"`
	Metrics     json.RawMessage `json:"metrics,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// RunFilter narrows ListRuns. Zero fields match everything; Limit 0 means
// DefaultListLimit.
type RunFilter struct {
	Kind     RunKind
	Strategy string
	Symbol   string
	Limit    int
}

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 50

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f RunFilter) matches(r *Run) bool {
	return (f.Kind == "" || r.Kind == f.Kind) &&
		(f.Strategy == "" || r.Strategy == f.Strategy) &&
		(f.Symbol == "" || r.Symbol == f.Symbol)
}

// TaskStatus tracks the last execution of a scheduled job.
type TaskStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	LastRunID  string    `json:"last_run_id,omitempty"`
	LastStatus RunStatus `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	RunCount   int64     `json:"run_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Repository persists runs and scheduler state. GetRun returns an error
// matching errors.ErrNotFound for unknown IDs.
type Repository interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	SaveTaskStatus(ctx context.Context, status *TaskStatus) error
	ListTaskStatus(ctx context.Context) ([]*TaskStatus, error)
}
