package montecarlo

import (
	"math"
	"time"

	apperrors "qlab/internal/errors"
)

const (
	DefaultSimulations     = 1000
	DefaultInitialCapital  = 10000.0
	DefaultMaxDisplayPaths = 200
	MaxSimulations         = 100000
	MinTrades              = 2
)

// DefaultConfidenceLevels are the percentile levels reported when none are
// requested.
var DefaultConfidenceLevels = []float64{5, 25, 50, 75, 95}

// Options controls one resampling batch. Zero values take the defaults.
type Options struct {
	NumSimulations   int       `json:"num_simulations" yaml:"num_simulations"`
	InitialCapital   float64   `json:"initial_capital" yaml:"initial_capital"`
	ConfidenceLevels []float64 `json:"confidence_levels" yaml:"confidence_levels"`
	MaxDisplayPaths  int       `json:"max_display_paths" yaml:"max_display_paths"`
	// Seed 为 0 时使用当前时间
	Seed int64 `json:"seed,omitempty" yaml:"seed"`
}

// DefaultOptions 返回默认参数
func DefaultOptions() Options {
	return Options{
		NumSimulations:   DefaultSimulations,
		InitialCapital:   DefaultInitialCapital,
		ConfidenceLevels: append([]float64(nil), DefaultConfidenceLevels...),
		MaxDisplayPaths:  DefaultMaxDisplayPaths,
	}
}

// withDefaults fills zero fields and validates the rest.
func (o Options) withDefaults() (Options, error) {
	if o.NumSimulations == 0 {
		o.NumSimulations = DefaultSimulations
	}
	if o.InitialCapital == 0 {
		o.InitialCapital = DefaultInitialCapital
	}
	if len(o.ConfidenceLevels) == 0 {
		o.ConfidenceLevels = append([]float64(nil), DefaultConfidenceLevels...)
	}
	if o.MaxDisplayPaths <= 0 || o.MaxDisplayPaths > DefaultMaxDisplayPaths {
		o.MaxDisplayPaths = DefaultMaxDisplayPaths
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}

	if o.NumSimulations < 1 || o.NumSimulations > MaxSimulations {
		return o, apperrors.Errorf(apperrors.ErrCodeInvalidParameter,
			"num_simulations must be in [1, %d], got %d", MaxSimulations, o.NumSimulations)
	}
	if o.InitialCapital < 0 || math.IsNaN(o.InitialCapital) || math.IsInf(o.InitialCapital, 0) {
		return o, apperrors.Errorf(apperrors.ErrCodeInvalidParameter,
			"initial_capital must be positive, got %v", o.InitialCapital)
	}
	for _, level := range o.ConfidenceLevels {
		if math.IsNaN(level) || level < 0 || level > 100 {
			return o, apperrors.Errorf(apperrors.ErrCodeInvalidParameter,
				"confidence level must be in [0, 100], got %v", level)
		}
	}
	return o, nil
}

// Path is one replay of the shuffled trade sequence. EquityCurve starts at
// the initial capital and holds one point per applied trade.
type Path struct {
	EquityCurve    []float64 `json:"equity_curve"`
	FinalCapital   float64   `json:"final_capital"`
	TotalReturnPct float64   `json:"total_return_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Ruined         bool      `json:"ruined,omitempty"`
}

// Percentile is the distribution at one level. Final capital and drawdown
// are ranked independently.
type Percentile struct {
	Level          float64 `json:"level"`
	FinalCapital   float64 `json:"final_capital"`
	ReturnPct      float64 `json:"return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}

// Probabilities are fractions of simulations in [0, 1].
type Probabilities struct {
	Profit         float64 `json:"profit"`
	Double         float64 `json:"double"`
	DrawdownOver50 float64 `json:"drawdown_over_50"`
	BeatOriginal   float64 `json:"beat_original"`
	Ruin           float64 `json:"ruin"`
}

// Stats summarises one distribution. Best and Worst are in the trader's
// sense: the highest return, the lowest drawdown.
type Stats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Best   float64 `json:"best"`
	Worst  float64 `json:"worst"`
}

// Result 蒙特卡洛模拟结果
type Result struct {
	NumSimulations    int           `json:"num_simulations"`
	NumTrades         int           `json:"num_trades"`
	InitialCapital    float64       `json:"initial_capital"`
	OriginalReturnPct float64       `json:"original_return_pct"`
	Seed              int64         `json:"seed"`
	Percentiles       []Percentile  `json:"percentiles"`
	Probabilities     Probabilities `json:"probabilities"`
	ReturnStats       Stats         `json:"return_stats"`
	DrawdownStats     Stats         `json:"drawdown_stats"`
	Paths             []Path        `json:"paths"`
	Duration          time.Duration `json:"duration"`
}
