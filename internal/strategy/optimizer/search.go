package optimizer

import (
	"math"
	"sort"

	apperrors "qlab/internal/errors"
	"qlab/internal/strategy/signal"
)

// MaxCandidates bounds the values a single range may enumerate.
const MaxCandidates = 1000

// MinSamplesPerParam is the floor applied when a grid is shrunk.
const MinSamplesPerParam = 3

// ParamRange is an inclusive min→max sweep of one parameter.
type ParamRange struct {
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
	Step float64 `json:"step" yaml:"step"`
}

// Validate checks the range bounds.
func (r ParamRange) Validate(name string) error {
	for _, v := range []float64{r.Min, r.Max, r.Step} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "range %s: non-finite bound", name)
		}
	}
	if r.Max < r.Min {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "range %s: max %v below min %v", name, r.Max, r.Min)
	}
	if r.Step <= 0 && r.Max > r.Min {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "range %s: step must be positive", name)
	}
	if r.Max > r.Min && (r.Max-r.Min)/r.Step+1 > MaxCandidates {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "range %s: more than %d candidates", name, MaxCandidates)
	}
	return nil
}

// Candidates steps from Min to Max inclusive.
func (r ParamRange) Candidates() []float64 {
	if r.Max <= r.Min || r.Step <= 0 {
		return []float64{r.Min}
	}
	// 容忍浮点累积误差
	n := int(math.Floor((r.Max-r.Min)/r.Step+1e-9)) + 1
	if n > MaxCandidates {
		n = MaxCandidates
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = r.Min + float64(i)*r.Step
	}
	return out
}

// DefaultRanges returns the sweep used when a request names no ranges.
func DefaultRanges(kind signal.Kind) (map[string]ParamRange, error) {
	switch kind {
	case signal.KindEMACross:
		return map[string]ParamRange{
			"fast": {Min: 5, Max: 20, Step: 1},
			"slow": {Min: 20, Max: 60, Step: 5},
		}, nil
	case signal.KindRSIReversal:
		return map[string]ParamRange{
			"period":     {Min: 7, Max: 21, Step: 1},
			"oversold":   {Min: 20, Max: 35, Step: 5},
			"overbought": {Min: 65, Max: 80, Step: 5},
		}, nil
	case signal.KindBollinger:
		return map[string]ParamRange{
			"period":  {Min: 10, Max: 40, Step: 2},
			"std_dev": {Min: 1.5, Max: 3, Step: 0.25},
		}, nil
	case signal.KindMACD:
		return map[string]ParamRange{
			"fast":   {Min: 8, Max: 16, Step: 2},
			"slow":   {Min: 20, Max: 32, Step: 3},
			"signal": {Min: 5, Max: 11, Step: 2},
		}, nil
	case signal.KindSupertrend:
		return map[string]ParamRange{
			"period":     {Min: 7, Max: 21, Step: 1},
			"multiplier": {Min: 1.5, Max: 4.5, Step: 0.5},
		}, nil
	case signal.KindVolumeEMACross:
		return map[string]ParamRange{
			"fast":              {Min: 5, Max: 15, Step: 2},
			"slow":              {Min: 20, Max: 50, Step: 5},
			"volume_multiplier": {Min: 1, Max: 2.5, Step: 0.5},
		}, nil
	case signal.KindDonchian:
		return map[string]ParamRange{
			"period": {Min: 10, Max: 60, Step: 2},
		}, nil
	case signal.KindEMARSI:
		return map[string]ParamRange{
			"ema_period": {Min: 20, Max: 100, Step: 10},
			"rsi_period": {Min: 7, Max: 21, Step: 7},
			"threshold":  {Min: 30, Max: 50, Step: 5},
		}, nil
	}
	return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeStrategyNotFound, "unknown strategy", string(kind), nil)
}

// Grid is an ordered parameter space.
type Grid struct {
	Names  []string
	Values [][]float64
}

// NewGrid enumerates ranges with parameter names in sorted order.
func NewGrid(ranges map[string]ParamRange) (*Grid, error) {
	g := &Grid{Names: make([]string, 0, len(ranges))}
	for name := range ranges {
		g.Names = append(g.Names, name)
	}
	sort.Strings(g.Names)

	for _, name := range g.Names {
		r := ranges[name]
		if err := r.Validate(name); err != nil {
			return nil, err
		}
		g.Values = append(g.Values, r.Candidates())
	}
	return g, nil
}

// Size returns the Cartesian-product size, saturating at math.MaxInt.
func (g *Grid) Size() int {
	f := productSize(g.Values)
	if f >= math.MaxInt {
		return math.MaxInt
	}
	return int(f)
}

// productSize is computed in float64 so wide grids cannot overflow.
func productSize(lists [][]float64) float64 {
	if len(lists) == 0 {
		return 0
	}
	total := 1.0
	for _, l := range lists {
		total *= float64(len(l))
	}
	return total
}

// Downsample shrinks every list by the uniform factor
// (ceiling/total)^(1/len(lists)), keeping at least MinSamplesPerParam values
// (or all of them when fewer exist), and resamples at even index intervals
// so each list still spans its original first and last value.
func Downsample(lists [][]float64, ceiling int) [][]float64 {
	out := make([][]float64, len(lists))
	total := productSize(lists)
	if ceiling <= 0 || total <= float64(ceiling) {
		for i, l := range lists {
			out[i] = append([]float64(nil), l...)
		}
		return out
	}

	factor := math.Pow(float64(ceiling)/total, 1/float64(len(lists)))
	for i, l := range lists {
		count := int(math.Floor(float64(len(l)) * factor))
		if count < MinSamplesPerParam {
			count = MinSamplesPerParam
		}
		if count > len(l) {
			count = len(l)
		}
		out[i] = resample(l, count)
	}
	return out
}

// resample picks count values at evenly spaced indices, including both ends.
func resample(values []float64, count int) []float64 {
	if count >= len(values) {
		return append([]float64(nil), values...)
	}
	if count == 1 {
		return []float64{values[0]}
	}
	out := make([]float64, count)
	span := float64(len(values) - 1)
	for j := range out {
		idx := int(math.Round(float64(j) * span / float64(count-1)))
		out[j] = values[idx]
	}
	return out
}

// Combinations returns the Cartesian product of the downsampled grid. If the
// floor of MinSamplesPerParam still leaves more than ceiling combinations,
// the product is evenly strided down to ceiling.
func (g *Grid) Combinations(ceiling int) []map[string]float64 {
	lists := Downsample(g.Values, ceiling)
	totalF := productSize(lists)
	if totalF == 0 {
		return nil
	}
	if ceiling > 0 && totalF > float64(ceiling) {
		return g.strided(lists, totalF, ceiling)
	}

	total := int(totalF)
	out := make([]map[string]float64, total)
	for k := range out {
		out[k] = g.combo(lists, float64(k))
	}
	return out
}

// strided picks ceiling evenly spaced combinations out of totalF.
func (g *Grid) strided(lists [][]float64, totalF float64, ceiling int) []map[string]float64 {
	out := make([]map[string]float64, ceiling)
	for k := range out {
		out[k] = g.combo(lists, math.Floor(float64(k)*totalF/float64(ceiling)))
	}
	return out
}

// combo decodes a mixed-radix product index; the last parameter varies
// fastest.
func (g *Grid) combo(lists [][]float64, index float64) map[string]float64 {
	combo := make(map[string]float64, len(g.Names))
	for p := len(lists) - 1; p >= 0; p-- {
		size := float64(len(lists[p]))
		i := math.Mod(index, size)
		combo[g.Names[p]] = lists[p][int(i)]
		index = math.Floor(index / size)
	}
	return combo
}
