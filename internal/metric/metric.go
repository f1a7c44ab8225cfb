package metric

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
)

// Pair lines up one submitted value with its ground-truth counterpart.
type Pair struct {
	ID        string
	Line      int
	Predicted string
	Actual    string
}

type Metric interface {
	Name() string
	HigherIsBetter() bool
	Compute(pairs []Pair) (float64, error)
}

var ErrNoPairs = errors.New("no rows to score")

// ValueError reports a value a metric cannot interpret. Side is either
// "submission" or "ground truth".
type ValueError struct {
	Side  string
	ID    string
	Line  int
	Value string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("%s line %d (id %q): value %q is not a finite number", e.Side, e.Line, e.ID, e.Value)
}

const (
	SideSubmission  = "submission"
	SideGroundTruth = "ground truth"
)

var registry = map[string]Metric{
	"mae":      mae{},
	"rmse":     rmse{},
	"r2":       r2{},
	"accuracy": accuracy{},
	"random":   random{},
}

func Lookup(name string) (Metric, error) {
	m, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return m, nil
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseNumber parses a finite float.
func ParseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Numeric converts pairs into parallel predicted/actual slices.
func Numeric(pairs []Pair) (pred, actual []float64, err error) {
	if len(pairs) == 0 {
		return nil, nil, ErrNoPairs
	}
	pred = make([]float64, len(pairs))
	actual = make([]float64, len(pairs))
	for i, p := range pairs {
		a, ok := ParseNumber(p.Actual)
		if !ok {
			return nil, nil, &ValueError{Side: SideGroundTruth, ID: p.ID, Line: p.Line, Value: p.Actual}
		}
		v, ok := ParseNumber(p.Predicted)
		if !ok {
			return nil, nil, &ValueError{Side: SideSubmission, ID: p.ID, Line: p.Line, Value: p.Predicted}
		}
		pred[i], actual[i] = v, a
	}
	return pred, actual, nil
}

type mae struct{}

func (mae) Name() string         { return "mae" }
func (mae) HigherIsBetter() bool { return false }
func (mae) Compute(pairs []Pair) (float64, error) {
	pred, actual, err := Numeric(pairs)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := range pred {
		sum += math.Abs(pred[i] - actual[i])
	}
	return sum / float64(len(pred)), nil
}

type rmse struct{}

func (rmse) Name() string         { return "rmse" }
func (rmse) HigherIsBetter() bool { return false }
func (rmse) Compute(pairs []Pair) (float64, error) {
	pred, actual, err := Numeric(pairs)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := range pred {
		d := pred[i] - actual[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(pred))), nil
}

// r2 is the coefficient of determination. A constant ground truth scores 1
// for an exact match and 0 otherwise.
type r2 struct{}

func (r2) Name() string         { return "r2" }
func (r2) HigherIsBetter() bool { return true }
func (r2) Compute(pairs []Pair) (float64, error) {
	pred, actual, err := Numeric(pairs)
	if err != nil {
		return 0, err
	}
	var mean float64
	for _, a := range actual {
		mean += a
	}
	mean /= float64(len(actual))

	var ssRes, ssTot float64
	for i := range pred {
		ssRes += (actual[i] - pred[i]) * (actual[i] - pred[i])
		ssTot += (actual[i] - mean) * (actual[i] - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 1 - ssRes/ssTot, nil
}

type accuracy struct{}

func (accuracy) Name() string         { return "accuracy" }
func (accuracy) HigherIsBetter() bool { return true }
func (accuracy) Compute(pairs []Pair) (float64, error) {
	if len(pairs) == 0 {
		return 0, ErrNoPairs
	}
	var hits int
	for _, p := range pairs {
		if strings.TrimSpace(p.Predicted) == strings.TrimSpace(p.Actual) {
			hits++
		}
	}
	return float64(hits) / float64(len(pairs)), nil
}

// random ignores its input and returns a uniform draw in [0, 1). It exists
// to demonstrate the result contract before real scoring is written.
type random struct{}

func (random) Name() string         { return "random" }
func (random) HigherIsBetter() bool { return true }
func (random) Compute(pairs []Pair) (float64, error) {
	return rand.Float64(), nil
}
