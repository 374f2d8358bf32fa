// Package aggregate combines participant results into a new global model
package aggregate

import (
	"errors"
	"fmt"
	"math"

	"github.com/cryptofl/roundledger/internal/model"
)

// ErrZeroWeight is returned when the results carry no examples at all
var ErrZeroWeight = errors.New("total example count is zero")

// AggregationError wraps a failed aggregation
type AggregationError struct {
	Round int
	Err   error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation failed in round %d: %v", e.Round, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

// FedAvg returns the example-weighted mean of the parameters of results.
// Every result must have the same tensor layout.
func FedAvg(results []model.FitResult) (model.Parameters, error) {
	var total int64
	for _, r := range results {
		if r.NumExamples < 0 {
			return nil, fmt.Errorf("participant %s reported negative example count %d", r.ParticipantID, r.NumExamples)
		}
		total += r.NumExamples
	}
	if total == 0 {
		return nil, ErrZeroWeight
	}

	var layout model.Parameters
	for _, r := range results {
		if r.NumExamples > 0 {
			layout = r.Parameters
			break
		}
	}

	out := make(model.Parameters, len(layout))
	for i, t := range layout {
		out[i] = model.Tensor{
			Shape:  append([]int(nil), t.Shape...),
			Values: make([]float64, len(t.Values)),
		}
	}

	for _, r := range results {
		if r.NumExamples == 0 {
			continue
		}
		if err := checkLayout(layout, r.Parameters); err != nil {
			return nil, fmt.Errorf("participant %s: %w", r.ParticipantID, err)
		}
		weight := float64(r.NumExamples) / float64(total)
		for i, t := range r.Parameters {
			for j, v := range t.Values {
				out[i].Values[j] += v * weight
			}
		}
	}
	return out, nil
}

func checkLayout(want, got model.Parameters) error {
	if len(want) != len(got) {
		return fmt.Errorf("expected %d tensors, got %d", len(want), len(got))
	}
	for i := range want {
		if len(want[i].Values) != len(got[i].Values) {
			return fmt.Errorf("tensor %d: expected %d values, got %d", i, len(want[i].Values), len(got[i].Values))
		}
	}
	return nil
}

// Metrics returns, for every metric key reported by at least one result, the mean
// weighted by example count over the results that reported it. NaN and ±Inf
// values are ignored.
func Metrics(results []model.FitResult) map[string]float64 {
	sums := make(map[string]float64)
	weights := make(map[string]int64)
	for _, r := range results {
		for key, value := range r.Metrics {
			if math.IsNaN(value) || math.IsInf(value, 0) {
				continue
			}
			sums[key] += value * float64(r.NumExamples)
			weights[key] += r.NumExamples
		}
	}

	out := make(map[string]float64, len(sums))
	for key, sum := range sums {
		if weights[key] == 0 {
			continue
		}
		out[key] = sum / float64(weights[key])
	}
	return out
}
