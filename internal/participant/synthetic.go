package participant

import (
	"context"
	"fmt"

	"github.com/cryptofl/roundledger/internal/model"
)

// Synthetic is a trainer whose local optimum is a fixed set of parameters. Each
// round moves the global model a fraction of the way towards it.
type Synthetic struct {
	id       string
	target   model.Parameters
	examples int64
	rate     float64
}

func NewSynthetic(id string, target model.Parameters, examples int64, rate float64) *Synthetic {
	return &Synthetic{
		id:       id,
		target:   target.Clone(),
		examples: examples,
		rate:     rate,
	}
}

func (s *Synthetic) ID() string { return s.id }

// Fit returns the updated parameters and the mean squared distance to the local
// optimum as "loss"
func (s *Synthetic) Fit(ctx context.Context, params model.Parameters, config map[string]string) (model.FitResult, error) {
	if err := ctx.Err(); err != nil {
		return model.FitResult{}, err
	}
	if len(params) != len(s.target) {
		return model.FitResult{}, fmt.Errorf("expected %d tensors, got %d", len(s.target), len(params))
	}

	updated := params.Clone()
	var sum float64
	var n int
	for i := range updated {
		if len(updated[i].Values) != len(s.target[i].Values) {
			return model.FitResult{}, fmt.Errorf("tensor %d: expected %d values, got %d",
				i, len(s.target[i].Values), len(updated[i].Values))
		}
		for j, v := range updated[i].Values {
			next := v + s.rate*(s.target[i].Values[j]-v)
			updated[i].Values[j] = next
			d := s.target[i].Values[j] - next
			sum += d * d
			n++
		}
	}

	loss := 0.0
	if n > 0 {
		loss = sum / float64(n)
	}
	return model.FitResult{
		ParticipantID: s.id,
		Parameters:    updated,
		NumExamples:   s.examples,
		Metrics:       map[string]float64{"loss": loss},
	}, nil
}

// StaticInitializer supplies a fixed initial model
type StaticInitializer struct {
	Parameters model.Parameters
}

func (s StaticInitializer) InitialParameters(ctx context.Context) (model.Parameters, error) {
	if len(s.Parameters) == 0 {
		return nil, fmt.Errorf("no initial parameters configured")
	}
	return s.Parameters.Clone(), nil
}

// Zeros returns zero-valued tensors of the given shapes
func Zeros(shapes ...[]int) model.Parameters {
	out := make(model.Parameters, len(shapes))
	for i, shape := range shapes {
		size := 1
		for _, d := range shape {
			size *= d
		}
		out[i] = model.Tensor{
			Shape:  append([]int(nil), shape...),
			Values: make([]float64, size),
		}
	}
	return out
}

// SharpenFilter is the 3x3 convolution kernel used as the default initial model
func SharpenFilter() model.Parameters {
	return model.Parameters{{
		Shape:  []int{3, 3},
		Values: []float64{0, -1, 0, -1, 5, -1, 0, -1, 0},
	}}
}

// Offset returns params with delta added to every value
func Offset(params model.Parameters, delta float64) model.Parameters {
	out := params.Clone()
	for i := range out {
		for j := range out[i].Values {
			out[i].Values[j] += delta
		}
	}
	return out
}
