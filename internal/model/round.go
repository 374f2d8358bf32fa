package model

import (
	"math/big"
	"time"
)

// Tensor is one numeric blob of the global model, stored row-major
type Tensor struct {
	Shape  []int     `json:"shape"`
	Values []float64 `json:"values"`
}

// Parameters is the ordered list of tensors that make up a model
type Parameters []Tensor

// Clone returns a deep copy of the parameters
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for i, t := range p {
		out[i] = Tensor{
			Shape:  append([]int(nil), t.Shape...),
			Values: append([]float64(nil), t.Values...),
		}
	}
	return out
}

// FitInstructions is the task handed to participants at the start of a round
type FitInstructions struct {
	Round     int
	ContentID string
	// Parameters is the in-memory global model. Participants that fetch the
	// model by ContentID may ignore it.
	Parameters      Parameters
	MinParticipants int
	Config          map[string]string
}

// FitResult is what a single participant reports back for one round
type FitResult struct {
	ParticipantID string             `json:"participant_id"`
	Parameters    Parameters         `json:"parameters"`
	NumExamples   int64              `json:"num_examples"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

// RoundRecord represents the outcome of one round. Round 0 is the initial publication.
type RoundRecord struct {
	Round        int                `json:"round"`
	Participants int                `json:"num_clients"`
	Failures     int                `json:"failures"`
	ContentID    string             `json:"cid"`
	TxHash       string             `json:"tx_hash,omitempty"`
	GasCostWei   *big.Int           `json:"gas_wei"`
	GasCostEth   float64            `json:"gas_eth"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Published    bool               `json:"published"`
	Notified     bool               `json:"notified"`
	Errors       []string           `json:"errors,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Failed reports whether any step of the round recorded an error
func (r RoundRecord) Failed() bool {
	return len(r.Errors) > 0
}
