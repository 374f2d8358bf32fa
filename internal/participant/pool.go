// Package participant runs local training rounds on an in-process set of trainers
package participant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cryptofl/roundledger/internal/contentstore"
	"github.com/cryptofl/roundledger/internal/model"
	"go.uber.org/zap"
)

// Trainer performs one round of local training
type Trainer interface {
	ID() string
	Fit(ctx context.Context, params model.Parameters, config map[string]string) (model.FitResult, error)
}

// Error reports a participant that returned no usable result
type Error struct {
	ParticipantID string
	Err           error
}

func (e *Error) Error() string {
	return fmt.Sprintf("participant %s: %v", e.ParticipantID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Pool fans a round out to every trainer concurrently
type Pool struct {
	trainers []Trainer
	timeout  time.Duration
	store    contentstore.Store
	logger   *zap.Logger
}

// NewPool creates a Pool. A zero timeout disables the per-participant deadline.
// When store is set the global model is fetched by content id, as remote
// participants would, instead of taken from memory.
func NewPool(trainers []Trainer, timeout time.Duration, store contentstore.Store, logger *zap.Logger) *Pool {
	return &Pool{
		trainers: trainers,
		timeout:  timeout,
		store:    store,
		logger:   logger,
	}
}

func (p *Pool) Size() int {
	return len(p.trainers)
}

// Fit runs every trainer and returns results and errors in trainer order
func (p *Pool) Fit(ctx context.Context, in model.FitInstructions) ([]model.FitResult, []error) {
	params, err := p.globalParameters(ctx, in)
	if err != nil {
		errs := make([]error, len(p.trainers))
		for i, tr := range p.trainers {
			errs[i] = &Error{ParticipantID: tr.ID(), Err: err}
		}
		return nil, errs
	}

	results := make([]model.FitResult, len(p.trainers))
	errs := make([]error, len(p.trainers))

	var wg sync.WaitGroup
	for i, tr := range p.trainers {
		wg.Add(1)
		go func(i int, tr Trainer) {
			defer wg.Done()
			results[i], errs[i] = p.fitOne(ctx, tr, params, in.Config)
		}(i, tr)
	}
	wg.Wait()

	var (
		okResults []model.FitResult
		failures  []error
	)
	for i := range p.trainers {
		if errs[i] != nil {
			failures = append(failures, errs[i])
			continue
		}
		okResults = append(okResults, results[i])
	}

	p.logger.Debug("Participants finished",
		zap.Int("round", in.Round),
		zap.Int("results", len(okResults)),
		zap.Int("failures", len(failures)))
	return okResults, failures
}

type outcome struct {
	result model.FitResult
	err    error
}

func (p *Pool) fitOne(ctx context.Context, tr Trainer, params model.Parameters, config map[string]string) (model.FitResult, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		res, err := tr.Fit(ctx, params.Clone(), config)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return model.FitResult{}, &Error{ParticipantID: tr.ID(), Err: out.err}
		}
		if out.result.ParticipantID == "" {
			out.result.ParticipantID = tr.ID()
		}
		return out.result, nil
	case <-ctx.Done():
		return model.FitResult{}, &Error{ParticipantID: tr.ID(), Err: ctx.Err()}
	}
}

func (p *Pool) globalParameters(ctx context.Context, in model.FitInstructions) (model.Parameters, error) {
	if p.store == nil || in.ContentID == "" {
		return in.Parameters, nil
	}
	data, err := p.store.Get(ctx, in.ContentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch global model %s: %w", in.ContentID, err)
	}
	params, err := contentstore.DecodeParameters(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode global model %s: %w", in.ContentID, err)
	}
	return params, nil
}
