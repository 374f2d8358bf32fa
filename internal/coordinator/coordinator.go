package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/cryptofl/roundledger/internal/aggregate"
	"github.com/cryptofl/roundledger/internal/contentstore"
	"github.com/cryptofl/roundledger/internal/model"
	"github.com/cryptofl/roundledger/internal/publisher"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const initialContentName = "initial_parameters"

// Participants runs one round of local training on the participants
type Participants interface {
	// Fit returns the results of the participants that answered and one error
	// per participant that did not
	Fit(ctx context.Context, instructions model.FitInstructions) ([]model.FitResult, []error)
}

// Initializer supplies the parameters published before the first round
type Initializer interface {
	InitialParameters(ctx context.Context) (model.Parameters, error)
}

// Notifier tells one ledger contract about a newly published global model
type Notifier interface {
	Notify(ctx context.Context, round int, contentID string) (*model.TransactionReceipt, error)
}

// Target is a contract notified at the end of every round
type Target struct {
	Name     string
	Address  common.Address
	Notifier Notifier
}

// Recorder receives the round records. *metrics.Collector implements it.
type Recorder interface {
	Append(record model.RoundRecord) error
	NotificationFailed(target string)
	Finish()
	Save() error
}

type Config struct {
	Rounds          int
	MinParticipants int
}

// Dependencies are the collaborators of a Coordinator. Publisher is optional.
type Dependencies struct {
	Participants Participants
	Initializer  Initializer
	Store        contentstore.Store
	Targets      []Target
	Recorder     Recorder
	Publisher    publisher.Publisher
}

// Coordinator drives an experiment: initial publication, then a fixed number of
// rounds of training, aggregation, publication and ledger notification.
type Coordinator struct {
	config Config
	deps   Dependencies
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu         sync.Mutex
	state      State
	cancelFunc context.CancelFunc

	global    model.Parameters
	contentID string
}

func NewCoordinator(cfg Config, deps Dependencies, logger *zap.Logger) *Coordinator {
	if cfg.MinParticipants < 1 {
		cfg.MinParticipants = 1
	}
	return &Coordinator{
		config: cfg,
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer("github.com/cryptofl/roundledger/internal/coordinator"),
		now:    time.Now,
		state:  StateInit,
	}
}

// State returns the current lifecycle stage
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("Coordinator state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", s))
}

// ContentID returns the content id of the latest published global model
func (c *Coordinator) ContentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contentID
}

// GlobalParameters returns a copy of the in-memory global model
func (c *Coordinator) GlobalParameters() model.Parameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global.Clone()
}

// Stop cancels a running experiment. Records collected so far are still saved.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the experiment. The metrics document is saved on every exit path.
// A cancelled experiment returns the context error.
func (c *Coordinator) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()

	defer func() {
		c.deps.Recorder.Finish()
		if saveErr := c.deps.Recorder.Save(); saveErr != nil {
			c.logger.Error("Failed to save experiment metrics", zap.Error(saveErr))
			if err == nil {
				err = saveErr
			}
		}
	}()

	c.logger.Info("Starting experiment",
		zap.Int("rounds", c.config.Rounds),
		zap.Int("min_participants", c.config.MinParticipants),
		zap.Int("targets", len(c.deps.Targets)))

	if err := c.publishInitial(ctx); err != nil {
		if ctx.Err() != nil {
			return c.finalize(ctx)
		}
		c.setState(StateAborted)
		c.logger.Error("Experiment aborted during initial publication", zap.Error(err))
		return err
	}

	c.setState(StateRoundLoop)
	for round := 1; round <= c.config.Rounds; round++ {
		if ctx.Err() != nil {
			return c.finalize(ctx)
		}
		c.appendRecord(ctx, c.runRound(ctx, round))
	}
	if ctx.Err() != nil {
		return c.finalize(ctx)
	}

	c.setState(StateDone)
	c.logger.Info("Experiment finished",
		zap.Int("rounds", c.config.Rounds),
		zap.String("cid", c.ContentID()))
	return nil
}

func (c *Coordinator) finalize(ctx context.Context) error {
	c.setState(StateFinalizing)
	c.logger.Warn("Experiment cancelled, saving collected rounds")
	return ctx.Err()
}

// publishInitial uploads the initial model and notifies every target in order.
// A failed notification stops the remaining ones. The round 0 record is kept either way.
func (c *Coordinator) publishInitial(ctx context.Context) error {
	c.setState(StateInit)
	params, err := c.deps.Initializer.InitialParameters(ctx)
	if err != nil {
		return fmt.Errorf("failed to get initial parameters: %w", err)
	}

	c.setState(StatePublishInitial)
	record := c.newRecord(0)

	data, err := contentstore.EncodeParameters(params)
	var id string
	if err == nil {
		id, err = c.deps.Store.Put(ctx, initialContentName, data)
	}
	if err != nil {
		record.Errors = append(record.Errors, fmt.Sprintf("publish: %v", err))
		c.appendRecord(ctx, record)
		return fmt.Errorf("failed to publish initial parameters: %w", err)
	}

	c.mu.Lock()
	c.global = params.Clone()
	c.contentID = id
	c.mu.Unlock()

	record.ContentID = id
	record.Published = true
	notifyErr := c.notifyTargets(ctx, &record, true)
	c.appendRecord(ctx, record)
	if notifyErr != nil {
		return fmt.Errorf("failed to notify initial model: %w", notifyErr)
	}
	return nil
}

func (c *Coordinator) runRound(ctx context.Context, round int) model.RoundRecord {
	ctx, span := c.tracer.Start(ctx, "coordinator.round", trace.WithAttributes(attribute.Int("round", round)))
	defer span.End()

	c.mu.Lock()
	contentID := c.contentID
	global := c.global.Clone()
	c.mu.Unlock()

	record := c.newRecord(round)
	record.ContentID = contentID

	results, errs := c.deps.Participants.Fit(ctx, model.FitInstructions{
		Round:           round,
		ContentID:       contentID,
		Parameters:      global,
		MinParticipants: c.config.MinParticipants,
		Config: map[string]string{
			"cid":   contentID,
			"round": strconv.Itoa(round),
		},
	})
	for _, err := range errs {
		c.logger.Warn("Participant failed", zap.Int("round", round), zap.Error(err))
	}

	valid := make([]model.FitResult, 0, len(results))
	for _, res := range results {
		if err := checkResult(global, res); err != nil {
			c.logger.Warn("Discarding participant result",
				zap.Int("round", round),
				zap.String("participant", res.ParticipantID),
				zap.Error(err))
			continue
		}
		valid = append(valid, res)
	}
	record.Participants = len(valid)
	record.Failures = len(errs) + len(results) - len(valid)

	if len(valid) < c.config.MinParticipants {
		msg := fmt.Sprintf("only %d of %d required participants returned results", len(valid), c.config.MinParticipants)
		record.Errors = append(record.Errors, msg)
		span.SetStatus(codes.Error, msg)
		c.logger.Warn("Not enough participants, skipping aggregation", zap.Int("round", round), zap.Int("results", len(valid)))
		return record
	}

	params, err := aggregate.FedAvg(valid)
	if err != nil {
		aggErr := &aggregate.AggregationError{Round: round, Err: err}
		record.Errors = append(record.Errors, aggErr.Error())
		span.RecordError(aggErr)
		c.logger.Warn("Aggregation failed, keeping previous model", zap.Int("round", round), zap.Error(err))
		return record
	}
	record.Metrics = aggregate.Metrics(valid)

	c.mu.Lock()
	c.global = params
	c.mu.Unlock()

	data, err := contentstore.EncodeParameters(params)
	if err == nil {
		var id string
		id, err = c.deps.Store.Put(ctx, roundContentName(round), data)
		if err == nil {
			record.ContentID = id
			record.Published = true
			c.mu.Lock()
			c.contentID = id
			c.mu.Unlock()
		}
	}
	if err != nil {
		record.Errors = append(record.Errors, fmt.Sprintf("publish: %v", err))
		span.RecordError(err)
		c.logger.Error("Failed to publish round model", zap.Int("round", round), zap.Error(err))
		return record
	}

	if err := c.notifyTargets(ctx, &record, false); err != nil {
		span.RecordError(err)
	}

	c.logger.Info("Round completed",
		zap.Int("round", round),
		zap.Int("participants", record.Participants),
		zap.Int("failures", record.Failures),
		zap.String("cid", record.ContentID),
		zap.String("tx_hash", record.TxHash),
		zap.String("gas_wei", record.GasCostWei.String()))
	return record
}

// notifyTargets submits the notification to every target sequentially. Only the
// first target's cost is counted for the round. With stopOnFailure set, the first
// failure skips the remaining targets.
func (c *Coordinator) notifyTargets(ctx context.Context, record *model.RoundRecord, stopOnFailure bool) error {
	var errs []error
	for i, target := range c.deps.Targets {
		if err := ctx.Err(); err != nil {
			record.Errors = append(record.Errors, fmt.Sprintf("notify %s: skipped: %v", target.Name, err))
			return errors.Join(append(errs, err)...)
		}

		receipt, err := c.notify(ctx, target, record.Round, record.ContentID)
		if i == 0 && receipt != nil {
			record.GasCostWei = receipt.Cost()
			if err == nil {
				record.TxHash = receipt.Hash.Hex()
			}
		}
		if err != nil {
			errs = append(errs, err)
			record.Errors = append(record.Errors, fmt.Sprintf("notify %s: %v", target.Name, err))
			c.deps.Recorder.NotificationFailed(target.Name)
			c.logger.Error("Failed to notify target",
				zap.Int("round", record.Round),
				zap.String("target", target.Name),
				zap.String("address", target.Address.Hex()),
				zap.Error(err))
			if stopOnFailure {
				return errors.Join(errs...)
			}
		}
	}
	record.Notified = len(c.deps.Targets) > 0 && len(errs) == 0
	return errors.Join(errs...)
}

func (c *Coordinator) notify(ctx context.Context, target Target, round int, contentID string) (*model.TransactionReceipt, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.notify", trace.WithAttributes(
		attribute.String("target", target.Name),
		attribute.Int("round", round),
		attribute.String("cid", contentID)))
	defer span.End()

	receipt, err := target.Notifier.Notify(ctx, round, contentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return receipt, err
}

func (c *Coordinator) appendRecord(ctx context.Context, record model.RoundRecord) {
	if err := c.deps.Recorder.Append(record); err != nil {
		c.logger.Error("Failed to append round record", zap.Int("round", record.Round), zap.Error(err))
		return
	}
	if c.deps.Publisher == nil {
		return
	}
	if err := c.deps.Publisher.PublishRound(context.WithoutCancel(ctx), record); err != nil {
		c.logger.Warn("Failed to publish round record", zap.Int("round", record.Round), zap.Error(err))
	}
}

func (c *Coordinator) newRecord(round int) model.RoundRecord {
	return model.RoundRecord{
		Round:      round,
		GasCostWei: new(big.Int),
		Timestamp:  c.now().UTC(),
	}
}

func roundContentName(round int) string {
	return "round_" + strconv.Itoa(round) + "_parameters"
}

// checkResult rejects results whose parameters do not match the global layout
// or hold NaN or ±Inf
func checkResult(global model.Parameters, res model.FitResult) error {
	if res.NumExamples < 0 {
		return fmt.Errorf("negative example count %d", res.NumExamples)
	}
	if len(res.Parameters) != len(global) {
		return fmt.Errorf("expected %d tensors, got %d", len(global), len(res.Parameters))
	}
	for i := range global {
		if len(res.Parameters[i].Values) != len(global[i].Values) {
			return fmt.Errorf("tensor %d: expected %d values, got %d", i, len(global[i].Values), len(res.Parameters[i].Values))
		}
		for j, v := range res.Parameters[i].Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("tensor %d: value %d is not finite", i, j)
			}
		}
	}
	return nil
}
