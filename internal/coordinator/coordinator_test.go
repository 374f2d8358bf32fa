package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cryptofl/roundledger/internal/contentstore"
	"github.com/cryptofl/roundledger/internal/metrics"
	"github.com/cryptofl/roundledger/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type participantsFunc func(ctx context.Context, in model.FitInstructions) ([]model.FitResult, []error)

func (f participantsFunc) Fit(ctx context.Context, in model.FitInstructions) ([]model.FitResult, []error) {
	return f(ctx, in)
}

type staticInitializer struct {
	params model.Parameters
	err    error
}

func (s staticInitializer) InitialParameters(ctx context.Context) (model.Parameters, error) {
	return s.params.Clone(), s.err
}

type memoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	names   map[string]string
	failFor map[string]bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: map[string][]byte{}, names: map[string]string{}, failFor: map[string]bool{}}
}

func (m *memoryStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[name] {
		return "", &contentstore.Error{Op: "put", Err: errors.New("gateway timeout")}
	}
	id, err := contentstore.ComputeCID(data)
	if err != nil {
		return "", err
	}
	m.data[id] = data
	m.names[name] = id
	return id, nil
}

func (m *memoryStore) Get(ctx context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[id]
	if !ok {
		return nil, contentstore.ErrNotFound
	}
	return data, nil
}

type call struct {
	round int
	cid   string
}

type fakeNotifier struct {
	gasUsed   uint64
	failRound map[int]error
	revert    map[int]bool
	calls     []call
}

func (f *fakeNotifier) Notify(ctx context.Context, round int, cid string) (*model.TransactionReceipt, error) {
	f.calls = append(f.calls, call{round: round, cid: cid})
	if err := f.failRound[round]; err != nil {
		return nil, err
	}
	receipt := &model.TransactionReceipt{
		Hash:              common.BigToHash(big.NewInt(int64(1000*len(f.calls)) + int64(f.gasUsed))),
		GasUsed:           f.gasUsed,
		EffectiveGasPrice: big.NewInt(2),
		Status:            1,
	}
	if f.revert[round] {
		receipt.Status = 0
		return receipt, errors.New("execution reverted")
	}
	return receipt, nil
}

type recordingPublisher struct {
	rounds []int
}

func (p *recordingPublisher) Connect(ctx context.Context) error { return nil }
func (p *recordingPublisher) Close() error                      { return nil }
func (p *recordingPublisher) PublishRound(ctx context.Context, r model.RoundRecord) error {
	p.rounds = append(p.rounds, r.Round)
	return nil
}
func (p *recordingPublisher) PublishRounds(ctx context.Context, rs []model.RoundRecord) error {
	for _, r := range rs {
		p.rounds = append(p.rounds, r.Round)
	}
	return nil
}

func scalar(v float64) model.Parameters {
	return model.Parameters{{Shape: []int{1}, Values: []float64{v}}}
}

// fixedParticipants answers every round with one result per value, each with examples samples
func fixedParticipants(examples int64, values ...float64) participantsFunc {
	return func(ctx context.Context, in model.FitInstructions) ([]model.FitResult, []error) {
		out := make([]model.FitResult, len(values))
		for i, v := range values {
			out[i] = model.FitResult{
				ParticipantID: string(rune('a' + i)),
				Parameters:    scalar(v),
				NumExamples:   examples,
				Metrics:       map[string]float64{"loss": v},
			}
		}
		return out, nil
	}
}

type harness struct {
	store     *memoryStore
	primary   *fakeNotifier
	mirror    *fakeNotifier
	collector *metrics.Collector
	path      string
	publisher *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server_metrics.json")
	return &harness{
		store:     newMemoryStore(),
		primary:   &fakeNotifier{gasUsed: 50_000, failRound: map[int]error{}, revert: map[int]bool{}},
		mirror:    &fakeNotifier{gasUsed: 30_000, failRound: map[int]error{}, revert: map[int]bool{}},
		collector: metrics.NewCollector(path, "exp", nil, zap.NewNop()),
		path:      path,
		publisher: &recordingPublisher{},
	}
}

func (h *harness) coordinator(rounds, minParticipants int, participants Participants) *Coordinator {
	return NewCoordinator(Config{Rounds: rounds, MinParticipants: minParticipants}, Dependencies{
		Participants: participants,
		Initializer:  staticInitializer{params: scalar(0)},
		Store:        h.store,
		Targets: []Target{
			{Name: "dao", Address: common.HexToAddress("0x01"), Notifier: h.primary},
			{Name: "job", Address: common.HexToAddress("0x02"), Notifier: h.mirror},
		},
		Recorder:  h.collector,
		Publisher: h.publisher,
	}, zap.NewNop())
}

func (h *harness) savedDocument(t *testing.T) metrics.Document {
	t.Helper()
	raw, err := os.ReadFile(h.path)
	require.NoError(t, err)
	var doc metrics.Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func TestRun_ThreeEqualParticipantsGiveMean(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(1, 3, fixedParticipants(100, 1, 2, 6))

	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, StateDone, c.State())
	require.InDelta(t, 3.0, c.GlobalParameters()[0].Values[0], 1e-12)

	records := h.collector.Records()
	require.Len(t, records, 2)
	round := records[1]
	require.Equal(t, 3, round.Participants)
	require.Zero(t, round.Failures)
	require.True(t, round.Published)
	require.True(t, round.Notified)
	require.NotEmpty(t, round.TxHash)
	require.Equal(t, h.store.names["round_1_parameters"], round.ContentID)
	require.Equal(t, round.ContentID, c.ContentID())
	require.InDelta(t, 3.0, round.Metrics["loss"], 1e-12)

	published, err := contentstore.DecodeParameters(h.store.data[round.ContentID])
	require.NoError(t, err)
	require.InDelta(t, 3.0, published[0].Values[0], 1e-12)

	require.Equal(t, []int{0, 1}, h.publisher.rounds)
	require.Equal(t, 1, h.savedDocument(t).TotalRounds)
}

func TestRun_OnlyFirstTargetCostIsCounted(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(1, 1, fixedParticipants(10, 1))
	require.NoError(t, c.Run(context.Background()))

	for _, r := range h.collector.Records() {
		require.Equal(t, int64(100_000), r.GasCostWei.Int64(), "round %d", r.Round)
	}
	require.Len(t, h.mirror.calls, 2)
	require.Equal(t, int64(200_000), h.collector.TotalCost().Int64())
}

func TestRun_InitialPublication(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(0, 1, fixedParticipants(10, 1))
	require.NoError(t, c.Run(context.Background()))

	records := h.collector.Records()
	require.Len(t, records, 1)
	require.Equal(t, 0, records[0].Round)
	require.Equal(t, h.store.names["initial_parameters"], records[0].ContentID)
	require.Equal(t, []call{{0, records[0].ContentID}}, h.primary.calls)
	require.Equal(t, []call{{0, records[0].ContentID}}, h.mirror.calls)
	require.True(t, records[0].Notified)
}

func TestRun_NotificationFailureDoesNotStopTheLoop(t *testing.T) {
	h := newHarness(t)
	h.primary.failRound[1] = errors.New("nonce too low")
	c := h.coordinator(2, 1, fixedParticipants(10, 1))

	require.NoError(t, c.Run(context.Background()))
	records := h.collector.Records()
	require.Len(t, records, 3)

	failed := records[1]
	require.Empty(t, failed.TxHash)
	require.True(t, failed.Published)
	require.False(t, failed.Notified)
	require.Zero(t, failed.GasCostWei.Sign())
	require.Len(t, failed.Errors, 1)
	require.Contains(t, failed.Errors[0], "nonce too low")

	require.Len(t, h.mirror.calls, 3)
	require.True(t, records[2].Notified)
}

func TestRun_RevertedNotificationStillCountsCost(t *testing.T) {
	h := newHarness(t)
	h.primary.revert[1] = true
	c := h.coordinator(1, 1, fixedParticipants(10, 1))

	require.NoError(t, c.Run(context.Background()))
	record := h.collector.Records()[1]
	require.Empty(t, record.TxHash)
	require.Equal(t, int64(100_000), record.GasCostWei.Int64())
	require.True(t, record.Failed())
}

func TestRun_UploadFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.store.failFor["round_1_parameters"] = true
	c := h.coordinator(2, 1, fixedParticipants(10, 4))

	require.NoError(t, c.Run(context.Background()))
	records := h.collector.Records()
	require.Len(t, records, 3)

	initial := records[0].ContentID
	require.False(t, records[1].Published)
	require.True(t, records[1].Failed())
	require.Equal(t, initial, records[1].ContentID)
	require.Contains(t, records[1].Errors[0], "gateway timeout")
	require.True(t, records[2].Published)

	// the round 1 model still became the in-memory global model
	require.Equal(t, []call{{0, initial}, {2, records[2].ContentID}}, h.primary.calls)
	require.InDelta(t, 4.0, c.GlobalParameters()[0].Values[0], 1e-12)
}

func TestRun_ZeroWeightKeepsContentID(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(1, 2, fixedParticipants(0, 5, 7))

	require.NoError(t, c.Run(context.Background()))
	records := h.collector.Records()
	require.Equal(t, records[0].ContentID, records[1].ContentID)
	require.False(t, records[1].Published)
	require.Contains(t, records[1].Errors[0], "total example count is zero")
	require.Len(t, h.primary.calls, 1)
	require.Equal(t, 0.0, c.GlobalParameters()[0].Values[0])
}

func TestRun_NotEnoughParticipants(t *testing.T) {
	h := newHarness(t)
	participants := participantsFunc(func(ctx context.Context, in model.FitInstructions) ([]model.FitResult, []error) {
		return []model.FitResult{{ParticipantID: "a", Parameters: scalar(1), NumExamples: 5}},
			[]error{errors.New("participant b timed out")}
	})
	c := h.coordinator(1, 2, participants)

	require.NoError(t, c.Run(context.Background()))
	record := h.collector.Records()[1]
	require.Equal(t, 1, record.Participants)
	require.Equal(t, 1, record.Failures)
	require.False(t, record.Published)
	require.Contains(t, record.Errors[0], "only 1 of 2")
}

func TestRun_MalformedResultCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	participants := participantsFunc(func(ctx context.Context, in model.FitInstructions) ([]model.FitResult, []error) {
		return []model.FitResult{
			{ParticipantID: "a", Parameters: scalar(2), NumExamples: 5},
			{ParticipantID: "b", Parameters: model.Parameters{{Shape: []int{2}, Values: []float64{1, 1}}}, NumExamples: 5},
		}, nil
	})
	c := h.coordinator(1, 1, participants)

	require.NoError(t, c.Run(context.Background()))
	record := h.collector.Records()[1]
	require.Equal(t, 1, record.Participants)
	require.Equal(t, 1, record.Failures)
	require.InDelta(t, 2.0, c.GlobalParameters()[0].Values[0], 1e-12)
}

func TestRun_NonFiniteParametersCountAsFailure(t *testing.T) {
	h := newHarness(t)
	participants := participantsFunc(func(ctx context.Context, in model.FitInstructions) ([]model.FitResult, []error) {
		return []model.FitResult{
			{ParticipantID: "a", Parameters: scalar(4), NumExamples: 5},
			{ParticipantID: "b", Parameters: scalar(math.Inf(1)), NumExamples: 5},
			{ParticipantID: "c", Parameters: scalar(math.NaN()), NumExamples: 5},
		}, nil
	})
	c := h.coordinator(1, 1, participants)

	require.NoError(t, c.Run(context.Background()))
	record := h.collector.Records()[1]
	require.Equal(t, 1, record.Participants)
	require.Equal(t, 2, record.Failures)
	require.True(t, record.Published)
	require.True(t, record.Notified)
	require.Empty(t, record.Errors)
	require.Equal(t, 4.0, c.GlobalParameters()[0].Values[0])
}

func TestRun_NonFiniteMetricStillSavesDocument(t *testing.T) {
	h := newHarness(t)
	participants := participantsFunc(func(ctx context.Context, in model.FitInstructions) ([]model.FitResult, []error) {
		return []model.FitResult{{
			ParticipantID: "a",
			Parameters:    scalar(1),
			NumExamples:   3,
			Metrics:       map[string]float64{"loss": math.NaN(), "accuracy": 0.5},
		}}, nil
	})
	c := h.coordinator(2, 1, participants)

	require.NoError(t, c.Run(context.Background()))
	doc := h.savedDocument(t)
	require.Equal(t, 2, doc.TotalRounds)
	require.Len(t, doc.Rounds, 3)
	require.Equal(t, map[string]float64{"accuracy": 0.5}, doc.Rounds[2].Metrics)
}

func TestRun_ParticipantsReceiveRoundConfig(t *testing.T) {
	h := newHarness(t)
	var seen []model.FitInstructions
	participants := participantsFunc(func(ctx context.Context, in model.FitInstructions) ([]model.FitResult, []error) {
		seen = append(seen, in)
		return []model.FitResult{{ParticipantID: "a", Parameters: scalar(float64(in.Round)), NumExamples: 1}}, nil
	})
	c := h.coordinator(2, 1, participants)
	require.NoError(t, c.Run(context.Background()))

	require.Len(t, seen, 2)
	records := h.collector.Records()
	require.Equal(t, records[0].ContentID, seen[0].ContentID)
	require.Equal(t, map[string]string{"cid": records[0].ContentID, "round": "1"}, seen[0].Config)
	require.Equal(t, records[1].ContentID, seen[1].ContentID)
	require.Equal(t, 1.0, seen[1].Parameters[0].Values[0])
}

func TestRun_CancelDuringRoundTwoOfFive(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	participants := participantsFunc(func(ctx context.Context, in model.FitInstructions) ([]model.FitResult, []error) {
		if in.Round == 2 {
			cancel()
		}
		return []model.FitResult{{ParticipantID: "a", Parameters: scalar(1), NumExamples: 1}}, nil
	})
	c := h.coordinator(5, 1, participants)

	err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateFinalizing, c.State())

	doc := h.savedDocument(t)
	require.Len(t, doc.Rounds, 3)
	for i, r := range doc.Rounds {
		require.Equal(t, i, r.Round)
	}
	require.Empty(t, doc.Rounds[2].TxHash)
	require.True(t, strings.Contains(strings.Join(doc.Rounds[2].Errors, ";"), "skipped"))
	require.Len(t, h.primary.calls, 2)
}

func TestRun_StopCancelsExperiment(t *testing.T) {
	h := newHarness(t)
	var c *Coordinator
	participants := participantsFunc(func(ctx context.Context, in model.FitInstructions) ([]model.FitResult, []error) {
		c.Stop()
		return nil, []error{ctx.Err()}
	})
	c = h.coordinator(3, 1, participants)

	require.ErrorIs(t, c.Run(context.Background()), context.Canceled)
	require.Len(t, h.collector.Records(), 2)
}

func TestRun_InitialNotificationFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.primary.failRound[0] = errors.New("insufficient funds")
	c := h.coordinator(3, 1, fixedParticipants(10, 1))

	err := c.Run(context.Background())
	require.ErrorContains(t, err, "insufficient funds")
	require.Equal(t, StateAborted, c.State())
	require.Empty(t, h.mirror.calls)

	doc := h.savedDocument(t)
	require.Len(t, doc.Rounds, 1)
	require.False(t, doc.Rounds[0].Notified)
	require.NotEmpty(t, doc.Rounds[0].Errors)
}

func TestRun_InitializerFailureAborts(t *testing.T) {
	h := newHarness(t)
	c := NewCoordinator(Config{Rounds: 2, MinParticipants: 1}, Dependencies{
		Participants: fixedParticipants(1, 1),
		Initializer:  staticInitializer{err: errors.New("no model")},
		Store:        h.store,
		Recorder:     h.collector,
	}, zap.NewNop())

	require.Error(t, c.Run(context.Background()))
	require.Equal(t, StateAborted, c.State())
	require.Empty(t, h.savedDocument(t).Rounds)
}

func TestRun_InitialUploadFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.store.failFor["initial_parameters"] = true
	c := h.coordinator(2, 1, fixedParticipants(1, 1))

	var storeErr *contentstore.Error
	require.ErrorAs(t, c.Run(context.Background()), &storeErr)
	require.Equal(t, StateAborted, c.State())
	require.Empty(t, h.primary.calls)
	require.Len(t, h.collector.Records(), 1)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "ROUND_LOOP", StateRoundLoop.String())
	require.Equal(t, "UNKNOWN", State(42).String())
}
