package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cryptofl/roundledger/internal/config"
	"github.com/cryptofl/roundledger/internal/model"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const defaultPollInterval = time.Second

// Call is a contract mutation to be submitted
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	// Label names the call in logs and errors
	Label string
}

// Sender builds, signs, submits and confirms transactions for one signing key.
// Sends are serialised so the nonce sequence has a single writer.
type Sender struct {
	client       *Client
	feeCeiling   *big.Int
	pollInterval time.Duration
	logger       *zap.Logger
	mu           sync.Mutex
}

// NewSender creates a Sender bound to a connected Client
func NewSender(client *Client, cfg *config.EthereumConfig, logger *zap.Logger) *Sender {
	ceiling := new(big.Int).Set(DefaultFeeCeiling)
	poll := defaultPollInterval
	if cfg != nil {
		if cfg.FeeCeilingWei > 0 {
			ceiling = new(big.Int).SetUint64(cfg.FeeCeilingWei)
		}
		if cfg.ReceiptPollInterval > 0 {
			poll = cfg.ReceiptPollInterval
		}
	}
	return &Sender{
		client:       client,
		feeCeiling:   ceiling,
		pollInterval: poll,
		logger:       logger,
	}
}

// FeeCeiling returns the configured priority fee cap
func (s *Sender) FeeCeiling() *big.Int {
	return new(big.Int).Set(s.feeCeiling)
}

// Build estimates gas, prices the transaction and reads the nonce, in that order.
// Every failure here is pre-broadcast and reported as *EstimationError.
func (s *Sender) Build(ctx context.Context, call Call) (*model.TransactionRequest, error) {
	backend := s.client.Backend()
	if backend == nil {
		return nil, errors.New("ledger client is not connected")
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	from := s.client.Address()
	to := call.To

	estimate, err := backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  call.Data,
	})
	if err != nil {
		return nil, &EstimationError{Label: call.Label, Err: err}
	}

	baseFee, err := s.baseFee(ctx)
	if err != nil {
		return nil, &EstimationError{Label: call.Label, Err: err}
	}
	tip := PriorityFee(baseFee, s.feeCeiling)

	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &EstimationError{Label: call.Label, Err: fmt.Errorf("failed to fetch nonce: %w", err)}
	}

	return &model.TransactionRequest{
		From:                 from,
		To:                   to,
		ChainID:              s.client.ChainID(),
		Nonce:                nonce,
		GasLimit:             GasLimitWithMargin(estimate),
		MaxFeePerGas:         MaxFee(baseFee, tip),
		MaxPriorityFeePerGas: tip,
		Value:                value,
		CallData:             call.Data,
	}, nil
}

func (s *Sender) baseFee(ctx context.Context) (*big.Int, error) {
	backend := s.client.Backend()
	header, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest header: %w", err)
	}
	if header != nil && header.BaseFee != nil {
		return new(big.Int).Set(header.BaseFee), nil
	}
	price, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas price: %w", err)
	}
	return price, nil
}

// Sign turns a built request into a signed EIP-1559 transaction
func (s *Sender) Sign(req *model.TransactionRequest) (*types.Transaction, error) {
	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   req.ChainID,
		Nonce:     req.Nonce,
		GasTipCap: req.MaxPriorityFeePerGas,
		GasFeeCap: req.MaxFeePerGas,
		Gas:       req.GasLimit,
		To:        &to,
		Value:     req.Value,
		Data:      req.CallData,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(req.ChainID), s.client.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// Send submits the call and blocks until its receipt is available.
// A reverted transaction returns both the receipt and an *ExecutionReverted error.
func (s *Sender) Send(ctx context.Context, call Call) (*model.TransactionReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := otel.Tracer("roundledger/ledger").Start(ctx, "ledger.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("call.label", call.Label),
		attribute.String("call.to", call.To.Hex()),
	)

	receipt, err := s.send(ctx, call)
	if receipt != nil {
		span.SetAttributes(
			attribute.String("tx.hash", receipt.Hash.Hex()),
			attribute.Int64("tx.gas_used", int64(receipt.GasUsed)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return receipt, err
}

func (s *Sender) send(ctx context.Context, call Call) (*model.TransactionReceipt, error) {
	req, err := s.Build(ctx, call)
	if err != nil {
		return nil, err
	}

	tx, err := s.Sign(req)
	if err != nil {
		return nil, &SubmissionError{Label: call.Label, Err: err}
	}

	s.logger.Debug("Broadcasting transaction",
		zap.String("label", call.Label),
		zap.String("to", call.To.Hex()),
		zap.Uint64("nonce", req.Nonce),
		zap.Uint64("gas_limit", req.GasLimit),
		zap.String("max_fee_per_gas", req.MaxFeePerGas.String()),
		zap.String("max_priority_fee_per_gas", req.MaxPriorityFeePerGas.String()))

	if err := s.client.Backend().SendTransaction(ctx, tx); err != nil {
		return nil, &SubmissionError{Label: call.Label, Err: err}
	}

	// Confirmation waits are not interrupted by cancellation of the caller.
	receipt, err := s.WaitReceipt(context.WithoutCancel(ctx), tx.Hash())
	if err != nil {
		return nil, &SubmissionError{Label: call.Label, Hash: tx.Hash(), Err: err}
	}

	if !receipt.Succeeded() {
		s.logger.Warn("Transaction reverted",
			zap.String("label", call.Label),
			zap.String("tx_hash", receipt.Hash.Hex()),
			zap.String("cost_wei", receipt.Cost().String()))
		return receipt, &ExecutionReverted{Label: call.Label, Hash: receipt.Hash, Receipt: receipt}
	}

	s.logger.Info("Transaction confirmed",
		zap.String("label", call.Label),
		zap.String("tx_hash", receipt.Hash.Hex()),
		zap.Uint64("block", receipt.BlockNumber),
		zap.Uint64("gas_used", receipt.GasUsed),
		zap.String("cost_wei", receipt.Cost().String()))

	return receipt, nil
}

// WaitReceipt polls for the receipt of hash until it is mined or ctx ends
func (s *Sender) WaitReceipt(ctx context.Context, hash common.Hash) (*model.TransactionReceipt, error) {
	backend := s.client.Backend()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return convertReceipt(hash, receipt), nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to retrieve receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func convertReceipt(hash common.Hash, receipt *types.Receipt) *model.TransactionReceipt {
	logs := make([]model.EventLog, 0, len(receipt.Logs))
	for _, log := range receipt.Logs {
		if log == nil {
			continue
		}
		logs = append(logs, model.EventLog{
			Address: log.Address,
			Topics:  append([]common.Hash(nil), log.Topics...),
			Data:    append([]byte(nil), log.Data...),
		})
	}

	var price *big.Int
	if receipt.EffectiveGasPrice != nil {
		price = new(big.Int).Set(receipt.EffectiveGasPrice)
	}
	var blockNumber uint64
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}

	return &model.TransactionReceipt{
		Hash:              hash,
		BlockNumber:       blockNumber,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: price,
		Logs:              logs,
		Status:            receipt.Status,
	}
}
