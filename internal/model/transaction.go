package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ContractReference identifies a deployed contract on a specific chain
type ContractReference struct {
	Name    string         `json:"name"`
	ChainID uint64         `json:"chain_id"`
	Address common.Address `json:"address"`
}

// TransactionRequest is the fully built, unsigned form of a ledger mutation
type TransactionRequest struct {
	From                 common.Address `json:"from"`
	To                   common.Address `json:"to"`
	ChainID              *big.Int       `json:"chain_id"`
	Nonce                uint64         `json:"nonce"`
	GasLimit             uint64         `json:"gas_limit"`
	MaxFeePerGas         *big.Int       `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas *big.Int       `json:"max_priority_fee_per_gas"`
	Value                *big.Int       `json:"value"`
	CallData             []byte         `json:"call_data"`
}

// EventLog represents a single log entry emitted by a confirmed transaction
type EventLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    []byte         `json:"data"`
}

// TransactionReceipt represents a simplified confirmation of a transaction
type TransactionReceipt struct {
	Hash              common.Hash `json:"hash"`
	BlockNumber       uint64      `json:"block_number"`
	GasUsed           uint64      `json:"gas_used"`
	EffectiveGasPrice *big.Int    `json:"effective_gas_price"`
	Logs              []EventLog  `json:"logs"`
	Status            uint64      `json:"status"`
}

// Succeeded reports whether the transaction executed without reverting
func (r *TransactionReceipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// Cost returns gasUsed * effectiveGasPrice in wei. It is never negative.
func (r *TransactionReceipt) Cost() *big.Int {
	if r == nil || r.EffectiveGasPrice == nil || r.EffectiveGasPrice.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
}

var weiPerEther = new(big.Float).SetFloat64(1e18)

// WeiToEther converts a wei amount to a float ether value for reporting only
func WeiToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEther).Float64()
	return f
}
